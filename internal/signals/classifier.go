package signals

import (
	"regexp"
	"strings"
)

// Result holds the output of classifying a ticket.
type Result struct {
	Rule     string
	Category string
	Keyword  string // the keyword that matched
}

// Classifier matches ticket text against ordered keyword rules.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier. An empty rule set falls back to
// DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	rules = normalize(rules)
	if len(rules) == 0 {
		rules = normalize(DefaultRules())
	}
	return &Classifier{rules: rules}
}

// Classify does a case-insensitive substring match of every rule's
// keywords across subject and body. Returns ok=false if nothing matches.
func (c *Classifier) Classify(subject, body string) (result Result, ok bool) {
	text := strings.ToLower(subject + " " + body)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(text, kw) {
				return Result{Rule: r.Name, Category: r.Category, Keyword: kw}, true
			}
		}
	}
	return Result{}, false
}

// Rules returns the normalized rules in evaluation order.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

var unitPattern = regexp.MustCompile(`(?i)\b(?:unit|apt|apartment)\s*#?\s*(\d+[a-z]?)`)

// ExtractUnit pulls a unit number such as "Unit #204" out of free text.
func ExtractUnit(text string) (string, bool) {
	m := unitPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}
