// Package signals classifies maintenance ticket text against an ordered
// keyword rule set and grades activity entries by weight.
package signals

import "strings"

// WeightOrder maps activity weights to numeric severity (lower = more severe).
var WeightOrder = map[string]int{
	"critical": 1,
	"major":    2,
	"minor":    3,
	"info":     4,
}

// WeightSeverity returns the numeric severity for a weight (lower = more severe).
// Returns 5 for unknown weights.
func WeightSeverity(weight string) int {
	if s, ok := WeightOrder[weight]; ok {
		return s
	}
	return 5
}

// IsAtLeastWeight returns true if actual is at least as severe as minimum.
func IsAtLeastWeight(actual, minimum string) bool {
	return WeightSeverity(actual) <= WeightSeverity(minimum)
}

// Rule is one named keyword rule. Rules are evaluated in order and the
// first match wins.
type Rule struct {
	Name     string
	Category string
	Keywords []string
}

// DefaultInternetKeywords is used when no rules are configured.
var DefaultInternetKeywords = []string{
	"internet", "wifi", "wi-fi", "router", "network", "ethernet",
	"connection", "outage", "modem", "fiber", "onu",
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{{Name: "internet", Category: "internet_support", Keywords: DefaultInternetKeywords}}
}

// normalize lower-cases keywords and drops blanks so matching is a plain
// substring test.
func normalize(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		kws := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		if len(kws) == 0 {
			continue
		}
		r.Keywords = kws
		out = append(out, r)
	}
	return out
}
