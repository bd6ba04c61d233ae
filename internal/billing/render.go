package billing

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/matthewbaird/leasesync/internal/types"
)

const rule = "=================================================="

// Dollars formats money as "$5,085.00".
func Dollars(m types.Money) string {
	sign := ""
	cents := m.AmountCents
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return sign + "$" + humanize.FormatFloat("#,###.##", float64(cents)/100)
}

// Render formats a report as the plain-text statement sent to the property.
func Render(r Report) string {
	var b strings.Builder
	name := r.PropertyName
	if name == "" {
		name = "Property"
	}
	fmt.Fprintf(&b, "ERE Fiber - %s - %s\n", name, r.Label())
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "%-19s%d / %d\n", "Occupied Units:", r.Occupied, r.TotalUnits)
	fmt.Fprintf(&b, "%-19s%d\n", "Vacant Units:", r.Vacant)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%-19s%s/unit\n", "Base Rate:", Dollars(r.BaseRate))
	fmt.Fprintf(&b, "%-19s%s\n", "Base Service:", Dollars(r.BaseTotal))
	for _, a := range r.Addons {
		label := a.Package + " Add-on:"
		fmt.Fprintf(&b, "%-19s%d x %s = %s\n", label, len(a.Units), Dollars(a.UnitPrice), Dollars(a.Total))
	}
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "%-19s%s\n", "TOTAL DUE:", Dollars(r.Total))
	b.WriteString(rule + "\n")
	b.WriteString("\n")
	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.Format("2006-01-02 15:04 MST"))
	return b.String()
}
