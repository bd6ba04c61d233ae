// Package billing computes the flat monthly fee owed for occupied units
// and renders it as the operator report.
package billing

import (
	"sort"
	"time"

	"github.com/matthewbaird/leasesync/internal/config"
	"github.com/matthewbaird/leasesync/internal/types"
)

// AddonLine totals one paid package across the occupied units using it.
type AddonLine struct {
	Package   string      `json:"package"`
	Units     []string    `json:"units"`
	UnitPrice types.Money `json:"unit_price"`
	Total     types.Money `json:"total"`
}

// Report is the billing figure for one period.
type Report struct {
	Period        string      `json:"period"` // YYYY-MM
	PropertyName  string      `json:"property_name"`
	Occupied      int         `json:"occupied"`
	Vacant        int         `json:"vacant"`
	TotalUnits    int         `json:"total_units"`
	OccupiedUnits []string    `json:"occupied_units"`
	BaseRate      types.Money `json:"base_rate"`
	BaseTotal     types.Money `json:"base_total"`
	Addons        []AddonLine `json:"addons,omitempty"`
	Total         types.Money `json:"total"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// AddonTotal sums the add-on lines.
func (r Report) AddonTotal() types.Money {
	sum := types.USD(0)
	for _, a := range r.Addons {
		sum = sum.Add(a.Total)
	}
	return sum
}

// Label formats the period as "3/2026".
func (r Report) Label() string {
	t, err := time.Parse("2006-01", r.Period)
	if err != nil {
		return r.Period
	}
	return t.Format("1/2006")
}

// Period returns the YYYY-MM period containing t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Aggregate counts occupied units (active or delinquent) and prices them at
// the base rate plus each unit's package add-on. totalUnits is the
// property's unit count; zero means the number of units passed in.
func Aggregate(units []types.Unit, rates config.BillingConfig, propertyName string, totalUnits int, now time.Time) Report {
	r := Report{
		Period:       Period(now),
		PropertyName: propertyName,
		TotalUnits:   totalUnits,
		BaseRate:     types.USD(rates.BaseRateCents),
		GeneratedAt:  now.UTC(),
	}
	if r.TotalUnits <= 0 {
		r.TotalUnits = len(units)
	}

	addons := make(map[string]*AddonLine)
	for _, u := range units {
		if !u.Occupied() {
			continue
		}
		r.Occupied++
		r.OccupiedUnits = append(r.OccupiedUnits, u.ID)

		pkg, ok := packageFor(rates, u.Package)
		if !ok || pkg.AddonCents <= 0 {
			continue
		}
		line, ok := addons[pkg.Name]
		if !ok {
			line = &AddonLine{Package: pkg.Name, UnitPrice: types.USD(pkg.AddonCents), Total: types.USD(0)}
			addons[pkg.Name] = line
		}
		line.Units = append(line.Units, u.ID)
		line.Total = line.Total.Add(line.UnitPrice)
	}
	for _, l := range addons {
		r.Addons = append(r.Addons, *l)
	}
	sort.Slice(r.Addons, func(i, j int) bool { return r.Addons[i].Package < r.Addons[j].Package })
	sort.Strings(r.OccupiedUnits)

	r.Vacant = max(r.TotalUnits-r.Occupied, 0)
	r.BaseTotal = r.BaseRate.Times(r.Occupied)
	r.Total = r.BaseTotal.Add(r.AddonTotal())
	return r
}

// packageFor resolves a unit's package name, falling back to the default
// package when the lease named none or an unknown one.
func packageFor(rates config.BillingConfig, name string) (config.Package, bool) {
	if name != "" {
		if p, ok := rates.PackageByName(name); ok {
			return p, true
		}
	}
	return rates.DefaultPackage()
}
