// Package resolver derives each unit's desired provisioning state from the
// lease and payment facts read during a cycle. Resolution is a pure
// function of its input; prior desired state is never consulted.
package resolver

import (
	"fmt"
	"sort"
	"time"

	"github.com/matthewbaird/leasesync/internal/types"
)

// Input is everything one resolution pass needs.
type Input struct {
	Now       time.Time
	GraceDays int

	// Units are the unit ids known from inventory. Units without a
	// governing lease resolve to SUSPENDED_VACANT.
	Units []string

	Leases []types.Lease

	// Payments is keyed by lease id. A missing entry means the payment
	// facts could not be read this cycle.
	Payments map[string]types.PaymentStatus

	// RecordedPackages is the package last stored per unit. It only feeds
	// diagnostics.
	RecordedPackages map[string]string
}

// Resolution is the desired state for one unit.
type Resolution struct {
	UnitID  string             `json:"unit_id"`
	Desired types.DesiredState `json:"desired"`
	LeaseID *string            `json:"lease_id,omitempty"`
	Package string             `json:"package,omitempty"`
}

// Result holds resolutions sorted by unit id and the diagnostics raised.
type Result struct {
	Resolutions []Resolution
	Diagnostics []types.Diagnostic
}

// Resolve computes desired state for every known unit.
func Resolve(in Input) Result {
	today := Day(in.Now)

	known := make(map[string]bool, len(in.Units))
	for _, u := range in.Units {
		known[u] = true
	}

	var res Result
	diag := func(unit string, kind types.DiagnosticKind, leaseID, detail string) {
		res.Diagnostics = append(res.Diagnostics, types.Diagnostic{
			UnitID: unit, Kind: kind, LeaseID: leaseID, Detail: detail, RaisedAt: in.Now,
		})
	}

	// Group leases in effect today per unit; remember ended ones for the
	// package diagnostic.
	inEffect := map[string][]types.Lease{}
	ended := map[string]types.Lease{}
	for _, l := range in.Leases {
		if l.UnitID == "" || !known[l.UnitID] {
			diag(l.UnitID, types.DiagUnmappedLease, l.ID, fmt.Sprintf("lease %s references unit %q with no device mapping", l.ID, l.UnitID))
			continue
		}
		if Active(l, today) {
			inEffect[l.UnitID] = append(inEffect[l.UnitID], l)
		} else if l.Term.End != nil && Day(*l.Term.End).Before(today) {
			ended[l.UnitID] = l
		}
	}

	units := append([]string(nil), in.Units...)
	sort.Strings(units)
	for _, unit := range units {
		leases := inEffect[unit]
		if len(leases) == 0 {
			if l, ok := ended[unit]; ok {
				if rec := in.RecordedPackages[unit]; rec != "" && l.Package != "" && l.Package != rec {
					diag(unit, types.DiagPackageChangeIgnored, l.ID,
						fmt.Sprintf("lease %s ended; package change %s -> %s not applied", l.ID, rec, l.Package))
				}
			}
			res.Resolutions = append(res.Resolutions, Resolution{UnitID: unit, Desired: types.DesiredSuspendedVacant})
			continue
		}

		lease := leases[0]
		if len(leases) > 1 {
			lease = latestStart(leases)
			ids := make([]string, len(leases))
			for i, l := range leases {
				ids[i] = l.ID
			}
			sort.Strings(ids)
			diag(unit, types.DiagOverlappingLeases, lease.ID, fmt.Sprintf("active leases %v overlap; using %s", ids, lease.ID))
		}

		pay, ok := in.Payments[lease.ID]
		if !ok {
			diag(unit, types.DiagMissingPayment, lease.ID, fmt.Sprintf("payment status for lease %s unavailable", lease.ID))
			continue
		}

		leaseID := lease.ID
		res.Resolutions = append(res.Resolutions, Resolution{
			UnitID:  unit,
			Desired: OccupiedState(pay, today, in.GraceDays),
			LeaseID: &leaseID,
			Package: lease.Package,
		})
	}
	return res
}

// OccupiedState resolves an occupied unit: delinquent only when today is
// past the grace boundary and a positive balance remains.
func OccupiedState(pay types.PaymentStatus, today time.Time, graceDays int) types.DesiredState {
	boundary := GraceBoundary(pay, graceDays)
	if pay.Balance().IsPositive() && Day(today).After(boundary) {
		return types.DesiredSuspendedDelinquent
	}
	return types.DesiredActive
}

// GraceBoundary is the last day a payment is still on time.
func GraceBoundary(pay types.PaymentStatus, graceDays int) time.Time {
	if !pay.GraceBoundary.IsZero() {
		return Day(pay.GraceBoundary)
	}
	return Day(pay.DueDate).AddDate(0, 0, graceDays)
}

// Active reports whether the lease is in effect on day: started on or
// before it and not ended before it.
func Active(l types.Lease, day time.Time) bool {
	day = Day(day)
	if Day(l.Term.Start).After(day) {
		return false
	}
	if l.Term.End != nil && Day(*l.Term.End).Before(day) {
		return false
	}
	return true
}

// Day truncates t to its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func latestStart(leases []types.Lease) types.Lease {
	best := leases[0]
	for _, l := range leases[1:] {
		if l.Term.Start.After(best.Term.Start) || (l.Term.Start.Equal(best.Term.Start) && l.ID > best.ID) {
			best = l
		}
	}
	return best
}
