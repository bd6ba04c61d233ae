// Package planner diffs desired against actual device state and emits the
// minimal ordered list of corrective actions.
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/matthewbaird/leasesync/internal/types"
)

// Plan is the planner output for one cycle.
type Plan struct {
	Actions     []types.Action     `json:"actions"`
	Converged   []string           `json:"converged"` // units already in their desired state
	Skipped     []string           `json:"skipped"`   // units not planned, see Diagnostics
	Diagnostics []types.Diagnostic `json:"diagnostics,omitempty"`
}

// Drift is the number of units with a planned action.
func (p Plan) Drift() int { return len(p.Actions) }

// Build plans at most one action per unit. Units whose actual state is
// UNKNOWN are never planned; they are flagged instead. An active unit whose
// bandwidth profile differs from the one it should carry gets a set_speed.
// Activations come first, then speed changes, then suspensions, each group
// by unit id.
func Build(units []types.Unit, now time.Time) Plan {
	var p Plan
	for _, u := range units {
		if !u.Desired.Valid() {
			continue
		}
		switch {
		case u.Actual == types.ActualUnknown || u.Actual == "":
			p.Skipped = append(p.Skipped, u.ID)
			p.Diagnostics = append(p.Diagnostics, types.Diagnostic{
				UnitID: u.ID, Kind: types.DiagUnknownActual, RaisedAt: now,
				Detail: fmt.Sprintf("device %s state unknown; desired %s not enforced", u.DeviceID, u.Desired),
			})
		case u.DeviceID == "":
			p.Skipped = append(p.Skipped, u.ID)
			p.Diagnostics = append(p.Diagnostics, types.Diagnostic{
				UnitID: u.ID, Kind: types.DiagUnmappedLease, RaisedAt: now,
				Detail: "unit has no device mapping",
			})
		case u.Actual.Satisfies(u.Desired) && speedPending(u):
			p.Actions = append(p.Actions, SpeedFor(u))
		case u.Actual.Satisfies(u.Desired):
			p.Converged = append(p.Converged, u.ID)
		default:
			p.Actions = append(p.Actions, ActionFor(u))
		}
	}

	sort.SliceStable(p.Actions, func(i, j int) bool {
		a, b := p.Actions[i], p.Actions[j]
		if a.Kind != b.Kind {
			return rank[a.Kind] < rank[b.Kind]
		}
		return a.UnitID < b.UnitID
	})
	sort.Strings(p.Converged)
	sort.Strings(p.Skipped)
	return p
}

var rank = map[types.ActionKind]int{
	types.ActionActivate: 0,
	types.ActionSetSpeed: 1,
	types.ActionSuspend:  2,
}

func speedPending(u types.Unit) bool {
	return u.Desired == types.DesiredActive && !u.DesiredSpeed.IsZero() && u.DesiredSpeed != u.Speed
}

// SpeedFor returns the action applying u's desired bandwidth profile.
func SpeedFor(u types.Unit) types.Action {
	return types.Action{
		Kind:       types.ActionSetSpeed,
		UnitID:     u.ID,
		DeviceID:   u.DeviceID,
		Desired:    u.Desired,
		Speed:      u.DesiredSpeed,
		Generation: u.Generation,
	}
}

// ActionFor returns the action moving u toward its desired state. The
// reason on a suspend follows the desired state, so a unit that is both
// vacant and delinquent, which resolves to vacant, suspends for vacancy.
func ActionFor(u types.Unit) types.Action {
	a := types.Action{
		UnitID:     u.ID,
		DeviceID:   u.DeviceID,
		Desired:    u.Desired,
		Generation: u.Generation,
	}
	if u.Desired.Suspended() {
		a.Kind = types.ActionSuspend
		a.Reason = types.ReasonFor(u.Desired)
	} else {
		a.Kind = types.ActionActivate
		a.Speed = u.DesiredSpeed
	}
	return a
}
