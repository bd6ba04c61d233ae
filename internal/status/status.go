// Package status assembles the per-unit diagnostic view shared by the
// --status run mode and the operator API.
package status

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matthewbaird/leasesync/internal/types"
)

// Reader is the read side of the store the view is built from.
type Reader interface {
	ListUnits(ctx context.Context) ([]types.Unit, error)
	ListLedger(ctx context.Context, unitID string) ([]types.LedgerEntry, error)
	ListAlerts(ctx context.Context, includeCleared bool) ([]types.Alert, error)
	ListDiagnostics(ctx context.Context) ([]types.Diagnostic, error)
}

type UnitStatus struct {
	types.Unit
	Converged   bool               `json:"converged"`
	LastAction  *types.LedgerEntry `json:"last_action,omitempty"`
	Diagnostics []types.Diagnostic `json:"diagnostics,omitempty"`
}

type Counts struct {
	Units               int `json:"units"`
	Active              int `json:"active"`
	SuspendedVacant     int `json:"suspended_vacant"`
	SuspendedDelinquent int `json:"suspended_delinquent"`
	Unknown             int `json:"unknown_actual"`
	Drift               int `json:"drift"`
	TerminalFailures    int `json:"terminal_failures"`
}

type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Counts      Counts             `json:"counts"`
	Units       []UnitStatus       `json:"units"`
	Alerts      []types.Alert      `json:"alerts"`
	Diagnostics []types.Diagnostic `json:"diagnostics"`
}

// Unit returns the status row for id.
func (r Report) Unit(id string) (UnitStatus, bool) {
	for _, u := range r.Units {
		if u.ID == id {
			return u, true
		}
	}
	return UnitStatus{}, false
}

// Build reads the current unit, ledger, alert and diagnostic state.
func Build(ctx context.Context, r Reader, now time.Time) (Report, error) {
	units, err := r.ListUnits(ctx)
	if err != nil {
		return Report{}, err
	}
	ledger, err := r.ListLedger(ctx, "")
	if err != nil {
		return Report{}, err
	}
	alerts, err := r.ListAlerts(ctx, false)
	if err != nil {
		return Report{}, err
	}
	diags, err := r.ListDiagnostics(ctx)
	if err != nil {
		return Report{}, err
	}

	// ListLedger is most recent first, so the first entry seen wins.
	last := make(map[string]types.LedgerEntry)
	for _, e := range ledger {
		if _, ok := last[e.UnitID]; !ok {
			last[e.UnitID] = e
		}
	}
	byUnit := make(map[string][]types.Diagnostic)
	for _, d := range diags {
		byUnit[d.UnitID] = append(byUnit[d.UnitID], d)
	}

	rep := Report{
		GeneratedAt: now,
		Units:       make([]UnitStatus, 0, len(units)),
		Alerts:      alerts,
		Diagnostics: diags,
	}
	for _, u := range units {
		us := UnitStatus{
			Unit:        u,
			Converged:   u.Actual.Satisfies(u.Desired),
			Diagnostics: byUnit[u.ID],
		}
		if e, ok := last[u.ID]; ok {
			us.LastAction = &e
			if e.Terminal {
				rep.Counts.TerminalFailures++
			}
		}
		switch u.Desired {
		case types.DesiredActive:
			rep.Counts.Active++
		case types.DesiredSuspendedVacant:
			rep.Counts.SuspendedVacant++
		case types.DesiredSuspendedDelinquent:
			rep.Counts.SuspendedDelinquent++
		}
		switch {
		case u.Actual == types.ActualUnknown || u.Actual == "":
			rep.Counts.Unknown++
		case !us.Converged:
			rep.Counts.Drift++
		}
		rep.Units = append(rep.Units, us)
	}
	rep.Counts.Units = len(units)
	sort.Slice(rep.Units, func(i, j int) bool { return rep.Units[i].ID < rep.Units[j].ID })
	return rep, nil
}

// Render writes the report as aligned text tables.
func Render(w io.Writer, rep Report) error {
	c := rep.Counts
	fmt.Fprintf(w, "Units: %d  active: %d  vacant: %d  delinquent: %d  unknown: %d  drift: %d  terminal: %d\n\n",
		c.Units, c.Active, c.SuspendedVacant, c.SuspendedDelinquent, c.Unknown, c.Drift, c.TerminalFailures)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tDEVICE\tLEASE\tDESIRED\tACTUAL\tSPEED\tGEN\tLAST ACTION\tNOTES")
	for _, u := range rep.Units {
		lease := "-"
		if u.LeaseID != nil {
			lease = *u.LeaseID
		}
		speed := cmp.Or(u.Speed.String(), "-")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			u.ID, u.DeviceID, lease, u.Desired, u.Actual, speed, u.Generation,
			lastAction(u.LastAction, rep.GeneratedAt), notes(u))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(rep.Alerts) > 0 {
		fmt.Fprintf(w, "\nOpen alerts (%d):\n", len(rep.Alerts))
		for _, a := range rep.Alerts {
			fmt.Fprintf(w, "  [%s] %s %s (%s)\n", a.Kind, a.UnitID, a.Message, humanize.RelTime(a.CreatedAt, rep.GeneratedAt, "ago", "from now"))
		}
	}
	if len(rep.Diagnostics) > 0 {
		fmt.Fprintf(w, "\nDiagnostics (%d):\n", len(rep.Diagnostics))
		for _, d := range rep.Diagnostics {
			fmt.Fprintf(w, "  %-6s %-28s %s\n", d.UnitID, d.Kind, d.Detail)
		}
	}
	return nil
}

func lastAction(e *types.LedgerEntry, now time.Time) string {
	if e == nil {
		return "-"
	}
	s := fmt.Sprintf("%s %s x%d", e.Kind, e.Outcome, e.Attempts)
	if e.Terminal {
		s += " TERMINAL"
	}
	return s + ", " + humanize.RelTime(e.LastAttemptAt, now, "ago", "from now")
}

func notes(u UnitStatus) string {
	kinds := make([]string, 0, len(u.Diagnostics))
	for _, d := range u.Diagnostics {
		kinds = append(kinds, string(d.Kind))
	}
	return strings.Join(kinds, ",")
}
