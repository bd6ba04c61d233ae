package store

import (
	"context"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/matthewbaird/leasesync/internal/types"
)

// ReplaceDiagnostics swaps the stored diagnostics for those raised by the
// latest cycle. Only one cycle's diagnostics are kept.
func (s *Store) ReplaceDiagnostics(ctx context.Context, cycleID string, diags []types.Diagnostic) error {
	return s.withTx(ctx, func(tx dialect.Tx) error {
		if _, err := execQ(ctx, tx, s.builder().Delete(TableDiagnostics)); err != nil {
			return fmt.Errorf("deleting diagnostics: %w", err)
		}
		seen := make(map[[2]string]bool, len(diags))
		for _, d := range diags {
			k := [2]string{d.UnitID, string(d.Kind)}
			if seen[k] {
				continue
			}
			seen[k] = true
			ins := s.builder().Insert(TableDiagnostics).
				Columns("unit_id", "kind", "cycle_id", "lease_id", "detail", "raised_at").
				Values(d.UnitID, string(d.Kind), cycleID, d.LeaseID, d.Detail, utc(d.RaisedAt))
			if _, err := execQ(ctx, tx, ins); err != nil {
				return fmt.Errorf("inserting diagnostic %s/%s: %w", d.UnitID, d.Kind, err)
			}
		}
		return nil
	})
}

// ListDiagnostics returns the diagnostics from the last completed cycle.
func (s *Store) ListDiagnostics(ctx context.Context) ([]types.Diagnostic, error) {
	b := s.builder()
	sel := b.Select("unit_id", "kind", "lease_id", "detail", "raised_at").
		From(b.Table(TableDiagnostics)).
		OrderBy("unit_id", "kind")

	var out []types.Diagnostic
	err := queryQ(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		var (
			d    types.Diagnostic
			kind string
			at   time.Time
		)
		if err := rows.Scan(&d.UnitID, &kind, &d.LeaseID, &d.Detail, &at); err != nil {
			return fmt.Errorf("scanning diagnostic: %w", err)
		}
		d.Kind = types.DiagnosticKind(kind)
		d.RaisedAt = at.UTC()
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing diagnostics: %w", err)
	}
	return out, nil
}
