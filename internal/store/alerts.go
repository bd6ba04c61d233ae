package store

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/matthewbaird/leasesync/internal/types"
)

func newAlertID() string { return uuid.New().String() }

// insertAlert upserts on (kind, key); raising the same alert again reopens it.
func (s *Store) insertAlert(ctx context.Context, q dialect.ExecQuerier, a types.Alert) error {
	if a.ID == "" {
		a.ID = newAlertID()
	}
	ins := s.builder().Insert(TableAlerts).
		Columns("id", "kind", "unit_id", "key", "message", "created_at", "cleared").
		Values(a.ID, a.Kind, a.UnitID, a.Key, a.Message, utc(a.CreatedAt), false).
		OnConflict(
			entsql.ConflictColumns("kind", "key"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("unit_id")
				u.SetExcluded("message")
				u.SetExcluded("created_at")
				u.SetExcluded("cleared")
			}),
		)
	if _, err := execQ(ctx, q, ins); err != nil {
		return fmt.Errorf("inserting alert %s/%s: %w", a.Kind, a.Key, err)
	}
	return nil
}

// RaiseAlert records an operator-visible alert.
func (s *Store) RaiseAlert(ctx context.Context, a types.Alert) error {
	return s.insertAlert(ctx, s.drv, a)
}

// ClearAlert marks the alert for (kind, key) cleared.
func (s *Store) ClearAlert(ctx context.Context, kind, key string) error {
	up := s.builder().Update(TableAlerts).
		Set("cleared", true).
		Where(entsql.And(entsql.EQ("kind", kind), entsql.EQ("key", key)))
	if _, err := execQ(ctx, s.drv, up); err != nil {
		return fmt.Errorf("clearing alert %s/%s: %w", kind, key, err)
	}
	return nil
}

// ListAlerts returns alerts newest first. Cleared alerts are included only
// when includeCleared is set.
func (s *Store) ListAlerts(ctx context.Context, includeCleared bool) ([]types.Alert, error) {
	b := s.builder()
	sel := b.Select("id", "kind", "unit_id", "key", "message", "created_at", "cleared").
		From(b.Table(TableAlerts)).
		OrderBy(entsql.Desc("created_at"), "id")
	if !includeCleared {
		sel.Where(entsql.EQ("cleared", false))
	}

	var out []types.Alert
	err := queryQ(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		var a types.Alert
		if err := rows.Scan(&a.ID, &a.Kind, &a.UnitID, &a.Key, &a.Message, &a.CreatedAt, &a.Cleared); err != nil {
			return fmt.Errorf("scanning alert: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	return out, nil
}
