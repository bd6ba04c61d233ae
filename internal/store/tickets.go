package store

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/matthewbaird/leasesync/internal/types"
)

var linkColumns = []string{
	"pm_ticket_id", "nms_ticket_id", "unit_id", "category", "pm_status",
	"pm_updated_at", "nms_status", "nms_updated_at", "created_at",
}

func scanLink(rows *entsql.Rows) (types.TicketLink, error) {
	var (
		l                   types.TicketLink
		pmStatus, nmsStatus string
	)
	if err := rows.Scan(&l.PMTicketID, &l.NMSTicketID, &l.UnitID, &l.Category, &pmStatus,
		&l.PMUpdatedAt, &nmsStatus, &l.NMSUpdatedAt, &l.CreatedAt); err != nil {
		return types.TicketLink{}, fmt.Errorf("scanning ticket link: %w", err)
	}
	l.PMStatus = types.TicketStatus(pmStatus)
	l.NMSStatus = types.TicketStatus(nmsStatus)
	l.PMUpdatedAt = l.PMUpdatedAt.UTC()
	l.NMSUpdatedAt = l.NMSUpdatedAt.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

// GetTicketLink returns the link for a property-management ticket or ErrNotFound.
func (s *Store) GetTicketLink(ctx context.Context, pmTicketID string) (types.TicketLink, error) {
	b := s.builder()
	sel := b.Select(linkColumns...).From(b.Table(TableTicketLinks)).Where(entsql.EQ("pm_ticket_id", pmTicketID))

	var (
		out   types.TicketLink
		found bool
	)
	err := queryQ(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		l, err := scanLink(rows)
		out, found = l, true
		return err
	})
	if err != nil {
		return types.TicketLink{}, fmt.Errorf("querying ticket link %s: %w", pmTicketID, err)
	}
	if !found {
		return types.TicketLink{}, fmt.Errorf("ticket link %s: %w", pmTicketID, ErrNotFound)
	}
	return out, nil
}

// CreateTicketLink inserts a new link. The primary key on pm_ticket_id
// rejects a second link for the same ticket.
func (s *Store) CreateTicketLink(ctx context.Context, l types.TicketLink) error {
	ins := s.builder().Insert(TableTicketLinks).
		Columns(linkColumns...).
		Values(l.PMTicketID, l.NMSTicketID, l.UnitID, l.Category, string(l.PMStatus),
			utc(l.PMUpdatedAt), string(l.NMSStatus), utc(l.NMSUpdatedAt), utc(l.CreatedAt))
	if _, err := execQ(ctx, s.drv, ins); err != nil {
		return fmt.Errorf("creating ticket link %s: %w", l.PMTicketID, err)
	}
	return nil
}

// UpdateTicketLink stores the last-seen status on both sides.
func (s *Store) UpdateTicketLink(ctx context.Context, l types.TicketLink) error {
	up := s.builder().Update(TableTicketLinks).
		Set("pm_status", string(l.PMStatus)).
		Set("pm_updated_at", utc(l.PMUpdatedAt)).
		Set("nms_status", string(l.NMSStatus)).
		Set("nms_updated_at", utc(l.NMSUpdatedAt)).
		Where(entsql.EQ("pm_ticket_id", l.PMTicketID))
	n, err := execQ(ctx, s.drv, up)
	if err != nil {
		return fmt.Errorf("updating ticket link %s: %w", l.PMTicketID, err)
	}
	if n == 0 {
		return fmt.Errorf("ticket link %s: %w", l.PMTicketID, ErrNotFound)
	}
	return nil
}

// ListTicketLinks returns links, optionally only those not closed on both sides.
func (s *Store) ListTicketLinks(ctx context.Context, openOnly bool) ([]types.TicketLink, error) {
	b := s.builder()
	sel := b.Select(linkColumns...).From(b.Table(TableTicketLinks)).OrderBy("created_at", "pm_ticket_id")
	if openOnly {
		sel.Where(entsql.Or(
			entsql.NEQ("pm_status", string(types.TicketClosed)),
			entsql.NEQ("nms_status", string(types.TicketClosed)),
		))
	}

	var out []types.TicketLink
	err := queryQ(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		l, err := scanLink(rows)
		if err != nil {
			return err
		}
		out = append(out, l)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing ticket links: %w", err)
	}
	return out, nil
}

// Cursor returns the stored sync cursor, or the zero time when unset.
func (s *Store) Cursor(ctx context.Context, name string) (time.Time, error) {
	b := s.builder()
	sel := b.Select("value").From(b.Table(TableSyncCursors)).Where(entsql.EQ("name", name))

	var v time.Time
	err := queryQ(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		return rows.Scan(&v)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reading cursor %s: %w", name, err)
	}
	if v.IsZero() {
		return time.Time{}, nil
	}
	return v.UTC(), nil
}

// SetCursor stores a sync cursor.
func (s *Store) SetCursor(ctx context.Context, name string, value, now time.Time) error {
	ins := s.builder().Insert(TableSyncCursors).
		Columns("name", "value", "updated_at").
		Values(name, utc(value), utc(now)).
		OnConflict(entsql.ConflictColumns("name"), entsql.ResolveWithNewValues())
	if _, err := execQ(ctx, s.drv, ins); err != nil {
		return fmt.Errorf("writing cursor %s: %w", name, err)
	}
	return nil
}
