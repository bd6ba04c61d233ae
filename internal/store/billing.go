package store

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

// BillingRecord is one persisted billing report summary.
type BillingRecord struct {
	Period        string    `json:"period"` // YYYY-MM
	Occupied      int       `json:"occupied"`
	TotalUnits    int       `json:"total_units"`
	BaseRateCents int64     `json:"base_rate_cents"`
	AddonCents    int64     `json:"addon_cents"`
	TotalCents    int64     `json:"total_cents"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// SaveBilling upserts the report for its period; regenerating a period
// overwrites the earlier figure.
func (s *Store) SaveBilling(ctx context.Context, r BillingRecord) error {
	ins := s.builder().Insert(TableBillingHistory).
		Columns("period", "occupied", "total_units", "base_rate_cents", "addon_cents", "total_cents", "generated_at").
		Values(r.Period, r.Occupied, r.TotalUnits, r.BaseRateCents, r.AddonCents, r.TotalCents, utc(r.GeneratedAt)).
		OnConflict(entsql.ConflictColumns("period"), entsql.ResolveWithNewValues())
	if _, err := execQ(ctx, s.drv, ins); err != nil {
		return fmt.Errorf("saving billing %s: %w", r.Period, err)
	}
	return nil
}

// ListBilling returns billing history, newest period first.
func (s *Store) ListBilling(ctx context.Context, limit int) ([]BillingRecord, error) {
	b := s.builder()
	sel := b.Select("period", "occupied", "total_units", "base_rate_cents", "addon_cents", "total_cents", "generated_at").
		From(b.Table(TableBillingHistory)).
		OrderBy(entsql.Desc("period"))
	if limit > 0 {
		sel.Limit(limit)
	}

	var out []BillingRecord
	err := queryQ(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		var r BillingRecord
		if err := rows.Scan(&r.Period, &r.Occupied, &r.TotalUnits, &r.BaseRateCents, &r.AddonCents, &r.TotalCents, &r.GeneratedAt); err != nil {
			return fmt.Errorf("scanning billing record: %w", err)
		}
		r.GeneratedAt = r.GeneratedAt.UTC()
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing billing: %w", err)
	}
	return out, nil
}

// InvoiceLine is an add-on charge posted to a lease for a billing period.
type InvoiceLine struct {
	Period      string
	LeaseID     string
	UnitID      string
	AmountCents int64
	Label       string
	PostedAt    time.Time
}

// InvoiceLinePosted reports whether a line was already posted for (period, lease).
func (s *Store) InvoiceLinePosted(ctx context.Context, period, leaseID string) (bool, error) {
	b := s.builder()
	sel := b.Select(entsql.Count("*")).From(b.Table(TableInvoiceLines)).
		Where(entsql.And(entsql.EQ("period", period), entsql.EQ("lease_id", leaseID)))

	var n int
	err := queryQ(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		return rows.Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("checking invoice line %s/%s: %w", period, leaseID, err)
	}
	return n > 0, nil
}

// RecordInvoiceLine records a posted line. Recording the same (period,
// lease) twice is a no-op.
func (s *Store) RecordInvoiceLine(ctx context.Context, l InvoiceLine) error {
	ins := s.builder().Insert(TableInvoiceLines).
		Columns("period", "lease_id", "unit_id", "amount_cents", "label", "posted_at").
		Values(l.Period, l.LeaseID, l.UnitID, l.AmountCents, l.Label, utc(l.PostedAt)).
		OnConflict(entsql.ConflictColumns("period", "lease_id"), entsql.DoNothing())
	if _, err := execQ(ctx, s.drv, ins); err != nil {
		return fmt.Errorf("recording invoice line %s/%s: %w", l.Period, l.LeaseID, err)
	}
	return nil
}
