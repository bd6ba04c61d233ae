package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/config"
	"github.com/matthewbaird/leasesync/internal/event"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/types"
)

// Store is the persistence billing reads units from and records history in.
type Store interface {
	ListUnits(ctx context.Context) ([]types.Unit, error)
	SaveBilling(ctx context.Context, r store.BillingRecord) error
	InvoiceLinePosted(ctx context.Context, period, leaseID string) (bool, error)
	RecordInvoiceLine(ctx context.Context, l store.InvoiceLine) error
	ListBilling(ctx context.Context, limit int) ([]store.BillingRecord, error)
}

// Service produces the period's billing report and posts add-on charges.
type Service struct {
	store    Store
	pm       collab.PropertyManager
	property config.PropertyConfig
	rates    config.BillingConfig
	recorder event.Recorder
	clock    clock.Clock
	log      *slog.Logger
}

func NewService(st Store, pm collab.PropertyManager, property config.PropertyConfig, rates config.BillingConfig,
	recorder event.Recorder, c clock.Clock, log *slog.Logger) *Service {
	if recorder == nil {
		recorder = event.Nop{}
	}
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, pm: pm, property: property, rates: rates, recorder: recorder, clock: c, log: log}
}

// Preview aggregates the current unit states without recording anything.
func (s *Service) Preview(ctx context.Context) (Report, error) {
	units, err := s.store.ListUnits(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("billing: %w", err)
	}
	return Aggregate(units, s.rates, s.property.Name, s.property.TotalUnits, s.clock.Now()), nil
}

// Generate aggregates the current unit states, stores the result as the
// period's billing record and emits a billing event.
func (s *Service) Generate(ctx context.Context) (Report, error) {
	r, err := s.Preview(ctx)
	if err != nil {
		return Report{}, err
	}

	rec := store.BillingRecord{
		Period:        r.Period,
		Occupied:      r.Occupied,
		TotalUnits:    r.TotalUnits,
		BaseRateCents: r.BaseRate.AmountCents,
		AddonCents:    r.AddonTotal().AmountCents,
		TotalCents:    r.Total.AmountCents,
		GeneratedAt:   r.GeneratedAt,
	}
	if err := s.store.SaveBilling(ctx, rec); err != nil {
		return Report{}, fmt.Errorf("billing: %w", err)
	}
	evt := event.NewBillingGenerated(event.BillingGeneratedPayload{
		Period:      r.Period,
		PropertyID:  s.property.ID,
		Occupied:    r.Occupied,
		TotalUnits:  r.TotalUnits,
		Total:       r.Total,
		GeneratedAt: r.GeneratedAt,
	})
	if err := s.recorder.Record(ctx, evt); err != nil {
		s.log.Warn("recording billing event", "period", r.Period, "error", err)
	}
	s.log.Info("billing generated", "period", r.Period, "occupied", r.Occupied, "total", r.Total.String())
	return r, nil
}

// InvoiceResult summarizes a PostInvoices run.
type InvoiceResult struct {
	Posted  []store.InvoiceLine `json:"posted"`
	Skipped int                 `json:"skipped"` // already posted this period
	Errors  []string            `json:"errors,omitempty"`
}

// PostInvoices posts one recurring charge per occupied unit whose package
// carries an add-on. A (period, lease) pair is posted at most once, so
// rerunning for the same period is safe.
func (s *Service) PostInvoices(ctx context.Context, r Report) (InvoiceResult, error) {
	units, err := s.store.ListUnits(ctx)
	if err != nil {
		return InvoiceResult{}, fmt.Errorf("posting invoices: %w", err)
	}
	byID := make(map[string]types.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	var (
		res  InvoiceResult
		errs []error
	)
	for _, line := range r.Addons {
		for _, unitID := range line.Units {
			u, ok := byID[unitID]
			if !ok || u.LeaseID == nil {
				continue
			}
			posted, err := s.store.InvoiceLinePosted(ctx, r.Period, *u.LeaseID)
			if err != nil {
				return res, fmt.Errorf("posting invoices: %w", err)
			}
			if posted {
				res.Skipped++
				continue
			}
			label := fmt.Sprintf("%s Add-on (%s)", line.Package, r.Label())
			if err := s.pm.CreateInvoiceLineItem(ctx, *u.LeaseID, line.UnitPrice, label); err != nil {
				s.log.Warn("posting invoice line", "unit", unitID, "lease", *u.LeaseID, "error", err)
				res.Errors = append(res.Errors, fmt.Sprintf("unit %s: %v", unitID, err))
				errs = append(errs, err)
				continue
			}
			il := store.InvoiceLine{
				Period:      r.Period,
				LeaseID:     *u.LeaseID,
				UnitID:      unitID,
				AmountCents: line.UnitPrice.AmountCents,
				Label:       label,
				PostedAt:    s.clock.Now(),
			}
			if err := s.store.RecordInvoiceLine(ctx, il); err != nil {
				return res, fmt.Errorf("posting invoices: %w", err)
			}
			res.Posted = append(res.Posted, il)
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("posting invoices: %d failed: %w", len(errs), errors.Join(errs...))
	}
	return res, nil
}

// History returns stored billing records, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]store.BillingRecord, error) {
	return s.store.ListBilling(ctx, limit)
}
