package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matthewbaird/leasesync/internal/billing"
	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/scheduler"
	"github.com/matthewbaird/leasesync/internal/status"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/types"
)

// Store is the read side of the engine database plus the operator retry.
type Store interface {
	status.Reader
	GetUnit(ctx context.Context, id string) (types.Unit, error)
	ListTicketLinks(ctx context.Context, openOnly bool) ([]types.TicketLink, error)
	ClearTerminal(ctx context.Context, unitID string) (int, error)
	Ping(ctx context.Context) error
}

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	Trigger() bool
	Status() scheduler.Status
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
}

// Billing produces billing figures for the API.
type Billing interface {
	Preview(ctx context.Context) (billing.Report, error)
	History(ctx context.Context, limit int) ([]store.BillingRecord, error)
}

// OperatorHandler serves engine status, units, alerts and billing.
type OperatorHandler struct {
	store     Store
	scheduler Scheduler
	billing   Billing
	clock     clock.Clock
	log       *slog.Logger
}

func NewOperatorHandler(st Store, sched Scheduler, bill Billing, c clock.Clock, log *slog.Logger) *OperatorHandler {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &OperatorHandler{store: st, scheduler: sched, billing: bill, clock: c, log: log}
}

// HandleHealth reports whether the database answers.
// GET /healthz
func (h *OperatorHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns scheduler state, unit counts, open alerts and the
// last cycle's diagnostics.
// GET /v1/status
func (h *OperatorHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := status.Build(r.Context(), h.store, h.clock.Now())
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}
	resp := struct {
		Scheduler   *scheduler.Status  `json:"scheduler,omitempty"`
		Counts      status.Counts      `json:"counts"`
		Alerts      []types.Alert      `json:"alerts"`
		Diagnostics []types.Diagnostic `json:"diagnostics"`
	}{
		Counts:      rep.Counts,
		Alerts:      nonNil(rep.Alerts),
		Diagnostics: nonNil(rep.Diagnostics),
	}
	if h.scheduler != nil {
		st := h.scheduler.Status()
		resp.Scheduler = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleListUnits lists every unit with its convergence state.
// GET /v1/units
func (h *OperatorHandler) HandleListUnits(w http.ResponseWriter, r *http.Request) {
	rep, err := status.Build(r.Context(), h.store, h.clock.Now())
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": rep.Units, "counts": rep.Counts})
}

// HandleGetUnit returns one unit with its full ledger history.
// GET /v1/units/{unitID}
func (h *OperatorHandler) HandleGetUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "unitID")
	u, err := h.store.GetUnit(r.Context(), id)
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}
	ledger, err := h.store.ListLedger(r.Context(), id)
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Unit      types.Unit          `json:"unit"`
		Converged bool                `json:"converged"`
		Ledger    []types.LedgerEntry `json:"ledger"`
	}{u, u.Actual.Satisfies(u.Desired), nonNil(ledger)})
}

// HandleRetryUnit clears terminal ledger entries and queues a cycle to
// retry them. The clear waits for a running cycle so it never interleaves
// with that cycle's ledger writes.
// POST /v1/units/{unitID}/retry
func (h *OperatorHandler) HandleRetryUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "unitID")
	if _, err := h.store.GetUnit(r.Context(), id); err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}

	var n int
	reset := func(ctx context.Context) error {
		var err error
		n, err = h.store.ClearTerminal(ctx, id)
		return err
	}
	var err error
	if h.scheduler != nil {
		err = h.scheduler.Exclusive(r.Context(), reset)
	} else {
		err = reset(r.Context())
	}
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}

	queued := false
	if n > 0 && h.scheduler != nil {
		queued = h.scheduler.Trigger()
	}
	h.log.Info("terminal entries cleared", "unit", id, "entries", n, "queued", queued)
	writeJSON(w, http.StatusOK, map[string]any{"unit_id": id, "cleared": n, "queued": queued})
}

// HandleListAlerts lists open alerts; ?all=true includes cleared ones.
// GET /v1/alerts
func (h *OperatorHandler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.store.ListAlerts(r.Context(), r.URL.Query().Get("all") == "true")
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNil(alerts)})
}

// HandleListTickets lists ticket links; ?open=true hides closed ones.
// GET /v1/tickets
func (h *OperatorHandler) HandleListTickets(w http.ResponseWriter, r *http.Request) {
	links, err := h.store.ListTicketLinks(r.Context(), r.URL.Query().Get("open") == "true")
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": nonNil(links)})
}

// HandleBilling returns the current period's figures and recent history.
// GET /v1/billing
func (h *OperatorHandler) HandleBilling(w http.ResponseWriter, r *http.Request) {
	rep, err := h.billing.Preview(r.Context())
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}
	hist, err := h.billing.History(r.Context(), parseLimit(r, 12, 120))
	if err != nil {
		storeErrorToHTTP(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Current  billing.Report        `json:"current"`
		Rendered string                `json:"rendered"`
		History  []store.BillingRecord `json:"history"`
	}{rep, billing.Render(rep), nonNil(hist)})
}

// HandleTriggerCycle asks the scheduler for an immediate cycle.
// POST /v1/cycles
func (h *OperatorHandler) HandleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_SCHEDULER", "scheduler not running")
		return
	}
	queued := h.scheduler.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
