// Package server assembles the engine components from configuration and
// runs the daemon: scheduler, side passes and the operator HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/matthewbaird/leasesync/internal/activity"
	"github.com/matthewbaird/leasesync/internal/billing"
	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/config"
	"github.com/matthewbaird/leasesync/internal/event"
	"github.com/matthewbaird/leasesync/internal/eventbus"
	"github.com/matthewbaird/leasesync/internal/executor"
	"github.com/matthewbaird/leasesync/internal/handler"
	"github.com/matthewbaird/leasesync/internal/innago"
	"github.com/matthewbaird/leasesync/internal/inventory"
	"github.com/matthewbaird/leasesync/internal/metrics"
	"github.com/matthewbaird/leasesync/internal/reconcile"
	"github.com/matthewbaird/leasesync/internal/scheduler"
	"github.com/matthewbaird/leasesync/internal/signals"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/uisp"
	"github.com/matthewbaird/leasesync/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// App holds every assembled component.
type App struct {
	Config *config.Config
	Log    *slog.Logger
	Clock  clock.Clock

	Store    *store.Store
	Activity *activity.SQLStore
	Recorder *event.ActivityRecorder
	Bus      *eventbus.Bus
	Hub      *eventbus.Broadcaster

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	PM  collab.PropertyManager
	NMS collab.NetworkManager

	Engine      *reconcile.Engine
	Billing     *billing.Service
	Tickets     *worker.TicketSync
	Inventory   *inventory.Loader
	Provisioner *inventory.Provisioner // nil when provisioning is off
}

// Option overrides a component Build would otherwise construct.
type Option func(*App)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(a *App) { a.Clock = c } }

// WithCollaborators replaces the HTTP collaborator clients.
func WithCollaborators(pm collab.PropertyManager, nms collab.NetworkManager) Option {
	return func(a *App) { a.PM, a.NMS = pm, nms }
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Build opens and migrates the database and wires every component. The
// event bus is started with ctx; call Close when done.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Log: log, Clock: clock.Real()}
	for _, o := range opts {
		o(a)
	}

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	a.Store = st

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Activity = activity.NewSQLStore(st.Driver())
	a.Bus = eventbus.New(256, log)
	a.Hub = eventbus.NewBroadcaster(64)
	a.Bus.Subscribe("log", eventbus.NewLogConsumer(log))
	a.Bus.Subscribe("stream", a.Hub)
	a.Recorder = event.NewActivityRecorder(a.Activity)
	a.Recorder.SetPublisher(a.Bus)
	a.Bus.Start(ctx)

	if a.PM == nil {
		a.PM = innago.New(innago.Config{
			BaseURL:       cfg.Innago.APIURL,
			APIKey:        cfg.Innago.APIKey,
			PropertyID:    cfg.Property.ID,
			Timeout:       time.Duration(cfg.Innago.TimeoutSeconds) * time.Second,
			MaxRetries:    cfg.Innago.MaxRetries,
			RatePerSecond: cfg.Innago.RatePerSecond,
			Metrics:       a.Metrics,
			Clock:         a.Clock,
		})
	}
	if a.NMS == nil {
		a.NMS = uisp.New(uisp.Config{
			BaseURL:       cfg.UISP.BaseURL(),
			NMSAPIKey:     cfg.UISP.NMSAPIKey,
			CRMAPIKey:     cfg.UISP.CRMAPIKey,
			Timeout:       time.Duration(cfg.UISP.TimeoutSeconds) * time.Second,
			MaxRetries:    cfg.UISP.MaxRetries,
			RatePerSecond: cfg.UISP.RatePerSecond,
			Metrics:       a.Metrics,
		})
	}

	rc := cfg.Reconcile
	a.Engine = reconcile.New(reconcile.Config{
		PropertyID:   cfg.Property.ID,
		GraceDays:    rc.GraceDays,
		SettleWindow: rc.SettleWindow(),
		LockTTL:      rc.LockTTL(),
		Concurrency:  rc.Concurrency,
		Speeds:       cfg.SpeedFor,
		Executor: executor.Config{
			MaxAttempts: rc.MaxAttempts,
			RetryBase:   rc.RetryBase(),
			BackoffMax:  rc.BackoffMax(),
			CallTimeout: rc.CallTimeout(),
			Concurrency: rc.Concurrency,
		},
	}, st, a.PM, a.NMS,
		reconcile.WithRecorder(a.Recorder),
		reconcile.WithMetrics(a.Metrics),
		reconcile.WithLogger(log),
		reconcile.WithClock(a.Clock),
	)

	a.Billing = billing.NewService(st, a.PM, cfg.Property, cfg.Billing, a.Recorder, a.Clock, log)
	a.Tickets = worker.NewTicketSync(st, a.PM, a.NMS, signals.NewClassifier(ticketRules(cfg.Tickets.Rules)),
		cfg.Tickets.FallbackClientID, worker.Deps{
			Recorder: a.Recorder,
			Metrics:  a.Metrics,
			Log:      log,
			Clock:    a.Clock,
		})
	a.Inventory = inventory.NewLoader(cfg.Inventory.Path, cfg.Property.ID, st, a.Clock, log)
	if prov, ok := a.NMS.(collab.DeviceProvisioner); ok && cfg.Inventory.Provision {
		a.Provisioner = inventory.NewProvisioner(cfg.Inventory.Path, cfg.Property.ID, cfg.UISP.SiteID, prov, a.Recorder, a.Clock, log)
	}
	return a, nil
}

func ticketRules(rules []config.Rule) []signals.Rule {
	out := make([]signals.Rule, len(rules))
	for i, r := range rules {
		out[i] = signals.Rule{Name: r.Name, Category: r.Category, Keywords: r.Keywords}
	}
	return out
}

// Preflight checks the database and both collaborators. Any failure is a
// startup failure.
func (a *App) Preflight(ctx context.Context) error {
	var errs []error
	if err := a.Store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if err := a.PM.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("property management: %w", err))
	}
	if err := a.NMS.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("network management: %w", err))
	}
	return errors.Join(errs...)
}

// RetryUnit clears a unit's terminal ledger entries under the cycle lock,
// so a cycle running in another process cannot interleave with it.
func (a *App) RetryUnit(ctx context.Context, unitID string) (int, error) {
	if _, err := a.Store.GetUnit(ctx, unitID); err != nil {
		return 0, err
	}
	holder := "retry-" + uuid.NewString()
	if err := a.Store.AcquireLock(ctx, reconcile.LockName, holder, time.Minute, a.Clock.Now()); err != nil {
		return 0, fmt.Errorf("a cycle is running, try again shortly: %w", err)
	}
	defer func() {
		if err := a.Store.ReleaseLock(context.WithoutCancel(ctx), reconcile.LockName, holder); err != nil {
			a.Log.Warn("releasing cycle lock", "error", err)
		}
	}()
	return a.Store.ClearTerminal(ctx, unitID)
}

// SyncInventory provisions pending ONUs when enabled, then loads the
// inventory into the store. A provisioning failure is logged and the rows
// stay pending for the next pass.
func (a *App) SyncInventory(ctx context.Context) (inventory.Result, error) {
	if a.Provisioner != nil {
		if _, err := a.Provisioner.Run(ctx); err != nil {
			a.Log.Warn("provisioning pending onus", "error", err)
		}
	}
	return a.Inventory.Sync(ctx)
}

// Close drains the event bus and closes the database.
func (a *App) Close() error {
	a.Bus.Stop()
	return a.Store.Close()
}

// Scheduler builds the daemon scheduler with the ticket, billing and
// inventory passes attached.
func (a *App) Scheduler() *scheduler.Scheduler {
	cfg := a.Config
	return scheduler.New(scheduler.Config{
		Interval:    cfg.Polling.Interval(),
		BackoffBase: cfg.Reconcile.RetryBase(),
		BackoffMax:  cfg.Reconcile.BackoffMax(),
	}, a.Engine,
		scheduler.WithMetrics(a.Metrics),
		scheduler.WithLogger(a.Log),
		scheduler.WithClock(a.Clock),
		scheduler.WithJob(scheduler.Job{
			Name:      "tickets",
			Interval:  cfg.Polling.TicketsInterval(),
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := a.Tickets.Run(ctx)
				return err
			},
		}),
		scheduler.WithJob(scheduler.Job{
			Name:     "billing",
			Interval: cfg.Polling.BillingInterval(),
			Run: func(ctx context.Context) error {
				_, err := a.Billing.Generate(ctx)
				return err
			},
		}),
		scheduler.WithJob(scheduler.Job{
			Name:      "inventory",
			Interval:  cfg.Inventory.RefreshInterval(),
			Exclusive: true,
			Run: func(ctx context.Context) error {
				_, err := a.SyncInventory(ctx)
				return err
			},
		}),
	)
}

// Router registers every operator route. sched may be nil when no
// scheduler is running.
func (a *App) Router(sched handler.Scheduler) http.Handler {
	op := handler.NewOperatorHandler(a.Store, sched, a.Billing, a.Clock, a.Log)
	act := handler.NewActivityHandler(a.Activity, a.Clock)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, handler.Recovery(a.Log), handler.Logging(a.Log))

	r.Get("/healthz", op.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", op.HandleStatus)
		r.Get("/units", op.HandleListUnits)
		r.Get("/units/{unitID}", op.HandleGetUnit)
		r.Post("/units/{unitID}/retry", op.HandleRetryUnit)
		r.Get("/alerts", op.HandleListAlerts)
		r.Get("/tickets", op.HandleListTickets)
		r.Get("/billing", op.HandleBilling)
		r.Post("/cycles", op.HandleTriggerCycle)

		r.Post("/activity/search", act.HandleSearch)
		r.Get("/activity/{entityType}/{entityID}", act.HandleGetEntityActivity)
		r.Get("/activity/{entityType}/{entityID}/summary", act.HandleGetSummary)

		r.Method(http.MethodGet, "/events", handler.NewStreamHandler(a.Hub, a.Log))
	})
	return r
}

// Serve syncs the inventory, then runs the scheduler and the HTTP server
// until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if _, err := a.SyncInventory(ctx); err != nil {
		return err
	}
	sched := a.Scheduler()
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Router(sched),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		a.Log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
