// Package reconcile runs the reconciliation cycle: observe both systems,
// resolve desired state, plan the drift and apply it through the executor.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/event"
	"github.com/matthewbaird/leasesync/internal/executor"
	"github.com/matthewbaird/leasesync/internal/metrics"
	"github.com/matthewbaird/leasesync/internal/planner"
	"github.com/matthewbaird/leasesync/internal/resolver"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/types"
)

// LockName is the engine lock held for the length of a cycle.
const LockName = "reconcile"

// Store is everything a cycle reads and writes.
type Store interface {
	executor.Ledger
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) error
	ReleaseLock(ctx context.Context, name, holder string) error
	ListUnits(ctx context.Context) ([]types.Unit, error)
	SetDesired(ctx context.Context, updates []store.DesiredUpdate, now time.Time) error
	SetActual(ctx context.Context, unitID string, actual types.ActualState, observedAt time.Time) error
	RetireEpisodes(ctx context.Context, unitIDs []string, now time.Time) ([]string, error)
	ReplaceDiagnostics(ctx context.Context, cycleID string, diags []types.Diagnostic) error
}

// Config holds the cycle knobs.
type Config struct {
	PropertyID   string
	GraceDays    int
	SettleWindow time.Duration
	LockTTL      time.Duration
	Concurrency  int // parallel collaborator reads
	Executor     executor.Config
	// Speeds maps a lease package to its bandwidth profile; nil disables QoS.
	Speeds func(pkg string) types.Speed
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Minute
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Executor.Concurrency < 1 {
		c.Executor.Concurrency = c.Concurrency
	}
	return c
}

// Engine runs reconciliation cycles. One engine drives one property.
type Engine struct {
	cfg     Config
	store   Store
	pm      collab.PropertyManager
	nms     collab.NetworkManager
	exec    *executor.Executor
	rec     event.Recorder
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   clock.Clock
}

// Option configures an Engine.
type Option func(*Engine)

func WithRecorder(r event.Recorder) Option  { return func(e *Engine) { e.rec = r } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.log = l } }
func WithClock(c clock.Clock) Option        { return func(e *Engine) { e.clock = c } }

func New(cfg Config, st Store, pm collab.PropertyManager, nms collab.NetworkManager, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.withDefaults(),
		store: st,
		pm:    pm,
		nms:   nms,
		rec:   event.Nop{},
		log:   slog.Default(),
		clock: clock.Real(),
	}
	for _, o := range opts {
		o(e)
	}
	e.exec = executor.New(e.cfg.Executor, st, nms,
		executor.WithRecorder(e.rec),
		executor.WithMetrics(e.metrics),
		executor.WithLogger(e.log),
		executor.WithClock(e.clock),
	)
	return e
}

// Cycle is the outcome of one reconciliation pass.
type Cycle struct {
	ID          string                `json:"id"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
	Leases      int                   `json:"leases"`
	Resolutions []resolver.Resolution `json:"resolutions"`
	Plan        planner.Plan          `json:"plan"`
	Results     []executor.Result     `json:"results,omitempty"`
	Diagnostics []types.Diagnostic    `json:"diagnostics"`
	Error       string                `json:"error,omitempty"`
}

// Count returns how many executed actions had outcome o.
func (c Cycle) Count(o executor.Outcome) int {
	return executor.Report{Results: c.Results}.Count(o)
}

// Converged reports whether the plan had nothing to do.
func (c Cycle) Converged() bool { return c.Plan.Drift() == 0 }

// observation is what a cycle read from both collaborators.
type observation struct {
	units    []types.Unit
	leases   []types.Lease
	payments map[string]types.PaymentStatus
	reads    map[string]deviceRead
}

type deviceRead struct {
	state types.ActualState
	err   error
}

// RunCycle executes one full cycle under the engine lock. A returned error
// is cycle-level; per-unit failures are in the Cycle.
func (e *Engine) RunCycle(ctx context.Context) (Cycle, error) {
	c := Cycle{ID: uuid.NewString(), StartedAt: e.clock.Now()}
	log := e.log.With("cycle", c.ID)

	if err := e.store.AcquireLock(ctx, LockName, c.ID, e.cfg.LockTTL, c.StartedAt); err != nil {
		return e.fail(ctx, c, fmt.Errorf("acquiring cycle lock: %w", err))
	}
	defer func() {
		if err := e.store.ReleaseLock(context.WithoutCancel(ctx), LockName, c.ID); err != nil {
			log.Warn("releasing cycle lock", "error", err)
		}
	}()

	obs, err := e.observe(ctx)
	if err != nil {
		return e.fail(ctx, c, err)
	}
	c.Leases = len(obs.leases)

	now := e.clock.Now()
	units, res, diags, skip := e.derive(obs, now)
	c.Resolutions = res.Resolutions

	// Persist observations before acting on them.
	for _, u := range units {
		if _, ok := obs.reads[u.ID]; !ok {
			continue
		}
		if err := e.store.SetActual(ctx, u.ID, u.Actual, now); err != nil {
			return e.fail(ctx, c, err)
		}
	}
	updates := make([]store.DesiredUpdate, 0, len(res.Resolutions))
	for _, r := range res.Resolutions {
		updates = append(updates, store.DesiredUpdate{UnitID: r.UnitID, Desired: r.Desired, LeaseID: r.LeaseID, Package: r.Package})
	}
	if err := e.store.SetDesired(ctx, updates, now); err != nil {
		return e.fail(ctx, c, err)
	}

	c.Plan = plan(units, skip, now)
	diags = append(diags, c.Plan.Diagnostics...)

	// A converged unit has nothing left to retry; its next divergence is a
	// new episode with its own attempts.
	retired, err := e.store.RetireEpisodes(ctx, c.Plan.Converged, now)
	if err != nil {
		return e.fail(ctx, c, err)
	}
	for _, id := range retired {
		log.Info("unit converged; earlier failed actions retired", "unit", id)
	}
	e.metrics.Drift(c.Plan.Drift(), countKind(diags, types.DiagUnknownActual))

	report, execErr := e.exec.Execute(ctx, c.Plan.Actions)
	c.Results = report.Results
	for _, r := range report.Results {
		var detail string
		switch {
		case r.Outcome == executor.OutcomeTerminal:
			detail = fmt.Sprintf("%s failed %d times: %s", r.Action, r.Attempts, r.Error)
		case r.Skip == store.SkipTerminal:
			detail = fmt.Sprintf("%s failed terminally earlier; awaiting operator retry", r.Action)
		default:
			continue
		}
		diags = append(diags, types.Diagnostic{
			UnitID:   r.Action.UnitID,
			Kind:     types.DiagTerminalActionFailure,
			Detail:   detail,
			RaisedAt: e.clock.Now(),
		})
	}
	c.Diagnostics = diags
	if err := e.store.ReplaceDiagnostics(context.WithoutCancel(ctx), c.ID, diags); err != nil {
		execErr = errors.Join(execErr, err)
	}
	if execErr != nil {
		return e.fail(ctx, c, fmt.Errorf("recording cycle: %w", execErr))
	}

	c.FinishedAt = e.clock.Now()
	e.metrics.CycleFinished("success", c.FinishedAt.Sub(c.StartedAt))
	e.record(ctx, event.NewCycleCompleted(e.payload(c)))
	log.Info("cycle finished",
		"leases", c.Leases,
		"planned", len(c.Plan.Actions),
		"succeeded", c.Count(executor.OutcomeSucceeded),
		"failed", c.Count(executor.OutcomeFailed)+c.Count(executor.OutcomeTerminal),
		"skipped", len(c.Plan.Skipped),
		"diagnostics", len(diags),
		"duration", c.FinishedAt.Sub(c.StartedAt),
	)
	return c, nil
}

// Preview resolves and plans against live reads without writing anything
// or calling a device action.
func (e *Engine) Preview(ctx context.Context) (Cycle, error) {
	c := Cycle{ID: uuid.NewString(), StartedAt: e.clock.Now()}
	obs, err := e.observe(ctx)
	if err != nil {
		return c, err
	}
	c.Leases = len(obs.leases)
	now := e.clock.Now()
	units, res, diags, skip := e.derive(obs, now)
	c.Resolutions = res.Resolutions
	c.Plan = plan(units, skip, now)
	c.Diagnostics = append(diags, c.Plan.Diagnostics...)
	c.FinishedAt = e.clock.Now()
	return c, nil
}

func (e *Engine) fail(ctx context.Context, c Cycle, err error) (Cycle, error) {
	c.FinishedAt = e.clock.Now()
	c.Error = err.Error()
	e.metrics.CycleFinished("failure", c.FinishedAt.Sub(c.StartedAt))
	e.record(ctx, event.NewCycleFailed(e.payload(c)))
	e.log.Error("cycle failed", "cycle", c.ID, "error", err)
	return c, err
}

func (e *Engine) payload(c Cycle) event.CyclePayload {
	return event.CyclePayload{
		CycleID:     c.ID,
		PropertyID:  e.cfg.PropertyID,
		StartedAt:   c.StartedAt,
		FinishedAt:  c.FinishedAt,
		Planned:     len(c.Plan.Actions),
		Succeeded:   c.Count(executor.OutcomeSucceeded),
		Failed:      c.Count(executor.OutcomeFailed) + c.Count(executor.OutcomeTerminal),
		Skipped:     c.Count(executor.OutcomeSkipped) + len(c.Plan.Skipped),
		Diagnostics: len(c.Diagnostics),
		Duration:    c.FinishedAt.Sub(c.StartedAt),
		Error:       c.Error,
	}
}

func (e *Engine) record(ctx context.Context, evt event.DomainEvent) {
	if err := e.rec.Record(context.WithoutCancel(ctx), evt); err != nil {
		e.log.Warn("recording event", "event_type", evt.EventType, "error", err)
	}
}

// observe reads units, leases, payment facts and device states. Only a
// failure to list units or leases fails the cycle; payment and device read
// failures degrade to diagnostics for the affected units.
func (e *Engine) observe(ctx context.Context) (observation, error) {
	units, err := e.store.ListUnits(ctx)
	if err != nil {
		return observation{}, err
	}
	leases, err := e.pm.ListActiveLeases(ctx, e.cfg.PropertyID)
	if err != nil {
		return observation{}, fmt.Errorf("listing leases: %w", err)
	}
	obs := observation{
		units:    units,
		leases:   leases,
		payments: make(map[string]types.PaymentStatus),
		reads:    make(map[string]deviceRead),
	}

	today := resolver.Day(e.clock.Now())
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.Concurrency)
	for _, l := range leases {
		if !resolver.Active(l, today) {
			continue
		}
		g.Go(func() error {
			ps, err := e.callPM(ctx, l.ID)
			if err != nil {
				e.log.Warn("payment status unavailable", "lease", l.ID, "unit", l.UnitID, "error", err)
				return nil
			}
			mu.Lock()
			obs.payments[l.ID] = ps
			mu.Unlock()
			return nil
		})
	}
	for _, u := range units {
		if u.DeviceID == "" {
			continue
		}
		g.Go(func() error {
			st, err := e.readDevice(ctx, u.DeviceID)
			if err != nil {
				e.log.Warn("device state unavailable", "unit", u.ID, "device", u.DeviceID, "error", err)
			}
			mu.Lock()
			obs.reads[u.ID] = deviceRead{state: st, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return observation{}, err
	}
	return obs, nil
}

func (e *Engine) callPM(ctx context.Context, leaseID string) (types.PaymentStatus, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()
	return e.pm.GetPaymentStatus(ctx, leaseID)
}

func (e *Engine) readDevice(ctx context.Context, deviceID string) (types.ActualState, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()
	st, err := e.nms.GetDeviceState(ctx, deviceID)
	if err != nil {
		return types.ActualUnknown, err
	}
	if st != types.ActualActive && st != types.ActualSuspended {
		return types.ActualUnknown, fmt.Errorf("device %s reported %q", deviceID, st)
	}
	return st, nil
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Executor.CallTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Executor.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// derive folds the reads into the units, resolves desired state and
// returns the units as they should be planned, plus the units that must
// not be planned this cycle.
func (e *Engine) derive(obs observation, now time.Time) ([]types.Unit, resolver.Result, []types.Diagnostic, map[string]bool) {
	ids := make([]string, len(obs.units))
	recorded := make(map[string]string, len(obs.units))
	for i, u := range obs.units {
		ids[i] = u.ID
		recorded[u.ID] = u.Package
	}
	res := resolver.Resolve(resolver.Input{
		Now:              now,
		GraceDays:        e.cfg.GraceDays,
		Units:            ids,
		Leases:           obs.leases,
		Payments:         obs.payments,
		RecordedPackages: recorded,
	})
	diags := append([]types.Diagnostic(nil), res.Diagnostics...)

	skip := make(map[string]bool)
	for _, d := range res.Diagnostics {
		if d.Kind == types.DiagMissingPayment {
			skip[d.UnitID] = true
		}
	}

	desired := make(map[string]resolver.Resolution, len(res.Resolutions))
	for _, r := range res.Resolutions {
		desired[r.UnitID] = r
	}

	units := make([]types.Unit, len(obs.units))
	for i, u := range obs.units {
		if r, ok := desired[u.ID]; ok {
			u.Desired, u.LeaseID, u.Package = r.Desired, r.LeaseID, r.Package
		}
		if e.cfg.Speeds != nil && u.Desired == types.DesiredActive {
			u.DesiredSpeed = e.cfg.Speeds(u.Package)
		}
		if read, ok := obs.reads[u.ID]; ok {
			switch {
			case read.err != nil:
				u.Actual = types.ActualUnknown
			case e.settling(u, read.state, now):
				diags = append(diags, types.Diagnostic{
					UnitID:   u.ID,
					Kind:     types.DiagDeviceLagging,
					Detail:   fmt.Sprintf("device %s reads %s within %s of the last action; keeping %s", u.DeviceID, read.state, e.cfg.SettleWindow, u.Actual),
					RaisedAt: now,
				})
			default:
				u.Actual = read.state
			}
		}
		units[i] = u
	}
	return units, res, diags, skip
}

// settling reports whether a device read that contradicts the locally
// recorded outcome of a recent action should be disregarded.
func (e *Engine) settling(u types.Unit, read types.ActualState, now time.Time) bool {
	if e.cfg.SettleWindow <= 0 || u.LastActionAt == nil {
		return false
	}
	if u.Actual == types.ActualUnknown || u.Actual == read {
		return false
	}
	return now.Sub(*u.LastActionAt) < e.cfg.SettleWindow
}

func plan(units []types.Unit, skip map[string]bool, now time.Time) planner.Plan {
	planned := make([]types.Unit, 0, len(units))
	var skipped []string
	for _, u := range units {
		if skip[u.ID] {
			skipped = append(skipped, u.ID)
			continue
		}
		planned = append(planned, u)
	}
	p := planner.Build(planned, now)
	p.Skipped = append(p.Skipped, skipped...)
	sort.Strings(p.Skipped)
	return p
}

func countKind(diags []types.Diagnostic, kind types.DiagnosticKind) int {
	n := 0
	for _, d := range diags {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
