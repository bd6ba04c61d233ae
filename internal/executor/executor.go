// Package executor applies planned device actions against the network
// manager. Every action passes through the ledger first so a key that
// already succeeded is never sent again, whatever happened in between.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/event"
	"github.com/matthewbaird/leasesync/internal/metrics"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/types"
)

// Ledger is the slice of the store the executor writes through.
type Ledger interface {
	BeginAttempt(ctx context.Context, a types.Action, now time.Time, maxAttempts int) (types.LedgerEntry, store.Skip, error)
	RecordSuccess(ctx context.Context, a types.Action, now time.Time) error
	RecordFailure(ctx context.Context, f store.Failure, now time.Time) error
}

// Config bounds retries and fan-out.
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration // backoff after the first failure; doubles per attempt
	BackoffMax  time.Duration
	CallTimeout time.Duration
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return c
}

// Outcome summarizes what happened to one action in one pass.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"   // will be retried after backoff
	OutcomeTerminal  Outcome = "terminal" // surfaced, not retried
	OutcomeSkipped   Outcome = "skipped"  // ledger declined, nothing sent
	OutcomeCancelled Outcome = "cancelled"
)

// Result is the per-action record of one pass.
type Result struct {
	Action   types.Action `json:"action"`
	Outcome  Outcome      `json:"outcome"`
	Skip     store.Skip   `json:"skip,omitempty"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error,omitempty"`
}

// Report collects the results of one Execute call in input order.
type Report struct {
	Results []Result
}

// Count returns how many results had outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Executor applies actions with bounded concurrency.
type Executor struct {
	cfg     Config
	ledger  Ledger
	nms     collab.NetworkManager
	clock   clock.Clock
	log     *slog.Logger
	rec     event.Recorder
	metrics *metrics.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

func WithRecorder(r event.Recorder) Option  { return func(e *Executor) { e.rec = r } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(e *Executor) { e.log = l } }
func WithClock(c clock.Clock) Option        { return func(e *Executor) { e.clock = c } }

func New(cfg Config, ledger Ledger, nms collab.NetworkManager, opts ...Option) *Executor {
	e := &Executor{
		cfg:    cfg.withDefaults(),
		ledger: ledger,
		nms:    nms,
		clock:  clock.Real(),
		log:    slog.Default(),
		rec:    event.Nop{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs actions, at most Concurrency at a time. Failures of
// individual actions are reported in the Report; the returned error is
// reserved for ledger write failures. Once ctx is cancelled no new action
// starts, but actions already talking to the network run to completion
// or their own timeout.
func (e *Executor) Execute(ctx context.Context, actions []types.Action) (Report, error) {
	report := Report{Results: make([]Result, len(actions))}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(e.cfg.Concurrency)
	for i, a := range actions {
		if ctx.Err() != nil {
			for j := i; j < len(actions); j++ {
				report.Results[j] = Result{Action: actions[j], Outcome: OutcomeCancelled}
			}
			break
		}
		g.Go(func() error {
			res, err := e.apply(ctx, a)
			report.Results[i] = res
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, errors.Join(errs...)
}

func (e *Executor) apply(ctx context.Context, a types.Action) (Result, error) {
	res := Result{Action: a}
	if ctx.Err() != nil {
		res.Outcome = OutcomeCancelled
		return res, nil
	}

	entry, skip, err := e.ledger.BeginAttempt(ctx, a, e.clock.Now(), e.cfg.MaxAttempts)
	if err != nil {
		res.Outcome = OutcomeSkipped
		res.Error = err.Error()
		return res, fmt.Errorf("beginning %s: %w", a, err)
	}
	res.Attempts = entry.Attempts
	switch skip {
	case store.SkipNone:
	case store.SkipExhausted:
		res.Outcome = OutcomeTerminal
		res.Skip = skip
		res.Error = entry.LastError
		e.terminal(ctx, a, entry.Attempts, entry.LastError)
		return res, nil
	default:
		res.Outcome = OutcomeSkipped
		res.Skip = skip
		e.log.Debug("action skipped", "unit", a.UnitID, "action", a.Kind, "key", a.Key(), "skip", skip)
		return res, nil
	}

	// The remote call is not abandoned on shutdown.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	applied, callErr := e.call(callCtx, a)
	cancel()
	now := e.clock.Now()

	if callErr == nil {
		if err := e.ledger.RecordSuccess(context.WithoutCancel(ctx), applied, now); err != nil {
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			return res, fmt.Errorf("recording success of %s: %w", a, err)
		}
		res.Outcome = OutcomeSucceeded
		e.metrics.Action(string(a.Kind), string(OutcomeSucceeded))
		e.log.Info("device action applied",
			"unit", a.UnitID,
			"device", a.DeviceID,
			"action", a.Kind,
			"reason", a.Reason,
			"speed", applied.Speed,
			"key", a.Key(),
			"at", now,
		)
		e.record(ctx, event.NewDeviceActioned(event.ActionPayload{
			UnitID:     a.UnitID,
			DeviceID:   a.DeviceID,
			Kind:       a.Kind,
			Reason:     a.Reason,
			Speed:      applied.Speed,
			Key:        a.Key(),
			Attempts:   entry.Attempts,
			AppliedAt:  now,
			Generation: a.Generation,
		}))
		return res, nil
	}

	msg := callErr.Error()
	if errors.Is(callErr, context.DeadlineExceeded) {
		msg = fmt.Sprintf("timed out after %s: %s", e.cfg.CallTimeout, msg)
	}
	res.Error = msg
	f := store.Failure{Key: a.Key(), Error: msg}
	if entry.Attempts >= e.cfg.MaxAttempts {
		f.Terminal = true
	} else if d := e.backoff(entry.Attempts); d > 0 {
		next := now.Add(d)
		f.NextAttemptAt = &next
	}
	if err := e.ledger.RecordFailure(context.WithoutCancel(ctx), f, now); err != nil {
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("recording failure of %s: %w", a, err)
	}

	if f.Terminal {
		res.Outcome = OutcomeTerminal
		e.terminal(ctx, a, entry.Attempts, msg)
		return res, nil
	}
	res.Outcome = OutcomeFailed
	e.metrics.Action(string(a.Kind), string(OutcomeFailed))
	e.log.Warn("device action failed",
		"unit", a.UnitID,
		"device", a.DeviceID,
		"action", a.Kind,
		"key", a.Key(),
		"attempt", entry.Attempts,
		"next_attempt_at", f.NextAttemptAt,
		"err", msg,
	)
	e.record(ctx, event.NewActionFailed(event.FailurePayload{
		UnitID:        a.UnitID,
		DeviceID:      a.DeviceID,
		Kind:          a.Kind,
		Reason:        a.Reason,
		Key:           a.Key(),
		Attempts:      entry.Attempts,
		Error:         msg,
		FailedAt:      now,
		NextAttemptAt: f.NextAttemptAt,
	}))
	return res, nil
}

// call performs a and returns the action as it was actually applied. An
// activation whose bandwidth profile cannot be set still succeeds, with no
// speed recorded, so the next cycle plans the set_speed on its own.
func (e *Executor) call(ctx context.Context, a types.Action) (types.Action, error) {
	switch a.Kind {
	case types.ActionActivate:
		if err := e.nms.ActivateDevice(ctx, a.DeviceID); err != nil {
			return a, err
		}
		if a.Speed.IsZero() {
			return a, nil
		}
		if err := e.nms.SetDeviceSpeed(ctx, a.DeviceID, a.Speed); err != nil {
			e.log.Warn("device activated without its bandwidth profile",
				"unit", a.UnitID,
				"device", a.DeviceID,
				"speed", a.Speed,
				"err", err,
			)
			a.Speed = types.Speed{}
		}
		return a, nil
	case types.ActionSetSpeed:
		return a, e.nms.SetDeviceSpeed(ctx, a.DeviceID, a.Speed)
	case types.ActionSuspend:
		return a, e.nms.SuspendDevice(ctx, a.DeviceID, string(a.Reason))
	}
	return a, fmt.Errorf("unknown action kind %q", a.Kind)
}

// backoff is RetryBase·2^(attempts-1), capped at BackoffMax.
func (e *Executor) backoff(attempts int) time.Duration {
	if e.cfg.RetryBase <= 0 || attempts < 1 {
		return 0
	}
	d := e.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if e.cfg.BackoffMax > 0 && d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if e.cfg.BackoffMax > 0 && d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

func (e *Executor) terminal(ctx context.Context, a types.Action, attempts int, msg string) {
	e.metrics.Action(string(a.Kind), string(OutcomeTerminal))
	e.metrics.TerminalFailure()
	e.log.Error("device action failed permanently; operator attention required",
		"unit", a.UnitID,
		"device", a.DeviceID,
		"action", a.Kind,
		"reason", a.Reason,
		"key", a.Key(),
		"attempts", attempts,
		"err", msg,
	)
	e.record(ctx, event.NewActionTerminal(event.FailurePayload{
		UnitID:   a.UnitID,
		DeviceID: a.DeviceID,
		Kind:     a.Kind,
		Reason:   a.Reason,
		Key:      a.Key(),
		Attempts: attempts,
		Error:    msg,
		FailedAt: e.clock.Now(),
	}))
}

func (e *Executor) record(ctx context.Context, evt event.DomainEvent) {
	if err := e.rec.Record(context.WithoutCancel(ctx), evt); err != nil {
		e.log.Warn("recording event", "event_type", evt.EventType, "err", err)
	}
}
