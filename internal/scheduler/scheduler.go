// Package scheduler drives the reconciliation cycle on a timer, backs off
// after cycle-level failures and runs the lower-frequency passes (ticket
// forwarding, billing, inventory refresh) alongside it.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/metrics"
	"github.com/matthewbaird/leasesync/internal/reconcile"
)

// State is the scheduler state exported as leasesync_scheduler_state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateBackoff:
		return "BACKOFF"
	}
	return "IDLE"
}

// Cycler runs one reconciliation cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (reconcile.Cycle, error)
}

// Job is a periodic pass that runs independently of the cycle.
type Job struct {
	Name      string
	Interval  time.Duration
	Immediate bool // run once at start instead of waiting an interval

	// Exclusive jobs never overlap a reconciliation cycle. Set it for
	// anything that writes unit rows.
	Exclusive bool

	Run func(ctx context.Context) error
}

type Config struct {
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = c.Interval * 6
	}
	return c
}

type Scheduler struct {
	cfg     Config
	cycler  Cycler
	jobs    []Job
	trigger chan struct{}
	writer  sync.Mutex // held by the cycle and by exclusive jobs

	mu       sync.Mutex
	state    State
	failures int
	last     *reconcile.Cycle
	lastErr  error

	metrics *metrics.Metrics
	log     *slog.Logger
	clock   clock.Clock
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.log = l } }
func WithClock(c clock.Clock) Option        { return func(s *Scheduler) { s.clock = c } }

// WithJob adds a periodic job.
func WithJob(j Job) Option { return func(s *Scheduler) { s.jobs = append(s.jobs, j) } }

func New(cfg Config, cycler Cycler, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		cycler:  cycler,
		trigger: make(chan struct{}, 1),
		log:     slog.Default(),
		clock:   clock.Real(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Trigger asks for a cycle as soon as the current one, if any, finishes.
// It reports false when a trigger is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Exclusive runs fn while no cycle or exclusive job holds the writer
// lock, waiting for one in progress to finish. Operator writes to the
// ledger go through here.
func (s *Scheduler) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	s.writer.Lock()
	defer s.writer.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a snapshot for the operator API.
type Status struct {
	State     string           `json:"state"`
	Failures  int              `json:"consecutive_failures"`
	LastCycle *reconcile.Cycle `json:"last_cycle,omitempty"`
	LastError string           `json:"last_error,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state.String(), Failures: s.failures, LastCycle: s.last}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.metrics.SchedulerState(int(st))
}

// Run cycles until ctx is cancelled. The first cycle starts immediately.
// A cycle in progress is allowed to finish its in-flight actions; Run
// returns once every job goroutine has stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runJob(ctx, j)
		}()
	}
	defer wg.Wait()

	s.log.Info("scheduler started", "interval", s.cfg.Interval, "jobs", len(s.jobs))
	for {
		if ctx.Err() != nil {
			s.setState(StateIdle)
			s.log.Info("scheduler stopped")
			return nil
		}
		delay := s.runCycle(ctx)
		select {
		case <-ctx.Done():
		case <-s.trigger:
		case <-s.clock.After(delay):
		}
	}
}

// runCycle runs one cycle and returns how long to wait before the next.
func (s *Scheduler) runCycle(ctx context.Context) time.Duration {
	s.writer.Lock()
	s.setState(StateRunning)
	c, err := s.cycler.RunCycle(ctx)
	s.writer.Unlock()

	s.mu.Lock()
	s.last, s.lastErr = &c, err
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	failures := s.failures
	s.mu.Unlock()

	if err != nil {
		d := s.backoff(failures)
		s.setState(StateBackoff)
		s.log.Warn("cycle failed; backing off", "error", err, "failures", failures, "retry_in", d)
		return d
	}
	s.setState(StateIdle)
	return s.cfg.Interval
}

// backoff doubles from BackoffBase per consecutive failure, capped at
// BackoffMax.
func (s *Scheduler) backoff(failures int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	return min(d, s.cfg.BackoffMax)
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	log := s.log.With("job", j.Name)
	if !j.Immediate {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(j.Interval):
		}
	}
	for {
		if ctx.Err() != nil {
			return
		}
		var err error
		if j.Exclusive {
			err = s.Exclusive(ctx, j.Run)
		} else {
			err = j.Run(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.Error("job failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(j.Interval):
		}
	}
}
