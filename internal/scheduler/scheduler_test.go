package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/reconcile"
)

var t0 = time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC)

// scripted returns the queued errors in order, then succeeds.
type scripted struct {
	mu    sync.Mutex
	errs  []error
	calls chan struct{}
}

func newScripted(errs ...error) *scripted {
	return &scripted{errs: errs, calls: make(chan struct{}, 16)}
}

func (c *scripted) RunCycle(context.Context) (reconcile.Cycle, error) {
	c.mu.Lock()
	var err error
	if len(c.errs) > 0 {
		err, c.errs = c.errs[0], c.errs[1:]
	}
	c.mu.Unlock()
	c.calls <- struct{}{}
	if err != nil {
		return reconcile.Cycle{Error: err.Error()}, err
	}
	return reconcile.Cycle{ID: "c"}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func start(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func waitCall(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a call")
	}
}

func TestScheduler_BacksOffExponentiallyOnCycleError(t *testing.T) {
	clk := clock.Fake(t0)
	boom := errors.New("leases unavailable")
	c := newScripted(boom, boom)
	s := New(Config{Interval: 5 * time.Minute, BackoffBase: 30 * time.Second, BackoffMax: 10 * time.Minute}, c,
		WithClock(clk), WithLogger(quiet()))
	stop := start(t, s)
	defer stop()

	waitCall(t, c.calls)
	clk.WaitForTimers(1)
	assert.Equal(t, StateBackoff, s.State())
	assert.Equal(t, 1, s.Status().Failures)

	clk.Advance(29 * time.Second)
	assert.Empty(t, c.calls)
	clk.Advance(time.Second)
	waitCall(t, c.calls)

	// Second failure doubles the delay.
	clk.WaitForTimers(1)
	clk.Advance(59 * time.Second)
	assert.Empty(t, c.calls)
	clk.Advance(time.Second)
	waitCall(t, c.calls)

	clk.WaitForTimers(1)
	assert.Equal(t, StateIdle, s.State())
	st := s.Status()
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, "c", st.LastCycle.ID)
}

func TestScheduler_TriggerRunsWithoutWaiting(t *testing.T) {
	clk := clock.Fake(t0)
	c := newScripted()
	s := New(Config{Interval: time.Hour}, c, WithClock(clk), WithLogger(quiet()))
	stop := start(t, s)
	defer stop()

	waitCall(t, c.calls)
	clk.WaitForTimers(1)
	assert.True(t, s.Trigger())
	waitCall(t, c.calls)
}

func TestScheduler_JobsRunOnTheirOwnInterval(t *testing.T) {
	clk := clock.Fake(t0)
	c := newScripted()
	jobCalls := make(chan struct{}, 16)
	s := New(Config{Interval: time.Hour}, c, WithClock(clk), WithLogger(quiet()),
		WithJob(Job{
			Name:      "tickets",
			Interval:  time.Minute,
			Immediate: true,
			Run: func(context.Context) error {
				jobCalls <- struct{}{}
				return errors.New("ignored")
			},
		}))
	stop := start(t, s)
	defer stop()

	waitCall(t, c.calls)
	waitCall(t, jobCalls)
	clk.WaitForTimers(2)
	clk.Advance(time.Minute)
	waitCall(t, jobCalls)
	assert.Len(t, c.calls, 0, "a failing job does not drive the cycle")
}

// gated blocks inside RunCycle until released.
type gated struct {
	started chan struct{}
	release chan struct{}
}

func (c *gated) RunCycle(context.Context) (reconcile.Cycle, error) {
	c.started <- struct{}{}
	<-c.release
	return reconcile.Cycle{ID: "c"}, nil
}

func TestScheduler_ExclusiveWaitsForRunningCycle(t *testing.T) {
	clk := clock.Fake(t0)
	c := &gated{started: make(chan struct{}, 4), release: make(chan struct{})}
	s := New(Config{Interval: time.Hour}, c, WithClock(clk), WithLogger(quiet()))
	stop := start(t, s)
	defer stop()
	waitCall(t, c.started)

	ran := make(chan struct{})
	go func() {
		_ = s.Exclusive(context.Background(), func(context.Context) error {
			close(ran)
			return nil
		})
	}()
	select {
	case <-ran:
		t.Fatal("exclusive section ran while a cycle held the writer lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(c.release)
	waitCall(t, ran)
}

func TestScheduler_ExclusiveHonoursCancelledContext(t *testing.T) {
	s := New(Config{}, nil, WithLogger(quiet()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.Exclusive(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestBackoff(t *testing.T) {
	s := New(Config{Interval: time.Minute, BackoffBase: 10 * time.Second, BackoffMax: time.Minute}, nil)
	cases := map[int]time.Duration{
		1:  10 * time.Second,
		2:  20 * time.Second,
		3:  40 * time.Second,
		4:  time.Minute,
		10: time.Minute,
	}
	for failures, want := range cases {
		assert.Equal(t, want, s.backoff(failures), "failures=%d", failures)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "BACKOFF", StateBackoff.String())
}
