package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab/collabtest"
	"github.com/matthewbaird/leasesync/internal/event"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/store/storetest"
	"github.com/matthewbaird/leasesync/internal/types"
)

var t0 = time.Date(2026, 3, 6, 8, 0, 0, 0, time.UTC)

type events struct {
	mu  sync.Mutex
	all []event.DomainEvent
}

func (e *events) Record(_ context.Context, evt event.DomainEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, evt)
	return nil
}

func (e *events) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, evt := range e.all {
		out = append(out, evt.EventType)
	}
	return out
}

type fixture struct {
	store  *store.Store
	nms    *collabtest.NMS
	clock  *clock.FakeClock
	events *events
	exec   *Executor
}

func newFixture(t *testing.T, cfg Config, units ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:  storetest.New(t),
		nms:    collabtest.NewNMS(),
		clock:  clock.Fake(t0),
		events: &events{},
	}
	var mappings []types.DeviceMapping
	for _, u := range units {
		mappings = append(mappings, types.DeviceMapping{UnitID: u, DeviceID: "onu-" + u})
		f.nms.SetDevice("onu-"+u, types.ActualSuspended)
	}
	require.NoError(t, f.store.SyncInventory(context.Background(), mappings, t0))
	f.exec = New(cfg, f.store, f.nms,
		WithClock(f.clock),
		WithRecorder(f.events),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func activate(unit string) types.Action {
	return types.Action{Kind: types.ActionActivate, UnitID: unit, DeviceID: "onu-" + unit, Desired: types.DesiredActive}
}

func suspend(unit string, reason types.SuspendReason, desired types.DesiredState) types.Action {
	return types.Action{Kind: types.ActionSuspend, UnitID: unit, DeviceID: "onu-" + unit, Reason: reason, Desired: desired}
}

func TestExecute_ActivateSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3}, "101")
	a := activate("101")

	rep, err := f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, OutcomeSucceeded, rep.Results[0].Outcome)
	assert.Equal(t, 1, rep.Results[0].Attempts)

	entry, err := f.store.GetLedgerEntry(ctx, a.Key())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSucceeded, entry.Outcome)

	u, err := f.store.GetUnit(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, types.ActualActive, u.Actual)
	assert.Equal(t, int64(1), u.Generation)
	require.NotNil(t, u.LastActionAt)
	assert.True(t, u.LastActionAt.Equal(t0))
	assert.Equal(t, types.ActualActive, f.nms.Device("onu-101"))

	// The same key again is skipped without a remote call.
	rep, err = f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, rep.Results[0].Outcome)
	assert.Equal(t, store.SkipSucceeded, rep.Results[0].Skip)
	assert.Equal(t, 1, f.nms.CallCount("activate", "onu-101"))
	assert.Equal(t, []string{event.TypeDeviceActivated}, f.events.kinds())
}

func TestExecute_ActivateAppliesBandwidthProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3}, "101")
	gig := types.Speed{DownMbps: 1000, UpMbps: 1000}
	a := activate("101")
	a.Speed = gig

	rep, err := f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, rep.Results[0].Outcome)

	calls := f.nms.AllCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "activate", calls[0].Op)
	assert.Equal(t, "set_speed", calls[1].Op)
	assert.Equal(t, gig, f.nms.Speed("onu-101"))

	u, err := f.store.GetUnit(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, gig, u.Speed)
	assert.Equal(t, types.ActualActive, u.Actual)
}

func TestExecute_ProfileFailureKeepsTheActivation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3}, "102")
	gig := types.Speed{DownMbps: 1000, UpMbps: 1000}
	f.nms.SetSpeedErr("onu-102", collabtest.ErrTimeout)
	a := activate("102")
	a.Speed = gig

	rep, err := f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, rep.Results[0].Outcome)
	assert.Equal(t, types.ActualActive, f.nms.Device("onu-102"))

	u, err := f.store.GetUnit(ctx, "102")
	require.NoError(t, err)
	assert.Equal(t, types.ActualActive, u.Actual)
	assert.True(t, u.Speed.IsZero(), "no profile is recorded when it was not applied")

	f.nms.SetSpeedErr("onu-102", nil)
	set := types.Action{Kind: types.ActionSetSpeed, UnitID: "102", DeviceID: "onu-102", Desired: types.DesiredActive, Speed: gig, Generation: u.Generation}
	rep, err = f.exec.Execute(ctx, []types.Action{set})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, rep.Results[0].Outcome)

	u, err = f.store.GetUnit(ctx, "102")
	require.NoError(t, err)
	assert.Equal(t, gig, u.Speed)
	assert.Equal(t, int64(2), u.Generation)
	assert.Equal(t, types.ActualActive, u.Actual)
	assert.Equal(t, gig, f.nms.Speed("onu-102"))
	assert.Equal(t, []string{event.TypeDeviceActivated, event.TypeDeviceSpeedSet}, f.events.kinds())
}

func TestExecute_TerminalAfterBoundedAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3, RetryBase: time.Minute, BackoffMax: time.Hour}, "103")
	f.nms.SetDevice("onu-103", types.ActualActive)
	f.nms.FailAlways("onu-103", collabtest.ErrTimeout)
	a := suspend("103", types.ReasonDelinquency, types.DesiredSuspendedDelinquent)

	rep, err := f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Results[0].Outcome)

	// Still inside the first backoff window.
	rep, err = f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	assert.Equal(t, store.SkipBackoff, rep.Results[0].Skip)
	assert.Equal(t, 1, f.nms.CallCount("suspend", "onu-103"))

	f.clock.Advance(time.Minute)
	rep, err = f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Results[0].Outcome)
	assert.Equal(t, 2, rep.Results[0].Attempts)

	entry, err := f.store.GetLedgerEntry(ctx, a.Key())
	require.NoError(t, err)
	require.NotNil(t, entry.NextAttemptAt)
	assert.True(t, entry.NextAttemptAt.Equal(t0.Add(3*time.Minute)), "second backoff doubles")

	f.clock.Advance(2 * time.Minute)
	rep, err = f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, rep.Results[0].Outcome)
	assert.Equal(t, 3, rep.Results[0].Attempts)

	entry, err = f.store.GetLedgerEntry(ctx, a.Key())
	require.NoError(t, err)
	assert.True(t, entry.Terminal)
	assert.Equal(t, types.OutcomeFailed, entry.Outcome)

	alerts, err := f.store.ListAlerts(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "103", alerts[0].UnitID)
	assert.Equal(t, a.Key(), alerts[0].Key)

	// A fourth cycle, however late, does not retry.
	f.clock.Advance(24 * time.Hour)
	rep, err = f.exec.Execute(ctx, []types.Action{a})
	require.NoError(t, err)
	assert.Equal(t, store.SkipTerminal, rep.Results[0].Skip)
	assert.Equal(t, 3, f.nms.CallCount("suspend", "onu-103"))
	assert.Equal(t, types.ActualActive, f.nms.Device("onu-103"))

	assert.Equal(t, []string{event.TypeActionFailed, event.TypeActionFailed, event.TypeActionTerminal}, f.events.kinds())
}

func TestExecute_FailuresAreIsolatedPerUnit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3, Concurrency: 4}, "101", "102", "103")
	f.nms.FailNext("onu-102", collabtest.ErrTimeout)

	rep, err := f.exec.Execute(ctx, []types.Action{activate("101"), activate("102"), activate("103")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, rep.Results[0].Outcome)
	assert.Equal(t, OutcomeFailed, rep.Results[1].Outcome)
	assert.Equal(t, OutcomeSucceeded, rep.Results[2].Outcome)
	assert.Equal(t, 2, rep.Count(OutcomeSucceeded))

	// No backoff configured: the next pass retries and succeeds.
	rep, err = f.exec.Execute(ctx, []types.Action{activate("102")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, rep.Results[0].Outcome)
	assert.Equal(t, 2, rep.Results[0].Attempts)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, Config{}, "101", "102")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := f.exec.Execute(ctx, []types.Action{activate("101"), activate("102")})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Count(OutcomeCancelled))
	assert.Empty(t, f.nms.AllCalls())
}

func TestExecute_InFlightActionSurvivesCancel(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1}, "101", "102")
	ctx, cancel := context.WithCancel(context.Background())
	f.nms.Hook = func(collabtest.Call) { cancel() }

	rep, err := f.exec.Execute(ctx, []types.Action{activate("101"), activate("102")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, rep.Results[0].Outcome)
	assert.Equal(t, OutcomeCancelled, rep.Results[1].Outcome)
	assert.Equal(t, 0, f.nms.CallCount("activate", "onu-102"))

	entry, err := f.store.GetLedgerEntry(context.Background(), activate("101").Key())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSucceeded, entry.Outcome)
}

func TestExecute_CallTimeoutIsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3, CallTimeout: 20 * time.Millisecond}, "101")
	f.nms.Hook = func(collabtest.Call) { time.Sleep(60 * time.Millisecond) }

	rep, err := f.exec.Execute(ctx, []types.Action{activate("101")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Results[0].Outcome)
	assert.Contains(t, rep.Results[0].Error, "timed out")

	u, err := f.store.GetUnit(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, types.ActualUnknown, u.Actual, "a timed-out call never commits local state")
	assert.Equal(t, int64(0), u.Generation)
}

func TestBackoff(t *testing.T) {
	e := New(Config{RetryBase: time.Minute, BackoffMax: 5 * time.Minute}, nil, nil)
	cases := map[int]time.Duration{
		0: 0,
		1: time.Minute,
		2: 2 * time.Minute,
		3: 4 * time.Minute,
		4: 5 * time.Minute,
		9: 5 * time.Minute,
	}
	for attempts, want := range cases {
		assert.Equal(t, want, e.backoff(attempts), "attempts=%d", attempts)
	}
	assert.Equal(t, time.Duration(0), New(Config{}, nil, nil).backoff(2))
}
