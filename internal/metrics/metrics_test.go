package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CycleFinished("ok", 2*time.Second)
	m.CycleFinished("error", time.Second)
	m.Action("suspend", "succeeded")
	m.Drift(3, 1)
	m.TerminalFailure()
	m.TicketForwarded()
	m.SchedulerState(2)
	m.CollaboratorCall("uisp", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("suspend", "succeeded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.driftUnits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unknownUnits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.schedulerState))

	n, err := testutil.GatherAndCount(reg, "leasesync_cycle_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.CycleFinished("ok", time.Second)
	m.Action("activate", "failed")
	m.Drift(1, 1)
	m.TerminalFailure()
	m.TicketForwarded()
	m.SchedulerState(1)
	m.CollaboratorCall("innago", "error")
}
