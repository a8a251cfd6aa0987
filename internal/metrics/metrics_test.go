package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CycleStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inFlight))

	m.CycleFinished("success", 120*time.Millisecond)
	m.CycleFinished("failure", time.Second)
	m.CycleFinished("success", time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inFlight))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.cycles.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cycles.WithLabelValues("failure")))

	m.DocumentOp("upload", "ok")
	m.DocumentOp("upload", "failed")
	m.RetryScheduled()
	m.SetTracked("synced", 7)

	expected := `
# HELP docsync_sync_retries_scheduled_total Total number of automatic retries scheduled
# TYPE docsync_sync_retries_scheduled_total counter
docsync_sync_retries_scheduled_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "docsync_sync_retries_scheduled_total"))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.trackedByStatus.WithLabelValues("synced")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CycleStarted()
		m.CycleFinished("success", time.Second)
		m.DocumentOp("upload", "ok")
		m.RetryScheduled()
		m.SetTracked("synced", 1)
	})
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
