package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, g prometheus.Gatherer) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(g).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.LaunchFinished(OutcomeSuccess, time.Second)
	m.SetQueueDepth(3)
	m.RunQueued(SourceManual)
	m.RunFinished("COMPLETE")
	m.MalformedConfig()
	m.Reconciled("stopped")
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LaunchFinished(OutcomeFailed, 10*time.Millisecond)
	m.LaunchFinished(OutcomeFailed, 0)
	m.RunQueued(SourceTrigger)
	m.SetQueueDepth(4)
	m.MalformedConfig()

	body := scrape(t, reg)
	assert.Contains(t, body, `orchestra_launch_total{outcome="failed"} 2`)
	assert.Contains(t, body, `orchestra_launch_duration_seconds_count 1`)
	assert.Contains(t, body, `orchestra_workflow_runs_queued_total{source="trigger"} 1`)
	assert.Contains(t, body, `orchestra_launch_queue_depth 4`)
	assert.Contains(t, body, `orchestra_workflow_malformed_config_total 1`)
}

func TestRegistryIncludesRuntimeCollectors(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)
	m.Reconciled("stopped")

	body := scrape(t, reg)
	assert.Contains(t, body, `orchestra_reconcile_transitions_total{status="stopped"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
