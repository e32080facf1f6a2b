package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Collectors(t *testing.T) {
	m := New()
	m.ObserveCycle("risk", time.Now())
	m.ObserveCycle("risk", time.Now())
	m.Signal("BUY")
	m.Exit("STOP_LOSS")
	m.APIError("broker.place")
	m.Portfolio(2, -1.25, true)
	m.Mode("DEFENSIVE")
	m.Reconcile(map[string]int{"ghost": 1, "matched": 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles.WithLabelValues("risk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues("STOP_LOSS")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openPositions))
	assert.Equal(t, -1.25, testutil.ToFloat64(m.dailyPnLPct))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitHalted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeMode.WithLabelValues("DEFENSIVE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeMode.WithLabelValues("BALANCED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reconcileIssue.WithLabelValues("matched")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Signal("BUY")
		m.Portfolio(1, 0, false)
		m.Killed()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Entry("submitted")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `scalpctl_entries_total{result="submitted"} 1`)
}
