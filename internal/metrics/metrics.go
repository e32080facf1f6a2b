// Package metrics exposes the controller's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var modeNames = []string{"DEFENSIVE", "BALANCED", "AGGRESSIVE"}

// Metrics owns its registry so tests and multiple engines never collide on
// the global default.
type Metrics struct {
	reg *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	signals        *prometheus.CounterVec
	entries        *prometheus.CounterVec
	exits          *prometheus.CounterVec
	apiErrors      *prometheus.CounterVec
	oracleCalls    *prometheus.CounterVec
	notifyDropped  prometheus.Counter
	openPositions  prometheus.Gauge
	dailyPnLPct    prometheus.Gauge
	circuitHalted  prometheus.Gauge
	killed         prometheus.Gauge
	activeMode     *prometheus.GaugeVec
	reconcileIssue *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpctl_cycles_total", Help: "Completed engine cycles by loop",
		}, []string{"loop"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scalpctl_cycle_seconds",
			Help:    "Engine cycle wall time by loop",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"loop"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpctl_signals_total", Help: "Generated signals by decision",
		}, []string{"decision"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpctl_entries_total", Help: "Entry attempts by result",
		}, []string{"result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpctl_exits_total", Help: "Closed positions by exit reason",
		}, []string{"reason"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpctl_api_errors_total", Help: "Collaborator failures that survived retries",
		}, []string{"source"}),
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpctl_oracle_calls_total", Help: "Oracle calls by result",
		}, []string{"result"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalpctl_notify_dropped_total", Help: "Notifications dropped because the queue was full",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scalpctl_open_positions", Help: "Reserved plus open positions",
		}),
		dailyPnLPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scalpctl_daily_pnl_pct", Help: "Session pnl as percent of start equity",
		}),
		circuitHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scalpctl_circuit_halted", Help: "1 when new entries are halted for the session",
		}),
		killed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scalpctl_killed", Help: "1 after the kill switch fired",
		}),
		activeMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scalpctl_mode", Help: "1 for the active trading mode",
		}, []string{"mode"}),
		reconcileIssue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scalpctl_reconcile_symbols", Help: "Symbols per class in the last reconcile run",
		}, []string{"class"}),
	}
	m.reg.MustRegister(
		m.cycles, m.cycleDuration, m.signals, m.entries, m.exits, m.apiErrors, m.oracleCalls,
		m.notifyDropped, m.openPositions, m.dailyPnLPct, m.circuitHalted, m.killed,
		m.activeMode, m.reconcileIssue,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ObserveCycle(loop string, started time.Time) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(loop).Inc()
	m.cycleDuration.WithLabelValues(loop).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Signal(decision string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(decision).Inc()
}

func (m *Metrics) Entry(result string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(result).Inc()
}

func (m *Metrics) Exit(reason string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(reason).Inc()
}

func (m *Metrics) APIError(source string) {
	if m == nil {
		return
	}
	m.apiErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) OracleCall(result string) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) NotifyDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

// Portfolio records the ledger snapshot gauges.
func (m *Metrics) Portfolio(open int, dailyPnLPct float64, halted bool) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(open))
	m.dailyPnLPct.Set(dailyPnLPct)
	m.circuitHalted.Set(boolGauge(halted))
}

func (m *Metrics) Killed() {
	if m == nil {
		return
	}
	m.killed.Set(1)
}

func (m *Metrics) Mode(name string) {
	if m == nil {
		return
	}
	for _, n := range modeNames {
		v := 0.0
		if n == name {
			v = 1
		}
		m.activeMode.WithLabelValues(n).Set(v)
	}
}

// Reconcile records the class sizes of one reconcile report.
func (m *Metrics) Reconcile(counts map[string]int) {
	if m == nil {
		return
	}
	for class, n := range counts {
		m.reconcileIssue.WithLabelValues(class).Set(float64(n))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
