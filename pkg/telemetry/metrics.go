package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for renewd. A nil *Metrics or a
// disabled configuration yields no-op recording, so callers never guard.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	statesReached *prometheus.CounterVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	captchaSolves    *prometheus.CounterVec
	pinFetchAttempts *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of renewal runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of renewal runs completed",
			},
			[]string{"state", "reason"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of renewal runs in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		),
		statesReached: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "states_reached_total",
				Help:      "Total number of state machine transitions by state",
			},
			[]string{"state"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total number of provider HTTP requests",
			},
			[]string{"op", "result"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Duration of provider HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		captchaSolves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captcha_solves_total",
				Help:      "Total number of captcha solve attempts by tier",
			},
			[]string{"tier", "result"},
		),
		pinFetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pin_fetch_attempts_total",
				Help:      "Total number of PIN mailbox fetch attempts",
			},
			[]string{"result"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.statesReached,
		m.providerCalls, m.providerDuration,
		m.captchaSolves, m.pinFetchAttempts,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RunStarted counts a started run.
func (m *Metrics) RunStarted() {
	if !m.enabled() {
		return
	}
	m.runsStarted.Inc()
}

// RunCompleted counts a completed run and observes its duration.
func (m *Metrics) RunCompleted(state, reason string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(state, reason).Inc()
	m.runDuration.WithLabelValues(state).Observe(d.Seconds())
}

// StateReached counts a state machine transition.
func (m *Metrics) StateReached(state string) {
	if !m.enabled() {
		return
	}
	m.statesReached.WithLabelValues(state).Inc()
}

// ProviderCall records a provider HTTP request.
func (m *Metrics) ProviderCall(op string, err error, d time.Duration) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerCalls.WithLabelValues(op, result).Inc()
	m.providerDuration.WithLabelValues(op).Observe(d.Seconds())
}

// CaptchaSolve records a solve attempt for the given tier (local, remote).
func (m *Metrics) CaptchaSolve(tier string, ok bool) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.captchaSolves.WithLabelValues(tier, result).Inc()
}

// PinFetchAttempt records a mailbox fetch attempt.
func (m *Metrics) PinFetchAttempt(ok bool) {
	if !m.enabled() {
		return
	}
	result := "found"
	if !ok {
		result = "not_found"
	}
	m.pinFetchAttempts.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler serving the metrics registry, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
