package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission paths reported by SubmissionsTotal.
const (
	PathPrimary   = "primary"
	PathSecondary = "secondary"
	PathFallback  = "fallback"
	PathDuplicate = "duplicate"
)

// Metrics holds the Prometheus collectors of the assessment service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	AttemptsStarted  *prometheus.CounterVec
	SubmissionsTotal *prometheus.CounterVec
	ViolationsTotal  *prometheus.CounterVec
	SessionsLocked   prometheus.Counter
	SessionsActive   prometheus.Gauge
	RequestDuration  *prometheus.HistogramVec
}

// New registers the collectors on a dedicated registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		AttemptsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_started_total",
				Help:      "Attempt start requests by outcome (created or reused)",
			},
			[]string{"outcome"},
		),
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Submissions by the path that recorded the result",
			},
			[]string{"path"},
		),
		ViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_violations_total",
				Help:      "Integrity violations by kind",
			},
			[]string{"kind"},
		),
		SessionsLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_locked_total",
			Help:      "Sessions locked after repeated violations",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Proctored sessions currently open",
		}),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
	}
	reg.MustRegister(
		m.AttemptsStarted,
		m.SubmissionsTotal,
		m.ViolationsTotal,
		m.SessionsLocked,
		m.SessionsActive,
		m.RequestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AttemptStarted(reused bool) {
	if m == nil {
		return
	}
	outcome := "created"
	if reused {
		outcome = "reused"
	}
	m.AttemptsStarted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Submitted(path string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) Violation(kind string) {
	if m == nil {
		return
	}
	m.ViolationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Locked() {
	if m == nil {
		return
	}
	m.SessionsLocked.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) ObserveRequest(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, status).Observe(elapsed.Seconds())
}
