package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsrpc"

// Response outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeCached  = "cached"
)

// Metrics holds the client collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter
	connected       prometheus.Gauge
	requestsSent    *prometheus.CounterVec
	responses       *prometheus.CounterVec
	strayErrors     prometheus.Counter
	notifications   *prometheus.CounterVec
	handlerErrors   prometheus.Counter
	cacheEvictions  *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	storedRows      prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Transport dial attempts.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Connect calls that exhausted their retries.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a session is open.",
		}),
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Requests written to the transport.",
		}, []string{"method"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses handed to callers, by outcome.",
		}, []string{"outcome"}),
		strayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stray_errors_total",
			Help:      "Error replies that matched no pending request.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Subscription pushes dispatched, by route.",
		}, []string{"route"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Errors returned by subscription handlers.",
		}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries dropped from a bounded cache on overflow.",
		}, []string{"cache"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in a subscription queue.",
		}, []string{"queue"}),
		storedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_notifications_total",
			Help:      "Notifications inserted into the database.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectAttempts,
			m.connectFailures,
			m.connected,
			m.requestsSent,
			m.responses,
			m.strayErrors,
			m.notifications,
			m.handlerErrors,
			m.cacheEvictions,
			m.queueDepth,
			m.storedRows,
		)
	}
	return m
}

// Handler returns an HTTP handler exposing g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) RequestSent(method string) {
	if m == nil {
		return
	}
	m.requestsSent.WithLabelValues(method).Inc()
}

func (m *Metrics) Response(outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StrayError() {
	if m == nil {
		return
	}
	m.strayErrors.Inc()
}

func (m *Metrics) Notification(route string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(route).Inc()
}

func (m *Metrics) HandlerError() {
	if m == nil {
		return
	}
	m.handlerErrors.Inc()
}

func (m *Metrics) CacheEviction(cache string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(cache).Inc()
}

func (m *Metrics) SetQueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) RowsStored(n int) {
	if m == nil {
		return
	}
	m.storedRows.Add(float64(n))
}
