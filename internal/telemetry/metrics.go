package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	ticketsCreated       *prometheus.CounterVec
	allocationCollisions prometheus.Counter
	allocationExhausted  prometheus.Counter
	callNext             *prometheus.CounterVec
	transitions          *prometheus.CounterVec
	noShowSwept          prometheus.Counter
	auditWritten         prometheus.Counter
	auditDropped         prometheus.Counter
	auditFailed          prometheus.Counter
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticketsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_tickets_created_total",
			Help: "Tickets issued, by department.",
		}, []string{"department"}),
		allocationCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_allocation_collisions_total",
			Help: "Ticket number candidates rejected as already taken.",
		}),
		allocationExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_allocation_exhausted_total",
			Help: "Create requests that ran out of allocation rounds.",
		}),
		callNext: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_call_next_total",
			Help: "Call-next outcomes.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_transitions_total",
			Help: "Applied lifecycle transitions, by event.",
		}, []string{"event"}),
		noShowSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_no_show_swept_total",
			Help: "Called tickets moved to no-show by the sweeper.",
		}),
		auditWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_audit_written_total",
			Help: "Audit entries persisted.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_audit_dropped_total",
			Help: "Audit entries dropped because the buffer was full.",
		}),
		auditFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_audit_failed_total",
			Help: "Audit entries lost after all write attempts failed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "token_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticketsCreated,
		m.allocationCollisions,
		m.allocationExhausted,
		m.callNext,
		m.transitions,
		m.noShowSwept,
		m.auditWritten,
		m.auditDropped,
		m.auditFailed,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TicketCreated(departmentID int64) {
	if m == nil {
		return
	}
	m.ticketsCreated.WithLabelValues(strconv.FormatInt(departmentID, 10)).Inc()
}

func (m *Metrics) AllocationCollision() {
	if m == nil {
		return
	}
	m.allocationCollisions.Inc()
}

func (m *Metrics) AllocationExhausted() {
	if m == nil {
		return
	}
	m.allocationExhausted.Inc()
}

func (m *Metrics) CallNext(found bool) {
	if m == nil {
		return
	}
	result := "empty"
	if found {
		result = "called"
	}
	m.callNext.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event).Inc()
}

func (m *Metrics) NoShowSwept(n int) {
	if m == nil {
		return
	}
	m.noShowSwept.Add(float64(n))
}

func (m *Metrics) AuditWritten(n int) {
	if m == nil {
		return
	}
	m.auditWritten.Add(float64(n))
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *Metrics) AuditFailed(n int) {
	if m == nil {
		return
	}
	m.auditFailed.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
