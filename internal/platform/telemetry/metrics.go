// Package telemetry exposes Prometheus metrics for the booking service: HTTP
// traffic, appointment outcomes, store-call latency and the compensation
// outbox. All recording methods are safe to call on a nil *Metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "booking"

// Outcome labels shared by the service and its tests.
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomePartial     = "partial"
	OutcomeUnavailable = "unavailable"
	OutcomeInvalid     = "invalid"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	cancellations *prometheus.CounterVec
	bookings      *prometheus.CounterVec
	partial       prometheus.Counter
	storeCalls    *prometheus.HistogramVec
	outboxResults *prometheus.CounterVec
	outboxPending prometheus.Gauge
	watchers      prometheus.Gauge
}

// New builds a Metrics on its own registry so tests and multiple servers in
// one process do not collide on the global default registry.
func New(service string) *Metrics {
	constLabels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests", ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds", ConstLabels: constLabels,
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_requests_in_flight",
			Help: "Requests currently being served", ConstLabels: constLabels,
		}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cancellations_total",
			Help: "Appointment cancellations by outcome", ConstLabels: constLabels,
		}, []string{"outcome"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bookings_total",
			Help: "Appointment bookings by outcome", ConstLabels: constLabels,
		}, []string{"outcome"}),
		partial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "partial_consistency_total",
			Help: "Appointments deleted whose slot could not be released", ConstLabels: constLabels,
		}),
		storeCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "store_call_duration_seconds",
			Help: "Duration of record store calls in seconds", ConstLabels: constLabels,
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		}, []string{"op", "result"}),
		outboxResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_entries_total",
			Help: "Compensation outbox entries processed by result", ConstLabels: constLabels,
		}, []string{"result"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_pending",
			Help: "Compensation entries waiting to be retried", ConstLabels: constLabels,
		}),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "availability_watchers",
			Help: "Open availability watch streams", ConstLabels: constLabels,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		m.cancellations,
		m.bookings,
		m.partial,
		m.storeCalls,
		m.outboxResults,
		m.outboxPending,
		m.watchers,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveCancel(outcome string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePartialConsistency() {
	if m == nil {
		return
	}
	m.partial.Inc()
}

// ObserveStoreCall records the latency of one record store call.
func (m *Metrics) ObserveStoreCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeCalls.WithLabelValues(op, result).Observe(d.Seconds())
}

// ObserveOutbox adds n entries processed with result (done, retry, dead).
func (m *Metrics) ObserveOutbox(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxResults.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

// WatcherOpened increments the open watch gauge and returns the matching
// decrement.
func (m *Metrics) WatcherOpened() func() {
	if m == nil {
		return func() {}
	}
	m.watchers.Inc()
	return m.watchers.Dec
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
