// Package telemetry wires Prometheus metrics and OpenTelemetry spans into
// the portal server. Every recorder is nil-safe so callers and tests can
// run without metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "healthapp"

// LifecycleMetrics exposes counters and histograms for the appointment and
// intake flows.
type LifecycleMetrics struct {
	bookingsTotal       *prometheus.CounterVec
	conflictChecksTotal *prometheus.CounterVec
	formTransitions     *prometheus.CounterVec
	appointmentChanges  *prometheus.CounterVec
	operationLatency    *prometheus.HistogramVec
}

func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	m := &LifecycleMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		conflictChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "conflict_checks_total",
			Help:      "Slot admissibility checks by result code",
		}, []string{"code"}),
		formTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "intake_transitions_total",
			Help:      "Intake form status transitions",
		}, []string{"from", "to"}),
		appointmentChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "appointment_transitions_total",
			Help:      "Appointment status transitions",
		}, []string{"from", "to"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Latency of lifecycle operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.conflictChecksTotal, m.formTransitions, m.appointmentChanges, m.operationLatency)
	return m
}

func (m *LifecycleMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *LifecycleMetrics) ObserveConflictCheck(code string) {
	if m == nil {
		return
	}
	m.conflictChecksTotal.WithLabelValues(code).Inc()
}

func (m *LifecycleMetrics) ObserveFormTransition(from, to string) {
	if m == nil {
		return
	}
	m.formTransitions.WithLabelValues(from, to).Inc()
}

func (m *LifecycleMetrics) ObserveAppointmentTransition(from, to string) {
	if m == nil {
		return
	}
	m.appointmentChanges.WithLabelValues(from, to).Inc()
}

// ObserveOperation records how long op took. outcome is "ok" or an error
// kind.
func (m *LifecycleMetrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(op, outcome).Observe(elapsed.Seconds())
}

// HTTPMetrics records per-route request counts and latency.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.activeRequests)
	return m
}

// Middleware returns an Echo middleware that records HTTP server metrics.
// The route label uses the registered path pattern, not the raw URL.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let echo render the error so the status label is final.
				c.Error(err)
			}

			m.activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			method := c.Request().Method
			m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			m.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the gatherer's metrics in Prometheus text format. A nil
// gatherer serves the default registry.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	var h http.Handler
	if g == nil {
		h = promhttp.Handler()
	} else {
		h = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return echo.WrapHandler(h)
}
