package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

func TestLifecycleMetricsObserve(t *testing.T) {
	m := NewLifecycleMetrics(prometheus.NewRegistry())
	m.ObserveBooking("created")
	m.ObserveConflictCheck("slot_conflict")
	m.ObserveFormTransition("in_progress", "submitted")
	m.ObserveAppointmentTransition("pending", "cancelled")
	m.ObserveOperation("book", "ok", 15*time.Millisecond)
}

func TestLifecycleMetricsDefaultRegistry(t *testing.T) {
	m := NewLifecycleMetrics(nil)
	m.ObserveBooking("created")
	prometheus.DefaultRegisterer.Unregister(m.bookingsTotal)
	prometheus.DefaultRegisterer.Unregister(m.conflictChecksTotal)
	prometheus.DefaultRegisterer.Unregister(m.formTransitions)
	prometheus.DefaultRegisterer.Unregister(m.appointmentChanges)
	prometheus.DefaultRegisterer.Unregister(m.operationLatency)
}

func TestLifecycleMetricsNilSafe(t *testing.T) {
	var m *LifecycleMetrics
	m.ObserveBooking("created")
	m.ObserveConflictCheck("ok")
	m.ObserveFormTransition("a", "b")
	m.ObserveAppointmentTransition("a", "b")
	m.ObserveOperation("book", "ok", time.Second)
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/appointments/:appointment_id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})
	e.GET("/metrics", Handler(reg))

	for _, path := range []string{"/api/v1/appointments/42", "/api/v1/appointments/43", "/boom"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`healthapp_http_requests_total{method="GET",route="/api/v1/appointments/:appointment_id",status="200"} 2`,
		`healthapp_http_requests_total{method="GET",route="/boom",status="503"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHTTPMetricsNilPassThrough(t *testing.T) {
	var m *HTTPMetrics
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	err := m.Middleware()(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusNoContent)
	})(c)
	if err != nil || !called {
		t.Fatalf("nil metrics should pass through, err=%v called=%v", err, called)
	}
}

func TestTracingMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(TracingMiddleware())
	e.GET("/ok", func(c echo.Context) error {
		if c.Request().Context() == nil {
			t.Error("request context missing")
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
