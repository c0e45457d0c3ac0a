package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/team-bethany-and-thomas/healthapp/internal/config"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/store"
)

var testNow = time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Env:                    "development",
		StoreBackend:           config.BackendMemory,
		CacheTTL:               time.Minute,
		CORSOrigins:            []string{"http://localhost:3000"},
		RateLimitRPS:           1000,
		RateLimitBurst:         1000,
		BodyLimit:              "1M",
		RequestTimeout:         5 * time.Second,
		ClinicTimezone:         "America/New_York",
		BookingHorizonDays:     180,
		DefaultDurationMinutes: 30,
		WorkdayStart:           "09:00",
		WorkdayEnd:             "17:00",
		SlotIntervalMinutes:    30,
		IntakeTemplateID:       1,
		PortalBaseURL:          "http://portal.test",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	clk := clock.NewManaged(testNow)
	b, err := openBackend(context.Background(), cfg, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	t.Cleanup(b.Close)
	e, err := newServer(cfg, zerolog.Nop(), b, clk)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func serve(h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, testConfig())
	rec := serve(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected body %v", body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on every response")
	}

	// Only registered for database backends.
	if rec := serve(h, http.MethodGet, "/health/db", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for /health/db on the memory backend, got %d", rec.Code)
	}
}

func TestDevServer_BookingFlow(t *testing.T) {
	h := newTestServer(t, testConfig())

	body := `{"provider_id":1,"appointment_type_id":2,"appointment_date":"2025-03-10","appointment_time":"10:00","reason_for_visit":"checkup"}`
	rec := serve(h, http.MethodPost, "/api/v1/appointments", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, http.MethodPost, "/api/v1/appointments", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for the same slot, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, http.MethodGet, "/api/v1/appointments", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one appointment in the listing: %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig())
	serve(h, http.MethodGet, "/api/v1/providers/1/slots/check?date=2025-03-10&time=10:00", "")

	rec := serve(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, name := range []string{"go_goroutines", "lifecycle_conflict_checks_total"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("expected %s in the exposition", name)
		}
	}
}

func TestJWTServer_RequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	cfg.AuthMode = config.AuthModeJWT
	cfg.AuthSigningKey = strings.Repeat("k", 32)
	h := newTestServer(t, cfg)

	if rec := serve(h, http.MethodGet, "/api/v1/appointments", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/api/v1/appointments", "", "Authorization", "Bearer not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a malformed token, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health should stay public, got %d", rec.Code)
	}
}

func TestOpenBackend_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	b, err := openBackend(context.Background(), cfg, clock.NewManaged(testNow), zerolog.Nop())
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.Close()
	if _, ok := b.store.(*store.Cached); !ok {
		t.Fatalf("expected a cached store, got %T", b.store)
	}
}

func TestOpenBackend_BadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "://nope"
	if _, err := openBackend(context.Background(), cfg, clock.NewManaged(testNow), zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an invalid REDIS_URL")
	}
}
