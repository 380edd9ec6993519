package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicflow/scheduler/internal/config"
	"github.com/clinicflow/scheduler/internal/domain/scheduling"
	"github.com/clinicflow/scheduler/internal/platform/db"
	"github.com/clinicflow/scheduler/internal/platform/websocket"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:                 env,
		AuthSigningKey:      strings.Repeat("k", 32),
		CORSOrigins:         []string{"http://localhost:3000"},
		RateLimitRPS:        100,
		RateLimitBurst:      200,
		RequestTimeout:      time.Second,
		SlotDurationMinutes: 30,
		AutoCompleteGrace:   time.Hour,
		ClinicTimezone:      "UTC",
	}
}

func testService(t *testing.T, cfg *config.Config) *scheduling.Service {
	t.Helper()
	svc, err := buildService(cfg, zerolog.Nop(), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("buildService: %v", err)
	}
	return svc
}

func TestBuildService_RejectsUnknownTimezone(t *testing.T) {
	cfg := testConfig("production")
	cfg.ClinicTimezone = "Nowhere/Special"
	if _, err := buildService(cfg, zerolog.Nop(), nil, nil, nil, nil); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestNewServer_RegistersRoutes(t *testing.T) {
	cfg := testConfig("production")
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), websocket.NewHub(zerolog.Nop()), nil, nil)

	want := map[string]bool{
		"GET /health":                           false,
		"GET /api/v1/availability":              false,
		"GET /api/v1/availability/week":         false,
		"GET /api/v1/schedule":                  false,
		"GET /api/v1/appointments":              false,
		"GET /api/v1/appointments/:id":          false,
		"POST /api/v1/appointments":             false,
		"POST /api/v1/appointments/refresh":     false,
		"PATCH /api/v1/appointments/:id/status": false,
		"GET /api/v1/events/ws":                 false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("expected route %s to be registered", route)
		}
	}
}

func TestNewServer_HealthIsPublic(t *testing.T) {
	cfg := testConfig("production")
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestNewServer_APIRequiresToken(t *testing.T) {
	cfg := testConfig("production")
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/availability?date=2024-05-06", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestNewServer_DevValidationError(t *testing.T) {
	cfg := testConfig("development")
	cfg.DevClinicID = uuid.NewString()
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, nil, nil)

	// No doctor or patient: rejected before any store access.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/availability/week?start=2024-05-06", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"validation"`) {
		t.Errorf("expected validation error body, got %s", rec.Body.String())
	}
}

func TestUUIDFlag(t *testing.T) {
	id := uuid.New()
	cmd := &cobra.Command{}
	cmd.Flags().String("clinic", "", "")
	cmd.Flags().String("doctor", "", "")

	if _, err := uuidFlag(cmd, "clinic", true); err == nil {
		t.Error("expected error for missing required flag")
	}
	if got, err := uuidFlag(cmd, "doctor", false); err != nil || got != uuid.Nil {
		t.Errorf("expected uuid.Nil for missing optional flag, got %s, %v", got, err)
	}

	_ = cmd.Flags().Set("clinic", id.String())
	if got, err := uuidFlag(cmd, "clinic", true); err != nil || got != id {
		t.Errorf("expected %s, got %s, %v", id, got, err)
	}

	_ = cmd.Flags().Set("doctor", "dr-who")
	if _, err := uuidFlag(cmd, "doctor", false); err == nil {
		t.Error("expected error for malformed uuid")
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_scheduling.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_next.sql"},
	})

	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2024-05-01 12:30:00") {
		t.Errorf("expected applied row, got:\n%s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("expected pending row, got:\n%s", out)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("production", &buf)
	logger.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"message":"hello"`) {
		t.Errorf("expected JSON log line, got %s", buf.String())
	}
}
