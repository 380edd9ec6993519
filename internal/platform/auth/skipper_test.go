package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSkipPaths(t *testing.T) {
	skip := SkipPaths(HealthPaths...)
	e := echo.New()

	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/health/extra", false},
		{"/api/v1/availability", false},
		{"/api/v1/appointments/refresh", false},
		{"/api/v1/events/ws", false},
		{"/", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.path, nil), httptest.NewRecorder())
			if got := skip(c); got != tt.want {
				t.Errorf("skip(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestSkipPaths_MatchesRoutePattern(t *testing.T) {
	skip := SkipPaths("/status/:check")
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/status/live", nil), httptest.NewRecorder())
	c.SetPath("/status/:check")

	if !skip(c) {
		t.Error("expected the matched route pattern to be skipped")
	}
}

func TestSkipPaths_NoneConfigured(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	if SkipPaths()(c) {
		t.Error("expected nothing skipped with an empty list")
	}
}
