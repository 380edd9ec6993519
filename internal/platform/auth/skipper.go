package auth

import (
	"github.com/labstack/echo/v4"
)

// HealthPaths are polled by the orchestrator without credentials.
var HealthPaths = []string{"/health", "/health/db"}

// SkipPaths returns a JWT skipper that lets the exact given paths through
// unauthenticated. Both the matched route and the raw URL path are checked,
// so unrouted requests to a listed path are skipped too.
func SkipPaths(paths ...string) func(echo.Context) bool {
	open := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		open[p] = struct{}{}
	}
	return func(c echo.Context) bool {
		if _, ok := open[c.Path()]; ok {
			return true
		}
		_, ok := open[c.Request().URL.Path]
		return ok
	}
}
