package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// ErrRequestTimeout is returned to the error handler when a request outlives
// its deadline.
var ErrRequestTimeout = echo.NewHTTPError(http.StatusGatewayTimeout, map[string]string{
	"error":   "timeout",
	"message": "request processing exceeded the allowed time limit",
})

// RequestTimeout attaches a deadline to the request context and runs the
// handler on the serving goroutine, so panics still reach Recovery and the
// echo context is never touched after the request ends. Store reads, the
// booking lock and event publishing all observe the deadline. When it has
// passed and nothing was written yet, ErrRequestTimeout replaces the
// handler's result. A non-positive timeout disables the deadline.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return ErrRequestTimeout
			}
			return err
		}
	}
}
