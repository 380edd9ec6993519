package auth

import (
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Clinic staff roles carried in the token's roles claim.
const (
	RoleAdmin        = "admin"
	RoleDoctor       = "doctor"
	RoleNurse        = "nurse"
	RoleReceptionist = "receptionist"
)

var (
	// ViewerRoles may read schedules, availability and appointments.
	ViewerRoles = []string{RoleDoctor, RoleNurse, RoleReceptionist}
	// BookerRoles may also create appointments and change their status.
	BookerRoles = []string{RoleDoctor, RoleReceptionist}
)

// RequireRole admits requests acting for a clinic whose roles include one of
// roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if ClinicIDFromContext(ctx) == uuid.Nil {
				return forbidden("request is not bound to a clinic")
			}
			if !HasAnyRole(RolesFromContext(ctx), roles...) {
				return forbidden("role not permitted for this operation")
			}
			return next(c)
		}
	}
}

// HasAnyRole reports whether granted covers one of required.
func HasAnyRole(granted []string, required ...string) bool {
	if slices.Contains(granted, RoleAdmin) {
		return true
	}
	return slices.ContainsFunc(granted, func(r string) bool {
		return slices.Contains(required, r)
	})
}

func forbidden(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusForbidden, map[string]string{"error": "forbidden", "message": msg})
}
