package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RolePatient  = "patient"
	RoleProvider = "provider"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

// RequireRole returns middleware that checks if the user has at least one
// of the given roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context().Value(UserRolesKey), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether granted (a []string) includes any of roles or
// the admin role.
func HasRole(granted interface{}, roles ...string) bool {
	userRoles, _ := granted.([]string)
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}
