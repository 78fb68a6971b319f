package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequirePatientMatch restricts a patient-scoped route to the patient named by
// the path parameter. Staff may act on any patient.
func RequirePatientMatch(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if HasRole(ctx, RoleStaff) {
				return next(c)
			}
			if uid := UserIDFromContext(ctx); uid != "" && uid == c.Param(param) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "not allowed to act for this patient")
		}
	}
}
