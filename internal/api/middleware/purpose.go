package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pokeroster/presence/internal/core/ports"
)

// TokenPurpose rejects tokens issued for another purpose, so a confirmation
// token cannot log out or browse accounts and a session token cannot resolve
// a pending eviction. A token without a purpose claim is a session token. It
// must run after Auth.
func TokenPurpose(purpose string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, _ := c.Get("purpose").(string)
			if got == "" {
				got = ports.PurposeSession
			}
			if got != purpose {
				return echo.NewHTTPError(http.StatusForbidden, "token not valid for this operation")
			}
			return next(c)
		}
	}
}
