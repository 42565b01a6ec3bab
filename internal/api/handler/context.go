package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pokeroster/presence/internal/core/ports"
)

// ctxClaims extracts the session claims injected by the Auth middleware. An
// account id is mandatory; without it the token cannot identify a session.
func ctxClaims(c echo.Context) (ports.SessionClaims, error) {
	var claims ports.SessionClaims
	claims.AccountID, _ = c.Get("account_id").(string)
	if claims.AccountID == "" {
		return claims, echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims")
	}
	claims.SessionID, _ = c.Get("session_id").(string)
	claims.DeviceID, _ = c.Get("device_id").(string)
	claims.Name, _ = c.Get("username").(string)
	claims.Role, _ = c.Get("role").(string)
	claims.Purpose, _ = c.Get("purpose").(string)
	return claims, nil
}
