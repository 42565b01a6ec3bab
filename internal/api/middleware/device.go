package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// DeviceBinding rejects tokens issued to a different device than the one
// named by the :device path parameter. It must run after Auth.
func DeviceBinding() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			deviceID, _ := c.Get("device_id").(string)
			if deviceID == "" || deviceID != c.Param("device") {
				return echo.NewHTTPError(http.StatusForbidden, "token was not issued to this device")
			}
			return next(c)
		}
	}
}
