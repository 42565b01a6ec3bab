package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/pokeroster/presence/internal/core/ports"
)

func purposeContext(e *echo.Echo, purpose string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if purpose != "" {
		c.Set("purpose", purpose)
	}
	return c, rec
}

func TestTokenPurpose_Allows(t *testing.T) {
	cases := map[string]struct{ required, token string }{
		"session":        {ports.PurposeSession, ports.PurposeSession},
		"legacy session": {ports.PurposeSession, ""},
		"confirmation":   {ports.PurposeConfirmation, ports.PurposeConfirmation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			c, rec := purposeContext(e, tc.token)

			handler := TokenPurpose(tc.required)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})
			if err := handler(c); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
		})
	}
}

func TestTokenPurpose_Forbids(t *testing.T) {
	cases := map[string]struct{ required, token string }{
		"confirmation used as session": {ports.PurposeSession, ports.PurposeConfirmation},
		"session used to confirm":      {ports.PurposeConfirmation, ports.PurposeSession},
		"missing purpose to confirm":   {ports.PurposeConfirmation, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			c, rec := purposeContext(e, tc.token)

			handler := TokenPurpose(tc.required)(func(c echo.Context) error {
				t.Fatalf("should not reach next")
				return nil
			})
			if err := handler(c); err != nil {
				e.HTTPErrorHandler(err, c)
			}
			if rec.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d", rec.Code)
			}
		})
	}
}
