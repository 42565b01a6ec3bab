package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/core/service"
)

// SessionHandler exposes one device's session lifecycle over HTTP. The device
// id in the path selects the lifecycle.
type SessionHandler struct {
	devices *service.DeviceRegistry
	tokens  ports.TokenIssuer
}

func NewSessionHandler(devices *service.DeviceRegistry, tokens ports.TokenIssuer) *SessionHandler {
	return &SessionHandler{devices: devices, tokens: tokens}
}

// Register creates an account and admits this device into it.
//
// @Summary      Register an account
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        device  path      string              true  "Device id"
// @Param        body    body      credentialsRequest  true  "Account credentials"
// @Success      201     {object}  sessionResponse
// @Failure      400     {object}  map[string]string
// @Failure      409     {object}  map[string]string
// @Failure      503     {object}  map[string]string
// @Router       /v1/devices/{device}/register [post]
func (h *SessionHandler) Register(c echo.Context) error {
	req, err := bindCredentials(c)
	if err != nil {
		return err
	}
	device := c.Param("device")
	out := h.devices.Get(device, req.DeviceLabel).Register(c.Request().Context(), req.Name, req.Password)
	defer h.devices.Prune(device)
	return h.respondAdmission(c, device, out, http.StatusCreated)
}

// Login authenticates this device. When every slot is taken the response is
// 202, names the session a confirmation would evict and carries the
// short-lived confirmation token that confirm and cancel require.
//
// @Summary      Login
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        device  path      string              true  "Device id"
// @Param        body    body      credentialsRequest  true  "Account credentials"
// @Success      200     {object}  sessionResponse
// @Success      202     {object}  sessionResponse
// @Failure      400     {object}  map[string]string
// @Failure      401     {object}  map[string]string
// @Failure      409     {object}  map[string]string
// @Failure      429     {object}  map[string]string
// @Failure      503     {object}  map[string]string
// @Router       /v1/devices/{device}/login [post]
func (h *SessionHandler) Login(c echo.Context) error {
	req, err := bindCredentials(c)
	if err != nil {
		return err
	}
	device := c.Param("device")
	out := h.devices.Get(device, req.DeviceLabel).Login(c.Request().Context(), req.Name, req.Password)
	defer h.devices.Prune(device)
	return h.respondAdmission(c, device, out, http.StatusOK)
}

// ConfirmEviction evicts the oldest session and authenticates this device.
//
// @Summary      Confirm eviction of the oldest session
// @Tags         sessions
// @Produce      json
// @Security     BearerAuth
// @Param        device  path      string  true  "Device id"
// @Success      200     {object}  sessionResponse
// @Failure      401     {object}  map[string]string
// @Failure      403     {object}  map[string]string
// @Failure      409     {object}  map[string]string
// @Failure      503     {object}  map[string]string
// @Router       /v1/devices/{device}/login/confirm [post]
func (h *SessionHandler) ConfirmEviction(c echo.Context) error {
	claims, err := ctxClaims(c)
	if err != nil {
		return err
	}
	if claims.SessionID == "" {
		return domain.ErrForbidden
	}
	device := c.Param("device")
	l, ok := h.devices.Lookup(device)
	if !ok {
		return domain.ErrNoPendingEviction
	}
	out := l.ConfirmPending(c.Request().Context(), claims.SessionID)
	return h.respondAdmission(c, device, out, http.StatusOK)
}

// CancelConfirmation abandons a pending login. Nothing is written remotely.
//
// @Summary      Cancel a pending login
// @Tags         sessions
// @Produce      json
// @Security     BearerAuth
// @Param        device  path      string  true  "Device id"
// @Success      200     {object}  stateResponse
// @Failure      401     {object}  map[string]string
// @Failure      403     {object}  map[string]string
// @Failure      409     {object}  map[string]string
// @Router       /v1/devices/{device}/login/cancel [post]
func (h *SessionHandler) CancelConfirmation(c echo.Context) error {
	claims, err := ctxClaims(c)
	if err != nil {
		return err
	}
	if claims.SessionID == "" {
		return domain.ErrForbidden
	}
	device := c.Param("device")
	l, ok := h.devices.Lookup(device)
	if !ok {
		return domain.ErrNoPendingEviction
	}
	if out := l.CancelPending(claims.SessionID); out.Err != nil {
		return out.Err
	}
	st := l.State()
	h.devices.Prune(device)
	return c.JSON(http.StatusOK, toStateResponse(device, st))
}

// Logout releases this device's session. The token must carry the session
// the device currently holds, or the one it was evicted from.
//
// @Summary      Logout
// @Tags         sessions
// @Produce      json
// @Security     BearerAuth
// @Param        device  path      string  true  "Device id"
// @Success      200     {object}  sessionResponse
// @Failure      401     {object}  map[string]string
// @Failure      403     {object}  map[string]string
// @Failure      409     {object}  map[string]string
// @Failure      503     {object}  map[string]string
// @Router       /v1/devices/{device}/logout [post]
func (h *SessionHandler) Logout(c echo.Context) error {
	claims, err := ctxClaims(c)
	if err != nil {
		return err
	}
	if claims.SessionID == "" {
		return domain.ErrForbidden
	}

	released := false
	device := c.Param("device")
	l, ok := h.devices.Lookup(device)
	if !ok {
		return c.JSON(http.StatusOK, sessionResponse{Status: string(service.OutcomeLoggedOut), Released: &released})
	}

	out := l.LogoutSession(c.Request().Context(), claims.SessionID)
	if out.Status != service.OutcomeLoggedOut {
		return outcomeError(out)
	}
	h.devices.Prune(device)
	released = out.Released
	return c.JSON(http.StatusOK, sessionResponse{
		Status:    string(out.Status),
		AccountID: out.AccountID,
		SessionID: out.SessionID,
		Released:  &released,
	})
}

// State reports the device's lifecycle phase and the last user notice.
//
// @Summary      Device session state
// @Tags         sessions
// @Produce      json
// @Param        device  path      string  true  "Device id"
// @Success      200     {object}  stateResponse
// @Router       /v1/devices/{device}/session [get]
func (h *SessionHandler) State(c echo.Context) error {
	device := c.Param("device")
	var st service.State
	if l, ok := h.devices.Lookup(device); ok {
		st = l.State()
	} else {
		st.Phase = domain.StateLoggedOut
	}
	return c.JSON(http.StatusOK, toStateResponse(device, st))
}

func (h *SessionHandler) respondAdmission(c echo.Context, device string, out service.Outcome, okStatus int) error {
	switch out.Status {
	case service.OutcomeNeedsConfirmation:
		token, exp, err := h.tokens.Issue(ports.SessionClaims{
			AccountID: out.AccountID,
			SessionID: out.CandidateID,
			DeviceID:  device,
			Name:      out.Name,
			Role:      out.Role,
			Purpose:   ports.PurposeConfirmation,
		})
		if err != nil {
			return fmt.Errorf("issue confirmation token: %w", err)
		}
		return c.JSON(http.StatusAccepted, sessionResponse{
			Status:            string(out.Status),
			AccountID:         out.AccountID,
			Oldest:            out.Oldest,
			ConfirmationToken: token,
			ExpiresAt:         &exp,
		})
	case service.OutcomeAuthenticated:
		token, exp, err := h.tokens.Issue(ports.SessionClaims{
			AccountID: out.AccountID,
			SessionID: out.SessionID,
			DeviceID:  device,
			Name:      out.Name,
			Role:      out.Role,
		})
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		return c.JSON(okStatus, sessionResponse{
			Status:    string(out.Status),
			AccountID: out.AccountID,
			SessionID: out.SessionID,
			Token:     token,
			ExpiresAt: &exp,
			EvictedID: out.EvictedID,
		})
	default:
		return outcomeError(out)
	}
}

// outcomeError maps a failed outcome onto the domain error the HTTP error
// handler understands.
func outcomeError(out service.Outcome) error {
	err := out.Err
	if err == nil {
		err = fmt.Errorf("unexpected outcome %s", out.Status)
	}
	if out.Status == service.OutcomeUnavailable && !errors.Is(err, domain.ErrUnavailable) {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return err
}

func bindCredentials(c echo.Context) (credentialsRequest, error) {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req, nil
}
