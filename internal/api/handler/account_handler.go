package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
)

// AccountHandler serves the operator view of an account's slots.
type AccountHandler struct {
	store ports.AccountStore
}

func NewAccountHandler(store ports.AccountStore) *AccountHandler {
	return &AccountHandler{store: store}
}

// Sessions lists the sessions currently holding slots on an account.
//
// @Summary      List account sessions
// @Tags         accounts
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Account id"
// @Success      200  {object}  accountSessionsResponse
// @Failure      401  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /v1/accounts/{id}/sessions [get]
func (h *AccountHandler) Sessions(c echo.Context) error {
	if _, err := ctxClaims(c); err != nil {
		return err
	}
	account, err := h.store.FindByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return c.JSON(http.StatusOK, toAccountSessionsResponse(account))
}
