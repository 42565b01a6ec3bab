package handler

import (
	"time"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/service"
)

type credentialsRequest struct {
	Name        string `json:"name" validate:"required,max=64,printascii"`
	Password    string `json:"password" validate:"required,max=256"`
	DeviceLabel string `json:"device_label" validate:"max=64"`
}

type sessionResponse struct {
	Status            string          `json:"status"`
	AccountID         string          `json:"account_id,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	Token             string          `json:"token,omitempty"`
	ConfirmationToken string          `json:"confirmation_token,omitempty"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Oldest            *domain.Session `json:"oldest_session,omitempty"`
	EvictedID         string          `json:"evicted_session_id,omitempty"`
	Released          *bool           `json:"released,omitempty"`
}

type stateResponse struct {
	DeviceID  string          `json:"device_id"`
	Phase     string          `json:"phase"`
	AccountID string          `json:"account_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Oldest    *domain.Session `json:"oldest_session,omitempty"`
	Notice    string          `json:"notice,omitempty"`
}

type accountSessionsResponse struct {
	AccountID string           `json:"account_id"`
	Name      string           `json:"name"`
	Capacity  int              `json:"capacity"`
	FreeSlots int              `json:"free_slots"`
	Sessions  []domain.Session `json:"sessions"`
	Version   int64            `json:"version"`
}

func toStateResponse(deviceID string, st service.State) stateResponse {
	return stateResponse{
		DeviceID:  deviceID,
		Phase:     string(st.Phase),
		AccountID: st.AccountID,
		Name:      st.Name,
		SessionID: st.SessionID,
		Oldest:    st.Oldest,
		Notice:    string(st.Notice),
	}
}

func toAccountSessionsResponse(a *domain.Account) accountSessionsResponse {
	return accountSessionsResponse{
		AccountID: a.ID,
		Name:      a.Name,
		Capacity:  a.Capacity,
		FreeSlots: a.FreeSlots,
		Sessions:  domain.CloneSessions(a.Sessions),
		Version:   a.Version,
	}
}
