package ports

import (
	"context"
	"time"

	"github.com/pokeroster/presence/internal/core/domain"
)

// AdmissionStatus is the result of an admission attempt.
type AdmissionStatus string

const (
	AdmissionAuthenticated     AdmissionStatus = "authenticated"
	AdmissionNeedsConfirmation AdmissionStatus = "needs_confirmation"
)

// Admission is returned by SessionService.Login, Register and ConfirmEviction.
type Admission struct {
	Status    AdmissionStatus
	AccountID string
	Name      string
	Role      string
	Session   domain.Session
	// Oldest is the session that ConfirmEviction would remove.
	Oldest domain.Session
	// Snapshot is the account state the decision was made against.
	Snapshot *domain.Account
	// EvictedID is set when ConfirmEviction removed another session.
	EvictedID string
}

// SessionService decides and persists session admission and release.
type SessionService interface {
	Login(ctx context.Context, name, password, deviceLabel string) (*Admission, error)
	Register(ctx context.Context, name, password, deviceLabel string) (*Admission, error)
	ConfirmEviction(ctx context.Context, pending *Admission) (*Admission, error)
	// Release frees sessionID on a fresh fetch; it reports false when the
	// session was already gone.
	Release(ctx context.Context, accountID, sessionID string) (bool, error)
}

// Token purposes. A session token is held by an authenticated device; a
// confirmation token only resolves the pending admission it names.
const (
	PurposeSession      = "session"
	PurposeConfirmation = "confirm_eviction"
)

// SessionClaims are embedded in issued tokens. For a confirmation token
// SessionID is the pending candidate session.
type SessionClaims struct {
	AccountID string
	SessionID string
	DeviceID  string
	Name      string
	Role      string
	// Purpose defaults to PurposeSession.
	Purpose string
}

// TokenIssuer signs session and confirmation tokens.
type TokenIssuer interface {
	Issue(claims SessionClaims) (string, time.Time, error)
}
