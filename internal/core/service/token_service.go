package service

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/pokeroster/presence/internal/core/ports"
)

// TokenService signs HS256 session and confirmation tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewTokenService(secret string, ttl time.Duration, clock clockwork.Clock) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, clock: clock}
}

// Issue signs c. Confirmation tokens live for ConfirmationTTL regardless of
// the configured session ttl.
func (s *TokenService) Issue(c ports.SessionClaims) (string, time.Time, error) {
	purpose := c.Purpose
	if purpose == "" {
		purpose = ports.PurposeSession
	}
	ttl := s.ttl
	if purpose == ports.PurposeConfirmation {
		ttl = ConfirmationTTL
	}

	exp := s.clock.Now().Add(ttl)
	claims := jwt.MapClaims{
		"sub":        c.AccountID,
		"session_id": c.SessionID,
		"device_id":  c.DeviceID,
		"username":   c.Name,
		"role":       c.Role,
		"purpose":    purpose,
		"exp":        exp.Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}
