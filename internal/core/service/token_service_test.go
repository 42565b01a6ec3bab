package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/pokeroster/presence/internal/core/ports"
)

func parseClaims(t *testing.T, signed string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	}); err != nil {
		t.Fatalf("parse token: %v", err)
	}
	return claims
}

func TestTokenService_IssueSessionToken(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	tokens := NewTokenService("secret", time.Hour, clockwork.NewFakeClockAt(now))

	signed, exp, err := tokens.Issue(ports.SessionClaims{AccountID: "acc-1", SessionID: "S1", DeviceID: "phone"})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected expiry in an hour, got %v", exp)
	}
	claims := parseClaims(t, signed)
	if claims["purpose"] != ports.PurposeSession || claims["session_id"] != "S1" || claims["device_id"] != "phone" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestTokenService_ConfirmationTokenIsShortLived(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	tokens := NewTokenService("secret", 24*time.Hour, clockwork.NewFakeClockAt(now))

	signed, exp, err := tokens.Issue(ports.SessionClaims{
		AccountID: "acc-1",
		SessionID: "S2",
		DeviceID:  "tablet",
		Purpose:   ports.PurposeConfirmation,
	})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if !exp.Equal(now.Add(ConfirmationTTL)) {
		t.Fatalf("expected expiry after %v, got %v", ConfirmationTTL, exp.Sub(now))
	}
	claims := parseClaims(t, signed)
	if claims["purpose"] != ports.PurposeConfirmation || claims["session_id"] != "S2" {
		t.Fatalf("unexpected claims %v", claims)
	}
}
