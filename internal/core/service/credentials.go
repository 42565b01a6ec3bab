package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const saltBytes = 16

// CredentialVerifier hashes passwords as bcrypt(HMAC-SHA256(salt, password)).
// Accounts imported from the legacy store carry base64(SHA-256(salt || password))
// instead; Verify accepts both formats.
type CredentialVerifier struct {
	cost int
}

func NewCredentialVerifier(cost int) *CredentialVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &CredentialVerifier{cost: cost}
}

func (v *CredentialVerifier) Hash(password string) (string, string, error) {
	raw := make([]byte, saltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	salt := base64.StdEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(saltedDigest(raw, password), v.cost)
	if err != nil {
		return "", "", err
	}
	return string(hash), salt, nil
}

func (v *CredentialVerifier) Verify(password, storedHash, storedSalt string) bool {
	if password == "" || storedHash == "" {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(storedSalt)
	if err != nil || len(salt) == 0 {
		return false
	}

	if strings.HasPrefix(storedHash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(storedHash), saltedDigest(salt, password)) == nil
	}

	want, err := base64.StdEncoding.DecodeString(storedHash)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return subtle.ConstantTimeCompare(h.Sum(nil), want) == 1
}

// saltedDigest keeps the bcrypt input at 44 bytes, well under its 72 byte limit.
func saltedDigest(salt []byte, password string) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
