package service

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestCredentialVerifier_HashAndVerify(t *testing.T) {
	v := NewCredentialVerifier(bcrypt.MinCost)

	hash, salt, err := v.Hash("pikachu")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if hash == "pikachu" || salt == "" {
		t.Fatalf("expected hashed password and salt, got %q / %q", hash, salt)
	}
	if !v.Verify("pikachu", hash, salt) {
		t.Fatalf("expected password to verify")
	}
	if !v.Verify("pikachu", hash, salt) {
		t.Fatalf("expected verification to be repeatable")
	}
	if v.Verify("raichu", hash, salt) {
		t.Fatalf("expected wrong password to fail")
	}
}

func TestCredentialVerifier_SaltIsPerAccount(t *testing.T) {
	v := NewCredentialVerifier(bcrypt.MinCost)

	h1, s1, _ := v.Hash("same")
	_, s2, _ := v.Hash("same")
	if s1 == s2 {
		t.Fatalf("expected distinct salts")
	}
	if v.Verify("same", h1, s2) {
		t.Fatalf("hash must not verify under another account's salt")
	}
}

func TestCredentialVerifier_LegacyDigest(t *testing.T) {
	v := NewCredentialVerifier(bcrypt.MinCost)

	salt := []byte("0123456789abcdef")
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte("bulbasaur"))
	storedHash := base64.StdEncoding.EncodeToString(h.Sum(nil))
	storedSalt := base64.StdEncoding.EncodeToString(salt)

	if !v.Verify("bulbasaur", storedHash, storedSalt) {
		t.Fatalf("expected legacy digest to verify")
	}
	if v.Verify("ivysaur", storedHash, storedSalt) {
		t.Fatalf("expected wrong password to fail against legacy digest")
	}
}

func TestCredentialVerifier_FailsClosed(t *testing.T) {
	v := NewCredentialVerifier(bcrypt.MinCost)
	hash, salt, _ := v.Hash("squirtle")

	cases := map[string][2]string{
		"empty hash":        {"", salt},
		"malformed salt":    {hash, "%%%"},
		"empty salt":        {hash, ""},
		"truncated bcrypt":  {hash[:10], salt},
		"garbage digest":    {"bm90LWEtZGlnZXN0", salt},
		"non-base64 digest": {"***", salt},
	}
	for name, c := range cases {
		if v.Verify("squirtle", c[0], c[1]) {
			t.Errorf("%s: expected verification failure", name)
		}
	}
	if v.Verify("", hash, salt) {
		t.Errorf("empty password must not verify")
	}
}
