package ports

// CredentialHasher derives and checks salted credential digests.
type CredentialHasher interface {
	// Hash returns a new random salt and the digest for password.
	Hash(password string) (hash, salt string, err error)
	// Verify fails closed: malformed stored values never verify.
	Verify(password, storedHash, storedSalt string) bool
}
