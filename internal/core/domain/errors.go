package domain

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNameTaken   = errors.New("account name already taken")
	ErrAccountNotFound    = errors.New("account not found")

	// ErrVersionConflict is returned by a conditional update whose expected
	// version no longer matches the stored document.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrUnavailable covers store and network failures. Callers may retry the
	// whole operation.
	ErrUnavailable = errors.New("account store unavailable")

	ErrDuplicateSession = errors.New("session id already present")
	ErrLedgerCorrupt    = errors.New("slot ledger violates free slot conservation")
	ErrNoSessionToEvict = errors.New("no session available for eviction")

	ErrInvalidTransition   = errors.New("invalid session lifecycle transition")
	ErrOperationInProgress = errors.New("another session operation is in progress")
	ErrNoPendingEviction   = errors.New("no eviction awaiting confirmation")
	ErrForbidden           = errors.New("access forbidden")
)
