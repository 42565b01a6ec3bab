package domain

import "time"

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// DefaultCapacity is the number of concurrent sessions a new account receives.
const DefaultCapacity = 1

// Session is one admitted login on one device.
type Session struct {
	ID          string    `json:"session_id" bson:"session_id"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	DeviceLabel string    `json:"device_label,omitempty" bson:"device_label,omitempty"`
}

// Account is the remote document that carries credentials and slot accounting.
// Version increases by one on every successful conditional update.
type Account struct {
	ID             string    `json:"id" bson:"_id"`
	Name           string    `json:"name" bson:"name"`
	Role           string    `json:"role" bson:"role"`
	CredentialHash string    `json:"-" bson:"credential_hash"`
	CredentialSalt string    `json:"-" bson:"credential_salt"`
	Capacity       int       `json:"capacity" bson:"capacity"`
	FreeSlots      int       `json:"free_slots" bson:"free_slots"`
	Sessions       []Session `json:"sessions" bson:"sessions"`
	Version        int64     `json:"version" bson:"version"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// HasSession reports whether sessionID is present in the account's session list.
func (a *Account) HasSession(sessionID string) bool {
	for _, s := range a.Sessions {
		if s.ID == sessionID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Sessions = CloneSessions(a.Sessions)
	return &c
}

// CloneSessions copies a session slice; a nil input yields an empty, non-nil slice.
func CloneSessions(in []Session) []Session {
	out := make([]Session, len(in))
	copy(out, in)
	return out
}
