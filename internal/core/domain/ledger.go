package domain

import "fmt"

// DecisionKind identifies the result of a ledger algorithm.
type DecisionKind string

const (
	DecisionAdmitted       DecisionKind = "admitted"
	DecisionSlotsExhausted DecisionKind = "slots_exhausted"
	DecisionEvicted        DecisionKind = "evicted"
)

// Ledger is an immutable view of an account's slot accounting. It is derived
// from a fetched Account and never cached; every method returns a new Ledger.
//
// Invariant: FreeSlots() + len(Sessions()) == Capacity().
type Ledger struct {
	capacity  int
	freeSlots int
	sessions  []Session
}

// Decision is what Admit and Evict hand back to the caller.
type Decision struct {
	Kind DecisionKind
	// Next is the state to persist. Zero for DecisionSlotsExhausted.
	Next Ledger
	// Session is the candidate that was (or would be) admitted.
	Session Session
	// Oldest is the head of the session list when slots are exhausted.
	Oldest Session
	// EvictedID is set for DecisionEvicted.
	EvictedID string
}

// NewLedger derives a ledger from an account snapshot and rejects snapshots
// that already break slot conservation or session uniqueness.
func NewLedger(a *Account) (Ledger, error) {
	l := Ledger{capacity: a.Capacity, freeSlots: a.FreeSlots, sessions: CloneSessions(a.Sessions)}
	if err := l.validate(); err != nil {
		return Ledger{}, fmt.Errorf("account %s: %w", a.ID, err)
	}
	return l, nil
}

// NewEmptyLedger is the ledger of a freshly registered account.
func NewEmptyLedger(capacity int) Ledger {
	return Ledger{capacity: capacity, freeSlots: capacity, sessions: []Session{}}
}

func (l Ledger) Capacity() int  { return l.capacity }
func (l Ledger) FreeSlots() int { return l.freeSlots }

// Sessions returns a copy of the ordered session list, oldest first.
func (l Ledger) Sessions() []Session { return CloneSessions(l.sessions) }

// Contains reports whether a session id is present.
func (l Ledger) Contains(sessionID string) bool {
	return l.indexOf(sessionID) >= 0
}

// Admit performs direct admission when a slot is free. With no free slot it
// reports the oldest session and leaves the ledger untouched; eviction needs
// an explicit Evict call.
func (l Ledger) Admit(candidate Session) (Decision, error) {
	if l.Contains(candidate.ID) {
		return Decision{}, ErrDuplicateSession
	}
	if l.freeSlots > 0 {
		next := Ledger{
			capacity:  l.capacity,
			freeSlots: l.freeSlots - 1,
			sessions:  append(CloneSessions(l.sessions), candidate),
		}
		return Decision{Kind: DecisionAdmitted, Next: next, Session: candidate}, nil
	}
	if len(l.sessions) == 0 {
		return Decision{}, ErrNoSessionToEvict
	}
	return Decision{Kind: DecisionSlotsExhausted, Session: candidate, Oldest: l.sessions[0]}, nil
}

// Evict removes the oldest session and appends the candidate. FreeSlots does
// not change: one session leaves, one arrives.
func (l Ledger) Evict(candidate Session) (Decision, error) {
	if l.Contains(candidate.ID) {
		return Decision{}, ErrDuplicateSession
	}
	if len(l.sessions) == 0 {
		return Decision{}, ErrNoSessionToEvict
	}
	oldest := l.sessions[0]
	sessions := make([]Session, 0, len(l.sessions))
	sessions = append(sessions, l.sessions[1:]...)
	sessions = append(sessions, candidate)

	next := Ledger{capacity: l.capacity, freeSlots: l.freeSlots, sessions: sessions}
	return Decision{
		Kind:      DecisionEvicted,
		Next:      next,
		Session:   candidate,
		Oldest:    oldest,
		EvictedID: oldest.ID,
	}, nil
}

// Release removes sessionID and frees its slot. An absent id is a no-op and
// reports false; it must never grow FreeSlots.
func (l Ledger) Release(sessionID string) (Ledger, bool) {
	idx := l.indexOf(sessionID)
	if idx < 0 {
		return l, false
	}
	sessions := make([]Session, 0, len(l.sessions)-1)
	sessions = append(sessions, l.sessions[:idx]...)
	sessions = append(sessions, l.sessions[idx+1:]...)
	return Ledger{capacity: l.capacity, freeSlots: l.freeSlots + 1, sessions: sessions}, true
}

func (l Ledger) indexOf(sessionID string) int {
	for i, s := range l.sessions {
		if s.ID == sessionID {
			return i
		}
	}
	return -1
}

func (l Ledger) validate() error {
	if l.capacity < 0 || l.freeSlots < 0 || l.freeSlots > l.capacity {
		return fmt.Errorf("%w: capacity=%d free=%d", ErrLedgerCorrupt, l.capacity, l.freeSlots)
	}
	if l.freeSlots+len(l.sessions) != l.capacity {
		return fmt.Errorf("%w: capacity=%d free=%d sessions=%d", ErrLedgerCorrupt, l.capacity, l.freeSlots, len(l.sessions))
	}
	seen := make(map[string]struct{}, len(l.sessions))
	for _, s := range l.sessions {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}
