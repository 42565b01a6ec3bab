package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
)

// ---------------------------------------------------------------------------
// In-memory stub account store with compare-and-swap and a change feed
// ---------------------------------------------------------------------------

type stubAccountStore struct {
	mu     sync.Mutex
	byID   map[string]*domain.Account
	byName map[string]string
	subs   map[string][]*stubSubscription

	// beforeUpdate runs once, outside the lock, before the next ApplyUpdate
	// checks its version. Tests use it to interleave a competing write.
	beforeUpdate func()
	// conflicts makes the next N ApplyUpdate calls fail with a version conflict.
	conflicts int
	updateErr error
	// lostReply makes the next successful ApplyUpdate commit and then
	// report this error, as if the reply never reached the caller.
	lostReply error
	fetchErr  error
	updates   int
}

func newStubAccountStore() *stubAccountStore {
	return &stubAccountStore{
		byID:   make(map[string]*domain.Account),
		byName: make(map[string]string),
		subs:   make(map[string][]*stubSubscription),
	}
}

func (s *stubAccountStore) FindByID(_ context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	a, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *stubAccountStore) FindByName(ctx context.Context, name string) (*domain.Account, error) {
	s.mu.Lock()
	id, ok := s.byName[name]
	fetchErr := s.fetchErr
	s.mu.Unlock()
	if fetchErr != nil {
		return nil, fetchErr
	}
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *stubAccountStore) Create(_ context.Context, a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[a.Name]; taken {
		return domain.ErrAccountNameTaken
	}
	s.byID[a.ID] = a.Clone()
	s.byName[a.Name] = a.ID
	return nil
}

func (s *stubAccountStore) ApplyUpdate(_ context.Context, id string, expected int64, freeSlots int, sessions []domain.Session) (int64, error) {
	s.mu.Lock()
	hook := s.beforeUpdate
	s.beforeUpdate = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return 0, s.updateErr
	}
	a, ok := s.byID[id]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	if s.conflicts > 0 {
		s.conflicts--
		a.Version++
		return 0, domain.ErrVersionConflict
	}
	if a.Version != expected {
		return 0, domain.ErrVersionConflict
	}
	a.FreeSlots = freeSlots
	a.Sessions = domain.CloneSessions(sessions)
	a.Version++
	s.updates++
	s.publishLocked(a)
	if err := s.lostReply; err != nil {
		s.lostReply = nil
		return 0, err
	}
	return a.Version, nil
}

func (s *stubAccountStore) Subscribe(_ context.Context, accountID string) (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &stubSubscription{store: s, accountID: accountID, ch: make(chan domain.Account, 16)}
	s.subs[accountID] = append(s.subs[accountID], sub)
	return sub, nil
}

func (s *stubAccountStore) publishLocked(a *domain.Account) {
	for _, sub := range s.subs[a.ID] {
		select {
		case sub.ch <- *a.Clone():
		default:
		}
	}
}

// snapshot returns the stored account without going through error hooks.
func (s *stubAccountStore) snapshot(t *testing.T, id string) *domain.Account {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		t.Fatalf("account %s not found", id)
	}
	return a.Clone()
}

func (s *stubAccountStore) subscriberCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[accountID])
}

type stubSubscription struct {
	store     *stubAccountStore
	accountID string
	ch        chan domain.Account
	once      sync.Once
}

func (s *stubSubscription) Updates() <-chan domain.Account { return s.ch }

func (s *stubSubscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		subs := s.store.subs[s.accountID]
		for i, sub := range subs {
			if sub == s {
				s.store.subs[s.accountID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var errStoreDown = errors.New("connection refused")

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func newTestSessionService(store ports.AccountStore, capacity int) *SessionService {
	return NewSessionService(
		store,
		NewCredentialVerifier(bcrypt.MinCost),
		capacity,
		zerolog.Nop(),
		WithClock(clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		WithIDGenerator(sequentialIDs("S")),
	)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sessionIDs(sessions []domain.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

func assertSlots(t *testing.T, a *domain.Account, free int, ids ...string) {
	t.Helper()
	if a.FreeSlots+len(a.Sessions) != a.Capacity {
		t.Fatalf("slot conservation broken: free=%d sessions=%d capacity=%d", a.FreeSlots, len(a.Sessions), a.Capacity)
	}
	if a.FreeSlots != free {
		t.Fatalf("expected free slots %d, got %d", free, a.FreeSlots)
	}
	got := sessionIDs(a.Sessions)
	if fmt.Sprint(got) != fmt.Sprint(append([]string{}, ids...)) {
		t.Fatalf("expected sessions %v, got %v", ids, got)
	}
}
