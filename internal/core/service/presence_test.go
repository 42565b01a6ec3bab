package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
)

// manualFeed hands out one subscription whose pushes are driven by the test.
type manualFeed struct {
	mu  sync.Mutex
	sub *manualSubscription
	err error
}

func (f *manualFeed) Subscribe(_ context.Context, _ string) (ports.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = &manualSubscription{ch: make(chan domain.Account, 8)}
	return f.sub, nil
}

func (f *manualFeed) push(a domain.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub.mu.Lock()
	defer f.sub.mu.Unlock()
	if !f.sub.closed {
		f.sub.ch <- a
	}
}

type manualSubscription struct {
	mu     sync.Mutex
	ch     chan domain.Account
	closed bool
	closes int
}

func (s *manualSubscription) Updates() <-chan domain.Account { return s.ch }

func (s *manualSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *manualSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func accountWith(version int64, ids ...string) domain.Account {
	a := domain.Account{ID: "acc", Capacity: len(ids), Version: version}
	for _, id := range ids {
		a.Sessions = append(a.Sessions, domain.Session{ID: id})
	}
	return a
}

func TestPresenceWatcher_EmitsSelfEvictedExactlyOnce(t *testing.T) {
	feed := &manualFeed{}
	w := NewPresenceWatcher(feed, zerolog.Nop())

	var fired atomic.Int32
	watch, err := w.Watch(context.Background(), "acc", "S1", 1, func() { fired.Add(1) })
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}

	feed.push(accountWith(1, "S1"))
	feed.push(accountWith(2, "S2"))
	<-watch.Done()
	feed.push(accountWith(3, "S3"))

	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly one self-eviction, got %d", got)
	}
	if !watch.Evicted() {
		t.Fatalf("expected watch to report eviction")
	}
	if !feed.sub.isClosed() {
		t.Fatalf("expected subscription to be closed after eviction")
	}
}

func TestPresenceWatcher_IgnoresSnapshotsOlderThanAdmission(t *testing.T) {
	feed := &manualFeed{}
	w := NewPresenceWatcher(feed, zerolog.Nop())

	var fired atomic.Int32
	watch, err := w.Watch(context.Background(), "acc", "S2", 5, func() { fired.Add(1) })
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}

	// A stale pre-admission snapshot without S2 is not an eviction.
	feed.push(accountWith(4, "S1"))
	feed.push(accountWith(5, "S2"))
	watch.Stop()
	<-watch.Done()

	if fired.Load() != 0 {
		t.Fatalf("stale snapshot must not trigger self-eviction")
	}
}

func TestPresenceWatcher_StopIsIdempotent(t *testing.T) {
	feed := &manualFeed{}
	w := NewPresenceWatcher(feed, zerolog.Nop())

	watch, err := w.Watch(context.Background(), "acc", "S1", 0, func() {
		t.Errorf("unexpected eviction")
	})
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}

	watch.Stop()
	watch.Stop()
	<-watch.Done()
	watch.Stop()

	if feed.sub.closes != 1 {
		t.Fatalf("expected a single Close on the subscription, got %d", feed.sub.closes)
	}
}

func TestPresenceWatcher_ContextCancelEndsWatch(t *testing.T) {
	feed := &manualFeed{}
	w := NewPresenceWatcher(feed, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	watch, err := w.Watch(ctx, "acc", "S1", 0, func() {})
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	cancel()
	<-watch.Done()

	if !feed.sub.isClosed() {
		t.Fatalf("expected subscription closed after cancel")
	}
}

func TestPresenceWatcher_SubscribeFailure(t *testing.T) {
	w := NewPresenceWatcher(&manualFeed{err: errStoreDown}, zerolog.Nop())

	if _, err := w.Watch(context.Background(), "acc", "S1", 0, func() {}); err == nil {
		t.Fatalf("expected error when subscribe fails")
	}
}
