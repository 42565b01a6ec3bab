// Package memory is a single-process AccountStore and ChangeFeed. Every
// device served by the process shares it, which is enough for local
// development and demos; multi-node deployments use the mongo or redis
// drivers.
package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/infrastructure/feed"
	"github.com/pokeroster/presence/internal/infrastructure/metrics"
	"github.com/pokeroster/presence/internal/infrastructure/queue"
)

const driverName = "memory"

// AccountStore keeps accounts in a map and fans writes out through a sharded
// dispatcher so slow subscribers never hold up writers.
type AccountStore struct {
	mu     sync.Mutex
	byID   map[string]*domain.Account
	byName map[string]string

	subsMu sync.Mutex
	subs   map[string]map[*feed.Mailbox]struct{}

	dispatcher *queue.Dispatcher
	log        zerolog.Logger
}

// NewAccountStore starts the delivery workers; they stop when ctx ends.
func NewAccountStore(ctx context.Context, workers int, log zerolog.Logger) *AccountStore {
	s := &AccountStore{
		byID:   make(map[string]*domain.Account),
		byName: make(map[string]string),
		subs:   make(map[string]map[*feed.Mailbox]struct{}),
		log:    log,
	}
	s.dispatcher = queue.NewDispatcher(workers, s.deliver, log)
	s.dispatcher.Start(ctx)
	return s
}

func (s *AccountStore) FindByID(_ context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *AccountStore) FindByName(_ context.Context, name string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *AccountStore) Create(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[account.Name]; taken {
		return domain.ErrAccountNameTaken
	}
	stored := account.Clone()
	s.byID[stored.ID] = stored
	s.byName[stored.Name] = stored.ID
	s.enqueue(stored)
	return nil
}

func (s *AccountStore) ApplyUpdate(_ context.Context, id string, expectedVersion int64, freeSlots int, sessions []domain.Session) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	if a.Version != expectedVersion {
		return 0, domain.ErrVersionConflict
	}
	a.FreeSlots = freeSlots
	a.Sessions = domain.CloneSessions(sessions)
	a.Version++

	// Enqueued under the lock so deliveries follow write order.
	s.enqueue(a)
	return a.Version, nil
}

// enqueue never blocks once the store's context has ended; writes still
// succeed but nobody is listening any more.
func (s *AccountStore) enqueue(a *domain.Account) {
	if !s.dispatcher.Enqueue(queue.Delivery{AccountID: a.ID, Snapshot: *a.Clone()}) {
		s.log.Debug().Str("account_id", a.ID).Int64("version", a.Version).Msg("change feed stopped, snapshot dropped")
	}
}

// Subscribe delivers the current document first, then every later write.
func (s *AccountStore) Subscribe(_ context.Context, accountID string) (ports.Subscription, error) {
	var mb *feed.Mailbox
	mb = feed.NewMailbox(func() { s.unsubscribe(accountID, mb) })

	s.subsMu.Lock()
	if s.subs[accountID] == nil {
		s.subs[accountID] = make(map[*feed.Mailbox]struct{})
	}
	s.subs[accountID][mb] = struct{}{}
	s.subsMu.Unlock()

	if current, err := s.FindByID(context.Background(), accountID); err == nil {
		mb.Offer(*current)
	}
	return mb, nil
}

func (s *AccountStore) Ping(context.Context) error { return nil }

func (s *AccountStore) unsubscribe(accountID string, mb *feed.Mailbox) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs[accountID], mb)
	if len(s.subs[accountID]) == 0 {
		delete(s.subs, accountID)
	}
}

func (s *AccountStore) deliver(d queue.Delivery) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for mb := range s.subs[d.AccountID] {
		if mb.Offer(d.Snapshot) {
			metrics.FeedDeliveriesTotal.WithLabelValues(driverName).Inc()
		}
	}
}
