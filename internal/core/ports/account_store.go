package ports

import (
	"context"

	"github.com/pokeroster/presence/internal/core/domain"
)

// AccountStore is the remote account document store.
type AccountStore interface {
	// FindByID returns domain.ErrAccountNotFound when the document is missing.
	FindByID(ctx context.Context, id string) (*domain.Account, error)
	FindByName(ctx context.Context, name string) (*domain.Account, error)
	// Create inserts a new account. It returns domain.ErrAccountNameTaken when
	// the name is already registered.
	Create(ctx context.Context, account *domain.Account) error
	// ApplyUpdate replaces free slots and sessions only if the stored version
	// still equals expectedVersion, and returns the new version. A mismatch
	// yields domain.ErrVersionConflict; nothing is written in that case.
	ApplyUpdate(ctx context.Context, id string, expectedVersion int64, freeSlots int, sessions []domain.Session) (int64, error)
}

// Subscription is a live stream of account snapshots in store delivery order.
// Snapshots may repeat or coalesce but never go backwards in version.
type Subscription interface {
	// Updates is closed when the subscription ends.
	Updates() <-chan domain.Account
	// Close ends the subscription. Safe to call more than once.
	Close() error
}

// ChangeFeed pushes the latest account document after every remote write.
type ChangeFeed interface {
	Subscribe(ctx context.Context, accountID string) (Subscription, error)
}

// Pinger is implemented by stores that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}
