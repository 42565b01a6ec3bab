package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/infrastructure/feed"
	"github.com/pokeroster/presence/internal/infrastructure/metrics"
)

const driverName = "redis"

// ChangeFeed subscribes to the per-account channel written by AccountStore.
type ChangeFeed struct {
	store *AccountStore
	log   zerolog.Logger
}

func NewChangeFeed(store *AccountStore, log zerolog.Logger) *ChangeFeed {
	return &ChangeFeed{store: store, log: log}
}

// Subscribe waits for the subscription to be confirmed before reading the
// current record, so a write between the two is still delivered.
func (f *ChangeFeed) Subscribe(ctx context.Context, accountID string) (ports.Subscription, error) {
	pubsub := f.store.client.Subscribe(ctx, changesPrefix+accountID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe account %s: %w", accountID, err)
	}

	mb := feed.NewMailbox(func() { _ = pubsub.Close() })

	current, err := f.store.FindByID(ctx, accountID)
	switch {
	case err == nil:
		mb.Offer(*current)
	case errors.Is(err, domain.ErrAccountNotFound):
	default:
		_ = mb.Close()
		return nil, err
	}

	go f.pump(accountID, pubsub, mb)
	return mb, nil
}

func (f *ChangeFeed) pump(accountID string, pubsub *redis.PubSub, mb *feed.Mailbox) {
	defer mb.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-mb.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a, err := decodeAccount(msg.Payload)
			if err != nil {
				f.log.Warn().Err(err).Str("account_id", accountID).Msg("undecodable account change")
				continue
			}
			if mb.Offer(*a) {
				metrics.FeedDeliveriesTotal.WithLabelValues(driverName).Inc()
			}
		}
	}
}
