package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/infrastructure/feed"
	"github.com/pokeroster/presence/internal/infrastructure/metrics"
)

const driverName = "mongo"

// ChangeFeed turns a change stream on the accounts collection into account
// snapshots. Change streams need a replica set.
type ChangeFeed struct {
	repo *AccountRepository
	log  zerolog.Logger
}

func NewChangeFeed(repo *AccountRepository, log zerolog.Logger) *ChangeFeed {
	return &ChangeFeed{repo: repo, log: log}
}

type changeEvent struct {
	FullDocument *domain.Account `bson:"fullDocument"`
}

// Subscribe opens the stream before reading the current document so that no
// write between the two is lost.
func (f *ChangeFeed) Subscribe(ctx context.Context, accountID string) (ports.Subscription, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"documentKey._id": accountID,
			"operationType":   bson.M{"$in": bson.A{"insert", "update", "replace"}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := f.repo.col.Watch(streamCtx, pipeline, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch account %s: %w", accountID, err)
	}

	mb := feed.NewMailbox(cancel)

	current, err := f.repo.FindByID(ctx, accountID)
	switch {
	case err == nil:
		mb.Offer(*current)
	case errors.Is(err, domain.ErrAccountNotFound):
	default:
		_ = mb.Close()
		_ = stream.Close(context.Background())
		return nil, err
	}

	go f.pump(streamCtx, accountID, stream, mb)
	return mb, nil
}

func (f *ChangeFeed) pump(ctx context.Context, accountID string, stream *mongo.ChangeStream, mb *feed.Mailbox) {
	defer func() {
		_ = stream.Close(context.Background())
		_ = mb.Close()
	}()

	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			f.log.Warn().Err(err).Str("account_id", accountID).Msg("undecodable change event")
			continue
		}
		if ev.FullDocument == nil {
			continue
		}
		if mb.Offer(*ev.FullDocument) {
			metrics.FeedDeliveriesTotal.WithLabelValues(driverName).Inc()
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		f.log.Error().Err(err).Str("account_id", accountID).Msg("change stream ended")
	}
}
