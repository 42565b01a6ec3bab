package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/infrastructure/metrics"
)

// PresenceWatcher detects self-eviction: a device learns it lost its slot
// only by seeing its session id disappear from a pushed account snapshot.
type PresenceWatcher struct {
	feed ports.ChangeFeed
	log  zerolog.Logger
}

func NewPresenceWatcher(feed ports.ChangeFeed, log zerolog.Logger) *PresenceWatcher {
	return &PresenceWatcher{feed: feed, log: log}
}

// Watch is one running presence subscription.
type Watch struct {
	sub       ports.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	evicted   atomic.Bool
	closeOnce sync.Once
}

// Watch subscribes to accountID and calls onEvicted exactly once when a
// snapshot at or after minVersion no longer lists sessionID. Snapshots older
// than minVersion predate the admission and are ignored. The subscription is
// torn down after the eviction fires, when ctx ends, or on Stop.
func (w *PresenceWatcher) Watch(ctx context.Context, accountID, sessionID string, minVersion int64, onEvicted func()) (*Watch, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := w.feed.Subscribe(ctx, accountID)
	if err != nil {
		cancel()
		return nil, unavailable("watch", err)
	}

	watch := &Watch{sub: sub, cancel: cancel, done: make(chan struct{})}
	metrics.ActiveWatchers.Inc()

	go func() {
		defer close(watch.done)
		defer metrics.ActiveWatchers.Dec()
		defer watch.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case account, ok := <-sub.Updates():
				if !ok {
					return
				}
				if account.Version < minVersion || account.HasSession(sessionID) {
					continue
				}
				if watch.evicted.CompareAndSwap(false, true) {
					metrics.SelfEvictionsTotal.Inc()
					w.log.Info().
						Str("account_id", accountID).
						Str("session_id", sessionID).
						Int64("version", account.Version).
						Msg("session evicted by another device")
					onEvicted()
				}
				return
			}
		}
	}()

	return watch, nil
}

// Stop cancels the subscription. Safe to call more than once and from the
// eviction callback.
func (w *Watch) Stop() {
	w.closeOnce.Do(func() {
		w.cancel()
		_ = w.sub.Close()
	})
}

// Done is closed once the watch goroutine has exited.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Evicted reports whether the eviction callback has fired.
func (w *Watch) Evicted() bool { return w.evicted.Load() }
