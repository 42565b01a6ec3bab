package queue

import (
	"context"
	"hash/fnv"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/infrastructure/metrics"
)

const (
	defaultWorkers = 8
	channelBuffer  = 256
)

// Delivery is one account snapshot to fan out to that account's subscribers.
type Delivery struct {
	AccountID string
	Snapshot  domain.Account
}

// DeliverFunc hands a snapshot to subscribers. It must not block.
type DeliverFunc func(d Delivery)

// Dispatcher routes snapshot deliveries to a fixed set of workers using
// consistent hashing on the account id, guaranteeing per-account ordering.
type Dispatcher struct {
	workers []chan Delivery
	deliver DeliverFunc
	log     zerolog.Logger
	done    <-chan struct{}
}

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used.
func NewDispatcher(numWorkers int, deliver DeliverFunc, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher{
		workers: make([]chan Delivery, numWorkers),
		deliver: deliver,
		log:     log,
	}
	for i := range d.workers {
		d.workers[i] = make(chan Delivery, channelBuffer)
	}
	return d
}

// Start launches all worker goroutines. Workers stop when ctx is cancelled,
// after which Enqueue drops deliveries instead of waiting on a full channel.
// Start must be called before the first Enqueue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.done = ctx.Done()
	for i, ch := range d.workers {
		go d.runWorker(ctx, i, ch)
	}
}

// Enqueue sends a delivery to the worker responsible for its account.
// The call is non-blocking up to channelBuffer capacity. It reports false
// when the dispatcher has stopped and the delivery was dropped.
func (d *Dispatcher) Enqueue(delivery Delivery) bool {
	idx := d.shardIndex(delivery.AccountID)
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.workers[idx] <- delivery:
	case <-d.done:
		return false
	}
	metrics.FeedQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(d.workers[idx])))
	return true
}

// shardIndex maps an account id deterministically to a worker index.
func (d *Dispatcher) shardIndex(accountID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, ch <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-ch:
			if !ok {
				return
			}
			d.deliver(delivery)
			d.log.Trace().
				Str("account_id", delivery.AccountID).
				Int64("version", delivery.Snapshot.Version).
				Int("worker_id", id).
				Msg("snapshot delivered")
		}
	}
}
