package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokeroster/presence/internal/core/domain"
)

func TestDispatcher_PreservesPerAccountOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string][]int64{}
	var wg sync.WaitGroup
	wg.Add(200)

	d := NewDispatcher(4, func(del Delivery) {
		mu.Lock()
		seen[del.AccountID] = append(seen[del.AccountID], del.Snapshot.Version)
		mu.Unlock()
		wg.Done()
	}, zerolog.Nop())
	d.Start(ctx)

	for v := int64(1); v <= 100; v++ {
		d.Enqueue(Delivery{AccountID: "ash", Snapshot: domain.Account{ID: "ash", Version: v}})
		d.Enqueue(Delivery{AccountID: "misty", Snapshot: domain.Account{ID: "misty", Version: v}})
	}

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for account, versions := range seen {
		require.Len(t, versions, 100, account)
		for i := 1; i < len(versions); i++ {
			assert.Less(t, versions[i-1], versions[i], "%s delivered out of order", account)
		}
	}
}

func TestDispatcher_ShardIndexIsStable(t *testing.T) {
	d := NewDispatcher(0, func(Delivery) {}, zerolog.Nop())

	assert.Len(t, d.workers, defaultWorkers)
	assert.Equal(t, d.shardIndex("account-1"), d.shardIndex("account-1"))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		idx := d.shardIndex(id)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, defaultWorkers)
	}
}

func TestDispatcher_EnqueueAfterStopDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(1, func(Delivery) {}, zerolog.Nop())
	d.Start(ctx)
	cancel()

	done := make(chan int)
	go func() {
		accepted := 0
		for v := int64(1); v <= channelBuffer*2; v++ {
			if d.Enqueue(Delivery{AccountID: "ash", Snapshot: domain.Account{ID: "ash", Version: v}}) {
				accepted++
			}
		}
		done <- accepted
	}()

	select {
	case accepted := <-done:
		assert.Zero(t, accepted)
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked after the dispatcher stopped")
	}
}
