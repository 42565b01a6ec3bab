package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokeroster/presence/internal/core/domain"
)

func receive(t *testing.T, m *Mailbox) domain.Account {
	t.Helper()
	select {
	case a, ok := <-m.Updates():
		require.True(t, ok, "updates channel closed")
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return domain.Account{}
	}
}

// receiveUntil drains snapshots until version is reached, checking that
// versions never go backwards on the way.
func receiveUntil(t *testing.T, m *Mailbox, version int64) domain.Account {
	t.Helper()
	last := int64(-1)
	for {
		a := receive(t, m)
		require.GreaterOrEqual(t, a.Version, last)
		last = a.Version
		if a.Version >= version {
			return a
		}
	}
}

func TestMailbox_DeliversLatestSnapshot(t *testing.T) {
	m := NewMailbox(nil)
	defer m.Close()

	assert.True(t, m.Offer(domain.Account{ID: "a", Version: 1}))
	assert.Equal(t, int64(1), receive(t, m).Version)

	// Undelivered snapshots coalesce; the newest one always arrives.
	m.Offer(domain.Account{ID: "a", Version: 2})
	m.Offer(domain.Account{ID: "a", Version: 3})
	assert.Equal(t, int64(3), receiveUntil(t, m, 3).Version)
}

func TestMailbox_DropsStaleSnapshots(t *testing.T) {
	m := NewMailbox(nil)
	defer m.Close()

	require.True(t, m.Offer(domain.Account{Version: 5}))
	assert.False(t, m.Offer(domain.Account{Version: 4}))
	assert.True(t, m.Offer(domain.Account{Version: 5}), "equal versions are redelivered")
	assert.Equal(t, int64(5), receive(t, m).Version)
}

func TestMailbox_OfferNeverBlocks(t *testing.T) {
	m := NewMailbox(nil)
	defer m.Close()

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 1000; i++ {
			m.Offer(domain.Account{Version: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Offer blocked without a reader")
	}
	assert.Equal(t, int64(999), receiveUntil(t, m, 999).Version)
}

func TestMailbox_CloseIsIdempotent(t *testing.T) {
	closes := 0
	m := NewMailbox(func() { closes++ })

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, closes)

	_, ok := <-m.Updates()
	assert.False(t, ok, "updates channel must be closed")
	assert.False(t, m.Offer(domain.Account{Version: 1}))
}

func TestMailbox_SnapshotsAreCopies(t *testing.T) {
	m := NewMailbox(nil)
	defer m.Close()

	a := domain.Account{Version: 1, Sessions: []domain.Session{{ID: "S1"}}}
	m.Offer(a)
	a.Sessions[0].ID = "mutated"

	assert.Equal(t, "S1", receive(t, m).Sessions[0].ID)
}
