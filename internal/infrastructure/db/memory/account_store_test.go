package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokeroster/presence/internal/core/domain"
)

func newStore(t *testing.T) *AccountStore {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewAccountStore(ctx, 2, zerolog.Nop())
}

func seed(t *testing.T, s *AccountStore, name string) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		ID:        name + "-id",
		Name:      name,
		Role:      domain.RoleUser,
		Capacity:  1,
		FreeSlots: 1,
		Sessions:  []domain.Session{},
	}
	require.NoError(t, s.Create(context.Background(), acc))
	return acc
}

func next(t *testing.T, ch <-chan domain.Account) domain.Account {
	t.Helper()
	select {
	case a, ok := <-ch:
		require.True(t, ok, "updates channel closed")
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return domain.Account{}
	}
}

func TestAccountStore_CreateAndFind(t *testing.T) {
	s := newStore(t)
	acc := seed(t, s, "ash")

	byName, err := s.FindByName(context.Background(), "ash")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, byName.ID)

	byID, err := s.FindByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "ash", byID.Name)

	_, err = s.FindByName(context.Background(), "misty")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	err = s.Create(context.Background(), &domain.Account{ID: "other", Name: "ash"})
	assert.ErrorIs(t, err, domain.ErrAccountNameTaken)
}

func TestAccountStore_ReturnsCopies(t *testing.T) {
	s := newStore(t)
	acc := seed(t, s, "ash")

	got, err := s.FindByID(context.Background(), acc.ID)
	require.NoError(t, err)
	got.Sessions = append(got.Sessions, domain.Session{ID: "S1"})
	got.FreeSlots = 0

	again, err := s.FindByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Sessions)
	assert.Equal(t, 1, again.FreeSlots)
}

func TestAccountStore_ApplyUpdateCompareAndSwap(t *testing.T) {
	s := newStore(t)
	acc := seed(t, s, "ash")
	sessions := []domain.Session{{ID: "S1"}}

	version, err := s.ApplyUpdate(context.Background(), acc.ID, 0, 0, sessions)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	_, err = s.ApplyUpdate(context.Background(), acc.ID, 0, 1, nil)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	_, err = s.ApplyUpdate(context.Background(), "missing", 0, 1, nil)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	stored, err := s.FindByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 0, stored.FreeSlots)
	require.Len(t, stored.Sessions, 1)
	assert.Equal(t, "S1", stored.Sessions[0].ID)
}

func TestAccountStore_SubscribeDeliversCurrentThenChanges(t *testing.T) {
	s := newStore(t)
	acc := seed(t, s, "ash")

	sub, err := s.Subscribe(context.Background(), acc.ID)
	require.NoError(t, err)
	defer sub.Close()

	first := next(t, sub.Updates())
	assert.Equal(t, int64(0), first.Version)

	_, err = s.ApplyUpdate(context.Background(), acc.ID, 0, 0, []domain.Session{{ID: "S1"}})
	require.NoError(t, err)

	for {
		a := next(t, sub.Updates())
		if a.Version == 1 {
			require.Len(t, a.Sessions, 1)
			assert.Equal(t, "S1", a.Sessions[0].ID)
			break
		}
		assert.Equal(t, int64(0), a.Version)
	}
}

func TestAccountStore_SubscriptionsAreScopedToAccount(t *testing.T) {
	s := newStore(t)
	ash := seed(t, s, "ash")
	misty := seed(t, s, "misty")

	sub, err := s.Subscribe(context.Background(), ash.ID)
	require.NoError(t, err)
	defer sub.Close()
	_ = next(t, sub.Updates())

	_, err = s.ApplyUpdate(context.Background(), misty.ID, 0, 0, []domain.Session{{ID: "M1"}})
	require.NoError(t, err)
	_, err = s.ApplyUpdate(context.Background(), ash.ID, 0, 0, []domain.Session{{ID: "A1"}})
	require.NoError(t, err)

	a := next(t, sub.Updates())
	assert.Equal(t, ash.ID, a.ID)
	assert.Equal(t, int64(1), a.Version)
}

func TestAccountStore_CloseUnsubscribes(t *testing.T) {
	s := newStore(t)
	acc := seed(t, s, "ash")

	sub, err := s.Subscribe(context.Background(), acc.ID)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	s.subsMu.Lock()
	_, present := s.subs[acc.ID]
	s.subsMu.Unlock()
	assert.False(t, present)

	_, err = s.ApplyUpdate(context.Background(), acc.ID, 0, 0, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestAccountStore_WritesAfterShutdownDoNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAccountStore(ctx, 1, zerolog.Nop())
	acc := seed(t, s, "ash")
	cancel()

	done := make(chan error, 1)
	go func() {
		version := acc.Version
		for i := 0; i < 600; i++ {
			v, err := s.ApplyUpdate(context.Background(), acc.ID, version, 1, nil)
			if err != nil {
				done <- err
				return
			}
			version = v
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ApplyUpdate blocked after the store context ended")
	}

	stored, err := s.FindByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), stored.Version)
}
