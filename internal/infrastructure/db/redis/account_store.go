package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pokeroster/presence/internal/core/domain"
)

// Key layout:
//
//	account:<id>             JSON account record
//	account:name:<name>      account id, claimed with SETNX
//	account:changes:<id>     pub/sub channel carrying the record after each write
const (
	accountKeyPrefix = "account:"
	nameKeyPrefix    = "account:name:"
	changesPrefix    = "account:changes:"
)

// record mirrors domain.Account including the credential fields, which the
// domain type hides from JSON.
type record struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Role           string           `json:"role"`
	CredentialHash string           `json:"credential_hash"`
	CredentialSalt string           `json:"credential_salt"`
	Capacity       int              `json:"capacity"`
	FreeSlots      int              `json:"free_slots"`
	Sessions       []domain.Session `json:"sessions"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
}

func toRecord(a *domain.Account) record {
	return record{
		ID:             a.ID,
		Name:           a.Name,
		Role:           a.Role,
		CredentialHash: a.CredentialHash,
		CredentialSalt: a.CredentialSalt,
		Capacity:       a.Capacity,
		FreeSlots:      a.FreeSlots,
		Sessions:       domain.CloneSessions(a.Sessions),
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
	}
}

func (r record) account() *domain.Account {
	return &domain.Account{
		ID:             r.ID,
		Name:           r.Name,
		Role:           r.Role,
		CredentialHash: r.CredentialHash,
		CredentialSalt: r.CredentialSalt,
		Capacity:       r.Capacity,
		FreeSlots:      r.FreeSlots,
		Sessions:       domain.CloneSessions(r.Sessions),
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
	}
}

func decodeAccount(raw string) (*domain.Account, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return rec.account(), nil
}

// AccountStore keeps accounts as JSON strings and publishes every write on a
// per-account channel inside the same transaction.
type AccountStore struct {
	client *redis.Client
}

func NewAccountStore(client *redis.Client) *AccountStore {
	return &AccountStore{client: client}
}

func (s *AccountStore) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	raw, err := s.client.Get(ctx, accountKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return decodeAccount(raw)
}

func (s *AccountStore) FindByName(ctx context.Context, name string) (*domain.Account, error) {
	id, err := s.client.Get(ctx, nameKeyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account name: %w", err)
	}
	return s.FindByID(ctx, id)
}

// Create claims the name first; a lost claim means the name is taken.
func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	claimed, err := s.client.SetNX(ctx, nameKeyPrefix+account.Name, account.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim account name: %w", err)
	}
	if !claimed {
		return domain.ErrAccountNameTaken
	}

	payload, err := json.Marshal(toRecord(account))
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	if err := s.client.Set(ctx, accountKeyPrefix+account.ID, payload, 0).Err(); err != nil {
		_ = s.client.Del(ctx, nameKeyPrefix+account.Name).Err()
		return fmt.Errorf("set account: %w", err)
	}
	return nil
}

// ApplyUpdate runs WATCH/MULTI on the account key. A concurrent writer aborts
// the transaction, which surfaces as domain.ErrVersionConflict.
func (s *AccountStore) ApplyUpdate(ctx context.Context, id string, expectedVersion int64, freeSlots int, sessions []domain.Session) (int64, error) {
	key := accountKeyPrefix + id
	var newVersion int64

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		current, err := decodeAccount(raw)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return domain.ErrVersionConflict
		}

		current.FreeSlots = freeSlots
		current.Sessions = domain.CloneSessions(sessions)
		current.Version++
		payload, err := json.Marshal(toRecord(current))
		if err != nil {
			return fmt.Errorf("encode account: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Publish(ctx, changesPrefix+id, payload)
			return nil
		})
		if err != nil {
			return err
		}
		newVersion = current.Version
		return nil
	}, key)

	switch {
	case err == nil:
		return newVersion, nil
	case errors.Is(err, redis.TxFailedErr):
		return 0, domain.ErrVersionConflict
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrAccountNotFound):
		return 0, err
	default:
		return 0, fmt.Errorf("update account: %w", err)
	}
}

func (s *AccountStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
