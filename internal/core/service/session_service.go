package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/infrastructure/metrics"
)

// maxDecisionAttempts bounds fetch-decide-write rounds: the first attempt plus
// one retry after a version conflict.
const maxDecisionAttempts = 2

// SessionService implements credential admission, eviction and release.
type SessionService struct {
	store    ports.AccountStore
	hasher   ports.CredentialHasher
	clock    clockwork.Clock
	capacity int
	newID    func() string
	log      zerolog.Logger
}

// Option customises a SessionService.
type Option func(*SessionService)

// WithClock replaces the wall clock used for session timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *SessionService) { s.clock = c }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *SessionService) { s.newID = fn }
}

func NewSessionService(store ports.AccountStore, hasher ports.CredentialHasher, capacity int, log zerolog.Logger, opts ...Option) *SessionService {
	if capacity <= 0 {
		capacity = domain.DefaultCapacity
	}
	s := &SessionService{
		store:    store,
		hasher:   hasher,
		clock:    clockwork.NewRealClock(),
		capacity: capacity,
		newID:    uuid.NewString,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionService) Login(ctx context.Context, name, password, deviceLabel string) (*ports.Admission, error) {
	defer observe("login", time.Now())

	if name == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	account, err := s.store.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, unavailable("login", err)
	}

	if !s.hasher.Verify(password, account.CredentialHash, account.CredentialSalt) {
		return nil, domain.ErrInvalidCredentials
	}

	return s.admit(ctx, account, s.newSession(deviceLabel))
}

// Register creates an account with every slot free and admits the caller
// into the first one.
func (s *SessionService) Register(ctx context.Context, name, password, deviceLabel string) (*ports.Admission, error) {
	defer observe("register", time.Now())

	if name == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	hash, salt, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("register: hash credentials: %w", err)
	}

	account := &domain.Account{
		ID:             uuid.NewString(),
		Name:           name,
		Role:           domain.RoleUser,
		CredentialHash: hash,
		CredentialSalt: salt,
		Capacity:       s.capacity,
		FreeSlots:      s.capacity,
		Sessions:       []domain.Session{},
		CreatedAt:      s.clock.Now().UTC(),
	}
	if err := s.store.Create(ctx, account); err != nil {
		if errors.Is(err, domain.ErrAccountNameTaken) {
			return nil, err
		}
		return nil, unavailable("register", err)
	}

	s.log.Info().Str("account_id", account.ID).Str("name", name).Msg("account registered")
	return s.admit(ctx, account, s.newSession(deviceLabel))
}

// ConfirmEviction re-runs the decision for a pending admission against a
// fresh fetch. If a slot was freed meanwhile the caller is admitted directly;
// otherwise the current oldest session is evicted. A candidate already listed
// is admitted as is, so repeating a confirm never writes a second entry.
func (s *SessionService) ConfirmEviction(ctx context.Context, pending *ports.Admission) (*ports.Admission, error) {
	defer observe("confirm_eviction", time.Now())

	if pending == nil || pending.Status != ports.AdmissionNeedsConfirmation {
		return nil, domain.ErrNoPendingEviction
	}

	account, err := s.fetch(ctx, "evict", pending.AccountID)
	if err != nil {
		return nil, err
	}

	candidate := pending.Session
	var evicted string
	final, err := s.mutate(ctx, "evict", account, func(l domain.Ledger) (*domain.Ledger, error) {
		evicted = ""
		// An earlier confirm may have committed without its reply arriving.
		if l.Contains(candidate.ID) {
			return nil, nil
		}
		d, err := l.Admit(candidate)
		if err != nil {
			return nil, err
		}
		if d.Kind == domain.DecisionSlotsExhausted {
			if d, err = l.Evict(candidate); err != nil {
				return nil, err
			}
			evicted = d.EvictedID
		}
		return &d.Next, nil
	})
	if err != nil {
		return nil, err
	}

	if evicted != "" {
		metrics.EvictionsTotal.Inc()
		s.log.Info().
			Str("account_id", final.ID).
			Str("session_id", candidate.ID).
			Str("evicted_session_id", evicted).
			Msg("oldest session evicted")
	}
	adm := authenticated(final, candidate)
	adm.EvictedID = evicted
	return adm, nil
}

// Release removes sessionID from a freshly fetched account. A session that is
// no longer listed was evicted elsewhere; releasing it must not free a slot.
func (s *SessionService) Release(ctx context.Context, accountID, sessionID string) (bool, error) {
	defer observe("release", time.Now())

	account, err := s.fetch(ctx, "release", accountID)
	if err != nil {
		return false, err
	}

	var released bool
	_, err = s.mutate(ctx, "release", account, func(l domain.Ledger) (*domain.Ledger, error) {
		next, ok := l.Release(sessionID)
		released = ok
		if !ok {
			return nil, nil
		}
		return &next, nil
	})
	if err != nil {
		return false, err
	}

	result := "absent"
	if released {
		result = "released"
	}
	metrics.ReleasesTotal.WithLabelValues(result).Inc()
	s.log.Info().
		Str("account_id", accountID).
		Str("session_id", sessionID).
		Bool("released", released).
		Msg("session released")
	return released, nil
}

func (s *SessionService) admit(ctx context.Context, account *domain.Account, candidate domain.Session) (*ports.Admission, error) {
	var oldest *domain.Session
	final, err := s.mutate(ctx, "admit", account, func(l domain.Ledger) (*domain.Ledger, error) {
		oldest = nil
		if l.Contains(candidate.ID) {
			return nil, nil
		}
		d, err := l.Admit(candidate)
		if err != nil {
			return nil, err
		}
		if d.Kind == domain.DecisionSlotsExhausted {
			oldest = &d.Oldest
			return nil, nil
		}
		return &d.Next, nil
	})
	if err != nil {
		return nil, err
	}

	if oldest != nil {
		return &ports.Admission{
			Status:    ports.AdmissionNeedsConfirmation,
			AccountID: final.ID,
			Name:      final.Name,
			Role:      final.Role,
			Session:   candidate,
			Oldest:    *oldest,
			Snapshot:  final,
		}, nil
	}
	return authenticated(final, candidate), nil
}

// mutate runs decide against account and persists the resulting ledger with a
// conditional update. On a version conflict the decision is re-run once
// against a fresh fetch; a second conflict is reported as unavailable. A nil
// ledger from decide means nothing needs writing. The returned account is the
// state that was decided on, with the written fields applied.
func (s *SessionService) mutate(ctx context.Context, op string, account *domain.Account, decide func(domain.Ledger) (*domain.Ledger, error)) (*domain.Account, error) {
	for attempt := 1; ; attempt++ {
		ledger, err := domain.NewLedger(account)
		if err != nil {
			return nil, unavailable(op, err)
		}

		next, err := decide(ledger)
		if err != nil {
			return nil, unavailable(op, err)
		}
		if next == nil {
			return account, nil
		}

		version, err := s.store.ApplyUpdate(ctx, account.ID, account.Version, next.FreeSlots(), next.Sessions())
		if err == nil {
			written := account.Clone()
			written.FreeSlots = next.FreeSlots()
			written.Sessions = next.Sessions()
			written.Version = version
			return written, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, unavailable(op, err)
		}

		metrics.VersionConflictsTotal.WithLabelValues(op).Inc()
		if attempt >= maxDecisionAttempts {
			s.log.Warn().Str("account_id", account.ID).Str("operation", op).Msg("version conflict persisted after retry")
			return nil, unavailable(op, err)
		}
		s.log.Warn().
			Str("account_id", account.ID).
			Str("operation", op).
			Int64("expected_version", account.Version).
			Msg("version conflict, re-deciding against fresh state")

		if account, err = s.fetch(ctx, op, account.ID); err != nil {
			return nil, err
		}
	}
}

func (s *SessionService) fetch(ctx context.Context, op, accountID string) (*domain.Account, error) {
	account, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return account, nil
}

func (s *SessionService) newSession(deviceLabel string) domain.Session {
	return domain.Session{
		ID:          s.newID(),
		CreatedAt:   s.clock.Now().UTC(),
		DeviceLabel: deviceLabel,
	}
}

func authenticated(account *domain.Account, session domain.Session) *ports.Admission {
	return &ports.Admission{
		Status:    ports.AdmissionAuthenticated,
		AccountID: account.ID,
		Name:      account.Name,
		Role:      account.Role,
		Session:   session,
		Snapshot:  account,
	}
}

// unavailable classifies every store-side failure, including an account that
// vanished between fetch and update, as domain.ErrUnavailable.
func unavailable(op string, err error) error {
	if errors.Is(err, domain.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
}

func observe(op string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
