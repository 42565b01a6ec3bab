package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/infrastructure/metrics"
)

const discardedReleaseTimeout = 5 * time.Second

// ConfirmationTTL bounds how long a pending admission, and the token that
// resolves it, stays usable. Evicted devices are forgotten after the same
// period if they never log out.
const ConfirmationTTL = 5 * time.Minute

// OutcomeStatus is the user-facing result of a lifecycle operation.
type OutcomeStatus string

const (
	OutcomeAuthenticated      OutcomeStatus = "authenticated"
	OutcomeNeedsConfirmation  OutcomeStatus = "needs_confirmation"
	OutcomeInvalidCredentials OutcomeStatus = "invalid_credentials"
	OutcomeNameTaken          OutcomeStatus = "account_name_taken"
	OutcomeUnavailable        OutcomeStatus = "unavailable"
	OutcomeLoggedOut          OutcomeStatus = "logged_out"
	OutcomeCancelled          OutcomeStatus = "login_cancelled"
	// OutcomeRejected means the call is not valid in the current state or
	// raced another call on the same device.
	OutcomeRejected OutcomeStatus = "rejected"
)

// Outcome is returned by every Lifecycle operation. Errors are carried as
// values; no lifecycle call returns a Go error.
type Outcome struct {
	Status    OutcomeStatus
	AccountID string
	Name      string
	Role      string
	SessionID string
	// Oldest is the session a confirmation would evict.
	Oldest *domain.Session
	// CandidateID is the session a confirmation would admit.
	CandidateID string
	// EvictedID is the session removed by a confirmed eviction.
	EvictedID string
	// Released reports whether logout freed a remote slot.
	Released bool
	Err      error
}

// State is a point-in-time copy of the lifecycle.
type State struct {
	Phase     domain.LifecycleState
	AccountID string
	Name      string
	Role      string
	SessionID string
	Oldest    *domain.Session
	// CandidateID names the pending session while awaiting confirmation.
	CandidateID string
	Notice      domain.Notice
}

type sessionRef struct {
	accountID string
	sessionID string
}

// Lifecycle is one device's session state machine:
//
//	LoggedOut --login ok--> Authenticated
//	LoggedOut --slots exhausted--> AwaitingEvictionConfirmation
//	AwaitingEvictionConfirmation --confirm--> Authenticated
//	AwaitingEvictionConfirmation --cancel--> LoggedOut
//	Authenticated --logout--> LoggedOut (release)
//	Authenticated --self-evicted--> Evicted --> LoggedOut (no release)
//
// Only Authenticated holds a change feed subscription. Remote calls run
// without the lock; a result that comes back after the state moved on
// (eviction, Close) is discarded.
type Lifecycle struct {
	deviceID    string
	deviceLabel string
	sessions    ports.SessionService
	watcher     *PresenceWatcher
	log         zerolog.Logger
	observer    func(State)
	clock       clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	pending   *ports.Admission
	watch     *Watch
	releasing string
	last      *sessionRef
	epoch     uint64
	busy      bool
	closed    bool
	// parkedAt is when the device last entered a state it may be abandoned
	// in: awaiting confirmation or evicted.
	parkedAt time.Time
}

// LifecycleOption customises a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithObserver registers fn to receive every state the lifecycle enters,
// including the transient Evicted state.
func WithObserver(fn func(State)) LifecycleOption {
	return func(l *Lifecycle) { l.observer = fn }
}

// WithLifecycleClock replaces the clock used to expire abandoned devices.
func WithLifecycleClock(c clockwork.Clock) LifecycleOption {
	return func(l *Lifecycle) { l.clock = c }
}

func NewLifecycle(deviceID, deviceLabel string, sessions ports.SessionService, watcher *PresenceWatcher, log zerolog.Logger, opts ...LifecycleOption) *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lifecycle{
		deviceID:    deviceID,
		deviceLabel: deviceLabel,
		sessions:    sessions,
		watcher:     watcher,
		log:         log.With().Str("device_id", deviceID).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		clock:       clockwork.NewRealClock(),
		state:       State{Phase: domain.StateLoggedOut},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns a copy of the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyState()
}

func (l *Lifecycle) Login(ctx context.Context, name, password string) Outcome {
	epoch, err := l.begin(domain.StateLoggedOut)
	if err != nil {
		return rejected(err)
	}
	adm, err := l.sessions.Login(ctx, name, password, l.deviceLabel)
	return l.finishAdmission(epoch, "login", adm, err)
}

func (l *Lifecycle) Register(ctx context.Context, name, password string) Outcome {
	epoch, err := l.begin(domain.StateLoggedOut)
	if err != nil {
		return rejected(err)
	}
	adm, err := l.sessions.Register(ctx, name, password, l.deviceLabel)
	return l.finishAdmission(epoch, "register", adm, err)
}

func (l *Lifecycle) ConfirmEviction(ctx context.Context) Outcome {
	return l.ConfirmPending(ctx, "")
}

// ConfirmPending confirms the pending admission. A non-empty candidateID must
// name the pending session, otherwise the call is forbidden.
func (l *Lifecycle) ConfirmPending(ctx context.Context, candidateID string) Outcome {
	epoch, err := l.begin(domain.StateAwaitingEvictionConfirmation)
	if err != nil {
		return rejected(err)
	}
	l.mu.Lock()
	pending := l.pending
	if candidateID != "" && pending.Session.ID != candidateID {
		l.busy = false
		l.mu.Unlock()
		return rejected(domain.ErrForbidden)
	}
	l.mu.Unlock()

	adm, err := l.sessions.ConfirmEviction(ctx, pending)
	return l.finishAdmission(epoch, "confirm_eviction", adm, err)
}

// CancelConfirmation drops the pending admission. Nothing was written
// remotely, so there is nothing to undo.
func (l *Lifecycle) CancelConfirmation() Outcome {
	return l.CancelPending("")
}

// CancelPending is CancelConfirmation bound to a pending session id, with
// the same rules as ConfirmPending.
func (l *Lifecycle) CancelPending(candidateID string) Outcome {
	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return rejected(domain.ErrOperationInProgress)
	}
	if l.closed || l.state.Phase != domain.StateAwaitingEvictionConfirmation {
		l.mu.Unlock()
		return rejected(domain.ErrInvalidTransition)
	}
	if candidateID != "" && l.pending.Session.ID != candidateID {
		l.mu.Unlock()
		return rejected(domain.ErrForbidden)
	}
	l.pending = nil
	l.epoch++
	l.state = State{Phase: domain.StateLoggedOut, Notice: domain.NoticeLoginCancelled}
	st := l.copyState()
	l.mu.Unlock()

	l.log.Info().Msg("login cancelled")
	l.notify(st)
	return Outcome{Status: OutcomeCancelled}
}

// Logout releases the local session. From LoggedOut after a self-eviction it
// still releases the last known session against a fresh fetch, which is a
// remote no-op once the session is gone.
func (l *Lifecycle) Logout(ctx context.Context) Outcome {
	return l.LogoutSession(ctx, "")
}

// LogoutSession is Logout bound to the session the caller holds. A non-empty
// sessionID that is not the device's current (or last evicted) session is
// forbidden and leaves the device untouched.
func (l *Lifecycle) LogoutSession(ctx context.Context, sessionID string) Outcome {
	epoch, err := l.begin(domain.StateAuthenticated, domain.StateLoggedOut)
	if err != nil {
		return rejected(err)
	}

	l.mu.Lock()
	var ref *sessionRef
	if l.state.Phase == domain.StateAuthenticated {
		ref = &sessionRef{accountID: l.state.AccountID, sessionID: l.state.SessionID}
	} else {
		ref = l.last
	}
	if sessionID != "" && ref != nil && ref.sessionID != sessionID {
		l.busy = false
		l.mu.Unlock()
		l.log.Warn().Str("session_id", sessionID).Msg("logout with a stale session rejected")
		return rejected(domain.ErrForbidden)
	}
	if l.state.Phase == domain.StateAuthenticated {
		l.releasing = ref.sessionID
	}
	l.mu.Unlock()

	if ref == nil {
		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
		return Outcome{Status: OutcomeLoggedOut}
	}

	released, err := l.sessions.Release(ctx, ref.accountID, ref.sessionID)

	l.mu.Lock()
	l.busy = false
	l.releasing = ""
	if epoch != l.epoch {
		l.mu.Unlock()
		l.log.Warn().Str("session_id", ref.sessionID).Msg("logout result discarded, state changed meanwhile")
		return Outcome{Status: OutcomeLoggedOut, AccountID: ref.accountID, SessionID: ref.sessionID, Released: released, Err: err}
	}
	if err != nil {
		evicted := l.watch != nil && l.watch.Evicted()
		l.mu.Unlock()
		if evicted {
			l.selfEvicted(ref.sessionID)
		}
		l.log.Error().Err(err).Str("session_id", ref.sessionID).Msg("logout failed")
		return Outcome{Status: OutcomeUnavailable, AccountID: ref.accountID, SessionID: ref.sessionID, Err: err}
	}

	notice := domain.NoticeLoggedOut
	if !released && l.state.Phase == domain.StateAuthenticated {
		notice = domain.NoticeLoggedInElsewhere
	}
	watch := l.watch
	l.watch = nil
	l.last = nil
	l.pending = nil
	l.epoch++
	l.state = State{Phase: domain.StateLoggedOut, Notice: notice}
	st := l.copyState()
	l.mu.Unlock()

	if watch != nil {
		watch.Stop()
	}
	l.log.Info().
		Str("account_id", ref.accountID).
		Str("session_id", ref.sessionID).
		Bool("released", released).
		Msg("logged out")
	l.notify(st)
	return Outcome{Status: OutcomeLoggedOut, AccountID: ref.accountID, SessionID: ref.sessionID, Released: released}
}

// Close tears down the subscription and forgets local state. The remote
// session entry is left in place.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	watch := l.watch
	l.watch = nil
	l.pending = nil
	l.last = nil
	l.epoch++
	l.closed = true
	l.state = State{Phase: domain.StateLoggedOut}
	l.mu.Unlock()

	if watch != nil {
		watch.Stop()
	}
	l.cancel()
}

// closeIfIdle closes the lifecycle when it holds nothing worth keeping: no
// session, no pending admission, no evicted session awaiting logout and no
// call in flight. With expire set, a pending admission or an evicted session
// parked for longer than ConfirmationTTL is abandoned as well. Once closed
// every further call is rejected.
func (l *Lifecycle) closeIfIdle(expire bool) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return true
	}
	idle := !l.busy && l.watch == nil && l.state.Phase == domain.StateLoggedOut && l.last == nil
	if !idle && expire && !l.busy && l.watch == nil {
		parked := l.state.Phase == domain.StateAwaitingEvictionConfirmation ||
			(l.state.Phase == domain.StateLoggedOut && l.last != nil)
		idle = parked && l.clock.Now().Sub(l.parkedAt) >= ConfirmationTTL
	}
	if !idle {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	l.pending = nil
	l.last = nil
	l.epoch++
	l.state = State{Phase: domain.StateLoggedOut}
	l.mu.Unlock()

	l.cancel()
	return true
}

func (l *Lifecycle) begin(allowed ...domain.LifecycleState) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.busy {
		return 0, domain.ErrOperationInProgress
	}
	if l.closed {
		return 0, domain.ErrInvalidTransition
	}
	ok := false
	for _, phase := range allowed {
		if l.state.Phase == phase {
			ok = true
			break
		}
	}
	if !ok {
		return 0, domain.ErrInvalidTransition
	}
	l.busy = true
	l.state.Notice = domain.NoticeNone
	return l.epoch, nil
}

func (l *Lifecycle) finishAdmission(epoch uint64, op string, adm *ports.Admission, err error) Outcome {
	if err != nil {
		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()

		out := outcomeFromError(err)
		metrics.AdmissionsTotal.WithLabelValues(string(out.Status)).Inc()
		ev := l.log.Info()
		if out.Status == OutcomeUnavailable {
			ev = l.log.Error()
		}
		ev.Err(err).Str("operation", op).Str("outcome", string(out.Status)).Msg("admission failed")
		return out
	}

	if adm.Status == ports.AdmissionNeedsConfirmation {
		l.mu.Lock()
		l.busy = false
		if epoch != l.epoch {
			l.mu.Unlock()
			return rejected(domain.ErrInvalidTransition)
		}
		oldest := adm.Oldest
		l.pending = adm
		l.parkedAt = l.clock.Now()
		l.epoch++
		l.state = State{
			Phase:       domain.StateAwaitingEvictionConfirmation,
			AccountID:   adm.AccountID,
			Name:        adm.Name,
			Role:        adm.Role,
			Oldest:      &oldest,
			CandidateID: adm.Session.ID,
		}
		st := l.copyState()
		l.mu.Unlock()

		metrics.AdmissionsTotal.WithLabelValues(string(OutcomeNeedsConfirmation)).Inc()
		l.log.Info().Str("account_id", adm.AccountID).Str("oldest_session_id", oldest.ID).Msg("slots exhausted, awaiting eviction confirmation")
		l.notify(st)
		return Outcome{
			Status:      OutcomeNeedsConfirmation,
			AccountID:   adm.AccountID,
			Name:        adm.Name,
			Role:        adm.Role,
			Oldest:      &oldest,
			CandidateID: adm.Session.ID,
		}
	}

	sessionID := adm.Session.ID
	var minVersion int64
	if adm.Snapshot != nil {
		minVersion = adm.Snapshot.Version
	}
	watch, werr := l.watcher.Watch(l.ctx, adm.AccountID, sessionID, minVersion, func() { l.selfEvicted(sessionID) })

	l.mu.Lock()
	l.busy = false
	if werr != nil || epoch != l.epoch {
		l.mu.Unlock()
		if watch != nil {
			watch.Stop()
		}
		l.releaseDiscarded(adm.AccountID, sessionID)
		if werr != nil {
			l.log.Error().Err(werr).Str("account_id", adm.AccountID).Msg("presence watch failed, admission rolled back")
			metrics.AdmissionsTotal.WithLabelValues(string(OutcomeUnavailable)).Inc()
			return Outcome{Status: OutcomeUnavailable, Err: werr}
		}
		l.log.Warn().Str("account_id", adm.AccountID).Msg("admission result discarded, state changed meanwhile")
		return rejected(domain.ErrInvalidTransition)
	}

	l.pending = nil
	l.last = nil
	l.watch = watch
	l.epoch++
	l.state = State{
		Phase:     domain.StateAuthenticated,
		AccountID: adm.AccountID,
		Name:      adm.Name,
		Role:      adm.Role,
		SessionID: sessionID,
	}
	st := l.copyState()
	l.mu.Unlock()

	metrics.AdmissionsTotal.WithLabelValues(string(OutcomeAuthenticated)).Inc()
	l.log.Info().
		Str("operation", op).
		Str("account_id", adm.AccountID).
		Str("session_id", sessionID).
		Str("evicted_session_id", adm.EvictedID).
		Msg("authenticated")
	l.notify(st)

	// The eviction may have landed before the state was published.
	if watch.Evicted() {
		l.selfEvicted(sessionID)
	}
	return Outcome{
		Status:    OutcomeAuthenticated,
		AccountID: adm.AccountID,
		Name:      adm.Name,
		Role:      adm.Role,
		SessionID: sessionID,
		EvictedID: adm.EvictedID,
	}
}

// selfEvicted runs on the watcher goroutine. It moves Authenticated to the
// transient Evicted state and on to LoggedOut without releasing anything:
// the session is already gone remotely.
func (l *Lifecycle) selfEvicted(sessionID string) {
	l.mu.Lock()
	if l.state.Phase != domain.StateAuthenticated || l.state.SessionID != sessionID || l.releasing == sessionID {
		l.mu.Unlock()
		return
	}
	accountID := l.state.AccountID
	watch := l.watch
	l.watch = nil
	l.last = &sessionRef{accountID: accountID, sessionID: sessionID}
	l.parkedAt = l.clock.Now()
	l.epoch++

	l.state = State{Phase: domain.StateEvicted, AccountID: accountID, SessionID: sessionID, Notice: domain.NoticeLoggedInElsewhere}
	evicted := l.copyState()
	l.state = State{Phase: domain.StateLoggedOut, Notice: domain.NoticeLoggedInElsewhere}
	loggedOut := l.copyState()
	l.mu.Unlock()

	if watch != nil {
		watch.Stop()
	}
	l.log.Info().Str("account_id", accountID).Str("session_id", sessionID).Msg("logged in elsewhere")
	l.notify(evicted)
	l.notify(loggedOut)
}

// releaseDiscarded frees a slot that was admitted remotely but can no longer
// be owned locally.
func (l *Lifecycle) releaseDiscarded(accountID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), discardedReleaseTimeout)
	defer cancel()
	if _, err := l.sessions.Release(ctx, accountID, sessionID); err != nil {
		l.log.Error().Err(err).Str("account_id", accountID).Str("session_id", sessionID).Msg("failed to release discarded session")
	}
}

func (l *Lifecycle) copyState() State {
	st := l.state
	if st.Oldest != nil {
		oldest := *st.Oldest
		st.Oldest = &oldest
	}
	return st
}

func (l *Lifecycle) notify(st State) {
	if l.observer != nil {
		l.observer(st)
	}
}

func rejected(err error) Outcome {
	return Outcome{Status: OutcomeRejected, Err: err}
}

func outcomeFromError(err error) Outcome {
	switch {
	case errors.Is(err, domain.ErrInvalidCredentials):
		return Outcome{Status: OutcomeInvalidCredentials, Err: err}
	case errors.Is(err, domain.ErrAccountNameTaken):
		return Outcome{Status: OutcomeNameTaken, Err: err}
	case errors.Is(err, domain.ErrNoPendingEviction), errors.Is(err, domain.ErrInvalidTransition):
		return rejected(err)
	default:
		return Outcome{Status: OutcomeUnavailable, Err: err}
	}
}
