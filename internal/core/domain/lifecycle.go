package domain

// LifecycleState is the client-local state of one device's session.
type LifecycleState string

const (
	StateLoggedOut                    LifecycleState = "logged_out"
	StateAwaitingEvictionConfirmation LifecycleState = "awaiting_eviction_confirmation"
	StateAuthenticated                LifecycleState = "authenticated"
	// StateEvicted is transient; it collapses to StateLoggedOut once observers
	// have been notified.
	StateEvicted LifecycleState = "evicted"
)

// validLifecycleTransitions defines the allowed state machine transitions.
var validLifecycleTransitions = map[LifecycleState][]LifecycleState{
	StateLoggedOut:                    {StateAuthenticated, StateAwaitingEvictionConfirmation},
	StateAwaitingEvictionConfirmation: {StateAuthenticated, StateLoggedOut},
	StateAuthenticated:                {StateLoggedOut, StateEvicted},
	StateEvicted:                      {StateLoggedOut},
}

// CanTransitionTo reports whether a transition from s to next is valid.
func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	for _, allowed := range validLifecycleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Notice is a user-facing message attached to the last transition.
type Notice string

const (
	NoticeNone              Notice = ""
	NoticeLoggedInElsewhere Notice = "logged_in_elsewhere"
	NoticeLoginCancelled    Notice = "login_cancelled"
	NoticeLoggedOut         Notice = "logged_out"
)
