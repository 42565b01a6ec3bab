package domain

import "testing"

func TestLifecycleState_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to LifecycleState
		want     bool
	}{
		{StateLoggedOut, StateAuthenticated, true},
		{StateLoggedOut, StateAwaitingEvictionConfirmation, true},
		{StateLoggedOut, StateEvicted, false},
		{StateAwaitingEvictionConfirmation, StateAuthenticated, true},
		{StateAwaitingEvictionConfirmation, StateLoggedOut, true},
		{StateAwaitingEvictionConfirmation, StateEvicted, false},
		{StateAuthenticated, StateLoggedOut, true},
		{StateAuthenticated, StateEvicted, true},
		{StateAuthenticated, StateAwaitingEvictionConfirmation, false},
		{StateEvicted, StateLoggedOut, true},
		{StateEvicted, StateAuthenticated, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
