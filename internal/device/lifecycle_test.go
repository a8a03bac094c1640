package device

import "testing"

func TestLifecycleTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StateRegistered, StateProvisioning, true},
		{StateProvisioning, StatePendingApproval, true},
		{StatePendingApproval, StateActive, true},
		{StateActive, StateMaintenance, true},
		{StateMaintenance, StateActive, true},
		{StateActive, StateOffline, true},
		{StateOffline, StateActive, true},
		{StateOffline, StateMaintenance, true},
		{StateOffline, StateProvisioning, true},
		{StateActive, StateError, true},
		{StateMaintenance, StateRevoked, true},
		{StateOffline, StateDecommissioned, true},

		{StateRegistered, StateActive, false},
		{StateActive, StateProvisioning, false},
		{StateActive, StateActive, false},
		{StateRevoked, StateActive, false},
		{StateRevoked, StateDecommissioned, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestNoTransitionEscapesDecommissioned(t *testing.T) {
	for _, to := range []string{
		StateRegistered, StateProvisioning, StatePendingApproval, StateActive,
		StateMaintenance, StateOffline, StateError, StateRevoked,
	} {
		if CanTransition(StateDecommissioned, to) {
			t.Fatalf("decommissioned must not transition to %s", to)
		}
	}
}
