package device

// Lifecycle states of an edge device.
const (
	StateRegistered      = "registered"
	StateProvisioning    = "provisioning"
	StatePendingApproval = "pending_approval"
	StateActive          = "active"
	StateMaintenance     = "maintenance"
	StateOffline         = "offline"
	StateError           = "error"
	StateRevoked         = "revoked"
	StateDecommissioned  = "decommissioned"
)

// Every state may move to error, revoked or decommissioned;
// decommissioned is terminal.
var transitions = map[string][]string{
	StateRegistered:      {StateProvisioning},
	StateProvisioning:    {StatePendingApproval, StateOffline},
	StatePendingApproval: {StateActive},
	StateActive:          {StateMaintenance, StateOffline},
	StateMaintenance:     {StateActive, StateOffline},
	StateOffline:         {StateActive, StateMaintenance, StateProvisioning},
	StateError:           {StateProvisioning, StateOffline},
	StateRevoked:         {},
	StateDecommissioned:  nil,
}

// CanTransition reports whether the lifecycle permits moving from one
// state to another. No transition escapes decommissioned.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if from == StateDecommissioned {
		return false
	}
	if from == StateRevoked {
		return to == StateDecommissioned
	}
	if to == StateError || to == StateRevoked || to == StateDecommissioned {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
