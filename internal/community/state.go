package community

// State of a sync task.
type State string

const (
	StateNotChecked    State = "NOT_CHECKED"
	StateJoinAttempted State = "JOIN_ATTEMPTED"
	StateJoined        State = "JOINED"
	StateJoinFailed    State = "JOIN_FAILED"
	StateRoleChecked   State = "ROLE_CHECKED"
	StateRoleAssigned  State = "ROLE_ASSIGNED"
	StateRoleSkipped   State = "ROLE_SKIPPED"
	StateRoleFailed    State = "ROLE_FAILED"

	// revoke tasks
	StateRoleRemoved  State = "ROLE_REMOVED"
	StateRevokeFailed State = "REVOKE_FAILED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateJoinFailed, StateRoleAssigned, StateRoleSkipped, StateRoleFailed,
		StateRoleRemoved, StateRevokeFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateNotChecked:    {StateJoinAttempted, StateRoleChecked, StateRoleSkipped, StateRoleRemoved, StateRevokeFailed},
	StateJoinAttempted: {StateJoined, StateJoinFailed},
	StateJoined:        {StateRoleChecked},
	StateRoleChecked:   {StateRoleAssigned, StateRoleSkipped, StateRoleFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
