package auth

// Role is the station role carried in a token's role claim.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Action is a run API operation subject to access control.
type Action string

const (
	ActionReadRuns     Action = "runs.read"
	ActionSubmitRun    Action = "runs.submit"
	ActionAbortRun     Action = "runs.abort"
	ActionAbortAnyRun  Action = "runs.abort_any"
	ActionReloadSetups Action = "setups.reload"
)

// Operators may only abort runs they started. Aborting someone else's run needs ActionAbortAnyRun.
var grants = map[Role][]Action{
	RoleViewer:   {ActionReadRuns},
	RoleOperator: {ActionReadRuns, ActionSubmitRun, ActionAbortRun},
	RoleAdmin:    {ActionReadRuns, ActionSubmitRun, ActionAbortRun, ActionAbortAnyRun, ActionReloadSetups},
}

// ParseRole validates a role claim.
func ParseRole(value string) (Role, bool) {
	role := Role(value)
	_, ok := grants[role]
	return role, ok
}

// Allows reports whether the role is granted action.
func (r Role) Allows(action Action) bool {
	for _, granted := range grants[r] {
		if granted == action {
			return true
		}
	}
	return false
}
