package orchestrator

// State tracks an execution through its lifecycle. Transitions are
// linear: Idle → Validating → (Blocked | Executing) → Finalized, with
// Validating skipped when the caller opts out of security validation.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateBlocked
	StateExecuting
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateBlocked:
		return "blocked"
	case StateExecuting:
		return "executing"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}
