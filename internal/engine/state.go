package engine

// State is a phase of the sync cycle state machine.
type State int32

const (
	StateIdle State = iota
	StatePulling
	StateApplying
	StateCollecting
	StatePushing
	StateAdvancing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePulling:
		return "PULLING"
	case StateApplying:
		return "APPLYING"
	case StateCollecting:
		return "COLLECTING"
	case StatePushing:
		return "PUSHING"
	case StateAdvancing:
		return "ADVANCING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is how a cycle ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)
