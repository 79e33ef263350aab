package engine

// State is the coarse lifecycle phase of a debugged process.
type State int

const (
	StateInvalid State = iota
	StateConnected
	StateAttaching
	StateLaunching
	StateRunning
	StateStopped
	StateCrashed
	StateExited
	StateDetached
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAttaching:
		return "attaching"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateExited:
		return "exited"
	case StateDetached:
		return "detached"
	case StateUnloaded:
		return "unloaded"
	default:
		return "invalid"
	}
}

// Terminal reports whether a session ends when this state is observed.
func (s State) Terminal() bool {
	switch s {
	case StateCrashed, StateExited, StateDetached, StateUnloaded:
		return true
	default:
		return false
	}
}
