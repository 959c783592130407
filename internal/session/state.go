package session

// State is a session's lifecycle position.
//
//	Idle -> Starting -> Running -> Stopping -> Stopped
//	                    Running -> Failed   -> Stopped
//
// A session whose transport cannot be opened goes from Starting straight to
// Stopped and Start returns the open error instead of a handle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EndReason tells observers why a session stopped.
type EndReason string

const (
	EndNone       EndReason = ""
	EndRequested  EndReason = "requested"
	EndUnexpected EndReason = "unexpected"
)
