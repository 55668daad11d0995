package ingest

// State is the stream lifecycle state of one account.
type State int

const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
	Revoked
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Revoked:
		return "revoked"
	default:
		return "disconnected"
	}
}

// PollingState reports whether the polling fallback runs.
type PollingState bool

const (
	PollingStopped PollingState = false
	PollingActive  PollingState = true
)

func (p PollingState) String() string {
	if p {
		return "active"
	}
	return "stopped"
}
