package connection

import "github.com/itskum47/hostwatch/agent/observability"

// State is the connection manager's position in its lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

var allStates = []State{Disconnected, Connecting, Connected, Closing}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

func publishState(current State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		observability.ConnectionState.WithLabelValues(s.String()).Set(v)
	}
}
