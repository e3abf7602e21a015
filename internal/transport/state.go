package transport

// State is the lifecycle state of one mail connection.
type State int

const (
	// StateDisconnected means no connection is open.
	StateDisconnected State = iota

	// StateConnecting means a dial or login is in flight.
	StateConnecting

	// StateReady means the connection is open and recently verified.
	StateReady

	// StateStale means the connection is open but has been idle past the
	// liveness window; it must pass a NOOP before reuse.
	StateStale
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}
