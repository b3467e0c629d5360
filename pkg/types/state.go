package types

// ConnState is the connection tri-state. External consumers only ever see
// the collapsed boolean (Connected or not).
type ConnState int

const (
	// ConnStateUnknown is the state before the first open or close event.
	ConnStateUnknown ConnState = iota
	// ConnStateConnected means the channel is open.
	ConnStateConnected
	// ConnStateDisconnected means the channel closed or never opened.
	ConnStateDisconnected
)

// ConnStateOf maps a boolean status to its state.
func ConnStateOf(connected bool) ConnState {
	if connected {
		return ConnStateConnected
	}
	return ConnStateDisconnected
}

// Bool collapses the state to the external boolean signal.
func (s ConnState) Bool() bool {
	return s == ConnStateConnected
}

// String returns a readable name.
func (s ConnState) String() string {
	switch s {
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
