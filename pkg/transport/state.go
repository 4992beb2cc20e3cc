package transport

// ConnectionState represents the state of a logical connection.
// The zero value means the connection has not been activated yet.
type ConnectionState uint8

const (
	// StateConnecting indicates a handshake attempt is in progress.
	// Entered on every (re)connect attempt, including the first.
	StateConnecting ConnectionState = iota + 1

	// StateConnected indicates a completed handshake. Entered exactly
	// once per successful handshake.
	StateConnected

	// StateInvalidated indicates the connection is terminally down.
	StateInvalidated
)

// String returns the connection state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateInvalidated:
		return "INVALIDATED"
	default:
		return "UNKNOWN"
	}
}
