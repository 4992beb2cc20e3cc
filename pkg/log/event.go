package log

import (
	"time"
)

// Event represents a transport log event captured at any layer.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time

	// ConnectionID uniquely identifies the logical connection (UUID).
	ConnectionID string

	// PeerID is the peer identity, once known.
	PeerID string

	// Direction indicates message flow.
	Direction Direction

	// Category classifies the event type.
	Category Category

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent
	StateChange *StateChangeEvent
	Handshake   *HandshakeEvent
	Reply       *ReplyEvent
	Error       *ErrorEvent
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates an application message frame.
	CategoryMessage Category = 0
	// CategoryHandshake indicates a handshake exchange.
	CategoryHandshake Category = 1
	// CategoryState indicates a connection state change.
	CategoryState Category = 2
	// CategoryReply indicates a correlated reply frame.
	CategoryReply Category = 3
	// CategoryError indicates an error event.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryHandshake:
		return "HANDSHAKE"
	case CategoryState:
		return "STATE"
	case CategoryReply:
		return "REPLY"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent carries details of a raw frame on the wire.
type FrameEvent struct {
	// Size is the total frame size in bytes, including the length prefix.
	Size int

	// Data is the frame payload, possibly truncated.
	Data []byte

	// Truncated indicates Data was cut to the logging size limit.
	Truncated bool
}

// StateChangeEvent carries a connection state transition.
type StateChangeEvent struct {
	OldState string
	NewState string

	// Reason describes why the transition happened, if known.
	Reason string
}

// HandshakeEvent carries details of a handshake frame.
type HandshakeEvent struct {
	// UserInfoSize is the size of the peer user-info blob in bytes.
	UserInfoSize int
}

// ReplyEvent carries details of a correlated reply frame.
type ReplyEvent struct {
	// CorrelationID links the reply to its originating message.
	CorrelationID string

	// Failed indicates the reply carried an error descriptor.
	Failed bool
}

// ErrorEvent carries an error observed at any layer.
type ErrorEvent struct {
	// Message is the error text.
	Message string

	// Context describes what was happening when the error occurred.
	Context string
}
