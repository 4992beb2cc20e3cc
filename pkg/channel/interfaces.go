package channel

import (
	"context"
	"errors"
)

// Channel errors.
var (
	// ErrInvalidated indicates the channel has been invalidated.
	ErrInvalidated = errors.New("channel invalidated")

	// ErrNoRequestHandler indicates the peer has no raw request handler installed.
	ErrNoRequestHandler = errors.New("no raw request handler installed")

	// ErrEndpointConsumed indicates a one-shot endpoint was opened twice.
	ErrEndpointConsumed = errors.New("endpoint already consumed")
)

// RespondFunc delivers the reply to a single inbound raw request.
// Exactly one call is expected per request; data and err are mutually
// exclusive.
type RespondFunc func(data []byte, err error)

// RequestHandler receives inbound raw requests. The handler may respond
// asynchronously, but must eventually invoke respond exactly once.
type RequestHandler func(data []byte, respond RespondFunc)

// Conn is one end of a raw bidirectional request/reply channel.
//
// A Conn starts suspended: inbound requests are buffered and not
// delivered until Resume is called. Suspend re-gates delivery. The
// interruption handler fires when the peer side drops while the channel
// is nominally open; the invalidation handler fires exactly once when
// the channel becomes unusable. Invalidate is idempotent.
type Conn interface {
	// Resume starts (or restarts) delivery of inbound requests.
	Resume()

	// Suspend pauses delivery of inbound requests. In-flight reply
	// completions are not affected.
	Suspend()

	// Invalidate tears the channel down. Pending outbound calls complete
	// with ErrInvalidated. Safe to call multiple times.
	Invalidate()

	// SendRequest sends a raw payload and completes asynchronously with
	// the peer's reply bytes or an error. completion is invoked exactly
	// once, possibly before SendRequest returns.
	SendRequest(data []byte, completion func(reply []byte, err error))

	// SetRequestHandler installs the handler for inbound raw requests.
	// Must be set before Resume to avoid dropping early traffic.
	SetRequestHandler(h RequestHandler)

	// SetInterruptionHandler installs the peer-drop hook.
	SetInterruptionHandler(h func())

	// SetInvalidationHandler installs the teardown hook.
	SetInvalidationHandler(h func())
}

// AcceptHandler receives freshly accepted raw connections together with
// an opaque caller-identity token for credential verification. The
// delivered Conn is suspended.
type AcceptHandler func(conn Conn, token any)

// Listener accepts inbound raw connections.
type Listener interface {
	// SetAcceptHandler installs the handler invoked per accepted connection.
	// Must be set before Start.
	SetAcceptHandler(h AcceptHandler)

	// Start begins accepting connections until the context is cancelled
	// or Close is called.
	Start(ctx context.Context) error

	// Close stops accepting and releases the listening resource.
	Close() error
}

// Descriptor describes how to obtain a raw connection. Reconnectable
// descriptors can be opened repeatedly; one-shot descriptors yield
// their connection exactly once.
type Descriptor interface {
	// Open obtains a fresh raw connection in the suspended state.
	Open() (Conn, error)

	// Reconnectable reports whether Open may be called again after the
	// previous connection was invalidated.
	Reconnectable() bool
}
