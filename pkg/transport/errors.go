package transport

import (
	"errors"
	"fmt"

	"github.com/duplex-protocol/duplex-go/pkg/channel"
	"github.com/duplex-protocol/duplex-go/pkg/wire"
)

// Transport errors.
var (
	// ErrHandshakeFailed indicates a malformed hello or unexpected handshake reply.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrNotActivated indicates a send before the first successful handshake.
	ErrNotActivated = errors.New("connection not activated")

	// ErrNotConnected indicates a send while no raw connection is up.
	ErrNotConnected = errors.New("connection not established")

	// ErrNotImplemented indicates the peer has no receive handler registered.
	ErrNotImplemented = errors.New("receiving not implemented")

	// ErrPeerNotFound indicates the addressed peer is absent from the registry.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrDroppedWithoutReply indicates a reply capability was discarded
	// without ever being invoked.
	ErrDroppedWithoutReply = errors.New("message dropped without reply")

	// ErrInvalidated indicates the connection was invalidated while an
	// operation was still pending. Shared with the channel layer so
	// errors.Is matches no matter which layer failed the call.
	ErrInvalidated = channel.ErrInvalidated
)

// errorToDescriptor maps a local error onto its wire form.
func errorToDescriptor(err error) *wire.ErrorDescriptor {
	code := wire.CodeGeneric
	switch {
	case errors.Is(err, ErrNotImplemented):
		code = wire.CodeNotImplemented
	case errors.Is(err, ErrDroppedWithoutReply):
		code = wire.CodeDroppedWithoutReply
	case errors.Is(err, ErrPeerNotFound):
		code = wire.CodePeerNotFound
	case errors.Is(err, ErrHandshakeFailed):
		code = wire.CodeHandshake
	}
	return &wire.ErrorDescriptor{Code: code, Message: err.Error()}
}

// errorFromDescriptor maps a wire error descriptor back onto a sentinel
// where one exists, so callers can use errors.Is across the wire.
func errorFromDescriptor(d *wire.ErrorDescriptor) error {
	var sentinel error
	switch d.Code {
	case wire.CodeNotImplemented:
		sentinel = ErrNotImplemented
	case wire.CodeDroppedWithoutReply:
		sentinel = ErrDroppedWithoutReply
	case wire.CodePeerNotFound:
		sentinel = ErrPeerNotFound
	case wire.CodeHandshake:
		sentinel = ErrHandshakeFailed
	default:
		if d.Message != "" {
			return errors.New(d.Message)
		}
		return fmt.Errorf("peer reported %s error", d.Code)
	}

	if d.Message != "" && d.Message != sentinel.Error() {
		return fmt.Errorf("%w: %s", sentinel, d.Message)
	}
	return sentinel
}
