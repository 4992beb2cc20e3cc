package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Handshake magic tokens. Both tokens are fixed width so a handshake
// frame can be recognized by a plain prefix check before the payload
// codec is involved.
var (
	// MagicClientHello prefixes the client's opening handshake frame.
	MagicClientHello = []byte("duplex/1 client-hello")

	// MagicServerHello is the entire body of the server's handshake reply.
	MagicServerHello = []byte("duplex/1 server-hello")
)

// PeerIDSize is the width of the raw peer identity in a hello frame.
const PeerIDSize = 16

// Handshake parse errors.
var (
	// ErrHelloTooShort indicates a hello frame shorter than magic + peer id.
	ErrHelloTooShort = errors.New("client hello too short")

	// ErrHelloBadMagic indicates a hello frame with an unknown magic token.
	ErrHelloBadMagic = errors.New("client hello has unexpected magic token")
)

// EncodeClientHello builds the client's opening handshake frame:
// the client magic token, the raw 16 peer identity bytes, and the
// user-info blob occupying the remainder of the frame.
func EncodeClientHello(peerID uuid.UUID, userInfo []byte) []byte {
	frame := make([]byte, 0, len(MagicClientHello)+PeerIDSize+len(userInfo))
	frame = append(frame, MagicClientHello...)
	frame = append(frame, peerID[:]...)
	frame = append(frame, userInfo...)
	return frame
}

// IsClientHello reports whether data starts with the client magic token.
func IsClientHello(data []byte) bool {
	return bytes.HasPrefix(data, MagicClientHello)
}

// IsServerHello reports whether data equals the server magic token.
func IsServerHello(data []byte) bool {
	return bytes.Equal(data, MagicServerHello)
}

// ParseClientHello validates and splits a client hello frame into the
// peer identity and the user-info blob. The user-info slice aliases the
// input frame.
func ParseClientHello(data []byte) (uuid.UUID, []byte, error) {
	if len(data) < len(MagicClientHello)+PeerIDSize {
		return uuid.Nil, nil, fmt.Errorf("%w: %d bytes", ErrHelloTooShort, len(data))
	}
	if !IsClientHello(data) {
		return uuid.Nil, nil, ErrHelloBadMagic
	}

	rest := data[len(MagicClientHello):]
	peerID, err := uuid.FromBytes(rest[:PeerIDSize])
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("invalid peer identity in client hello: %w", err)
	}

	return peerID, rest[PeerIDSize:], nil
}
