package wire

import (
	"fmt"
)

// FrameKind distinguishes codec-encoded frame shapes on the wire.
type FrameKind uint8

const (
	// KindMessage is an application message envelope.
	KindMessage FrameKind = 1

	// KindReply is a correlated reply frame.
	KindReply FrameKind = 2
)

// String returns the frame kind name.
func (k FrameKind) String() string {
	switch k {
	case KindMessage:
		return "MESSAGE"
	case KindReply:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the wire form of an application message: the request
// payload pre-encoded by the codec, plus the correlation id of the
// embedded reply capability, if the message carries one.
type Envelope struct {
	Kind    FrameKind `json:"kind" cbor:"1,keyasint" yaml:"kind"`
	Request []byte    `json:"request,omitempty" cbor:"2,keyasint,omitempty" yaml:"request,omitempty"`
	ReplyID string    `json:"replyId,omitempty" cbor:"3,keyasint,omitempty" yaml:"replyId,omitempty"`
}

// ReplyFrame is the wire form of a correlated reply: either response
// bytes or an error descriptor, never both.
type ReplyFrame struct {
	Kind  FrameKind        `json:"kind" cbor:"1,keyasint" yaml:"kind"`
	ID    string           `json:"id" cbor:"2,keyasint" yaml:"id"`
	Data  []byte           `json:"data,omitempty" cbor:"3,keyasint,omitempty" yaml:"data,omitempty"`
	Error *ErrorDescriptor `json:"error,omitempty" cbor:"4,keyasint,omitempty" yaml:"error,omitempty"`
}

// ErrorCode classifies a wire-level failure so the receiving side can
// map it back to a sentinel error.
type ErrorCode uint8

const (
	// CodeGeneric is an uncategorized failure; Message carries the detail.
	CodeGeneric ErrorCode = 0

	// CodeNotImplemented indicates the peer has no receive handler registered.
	CodeNotImplemented ErrorCode = 1

	// CodeDroppedWithoutReply indicates a reply capability was discarded
	// without ever being invoked.
	CodeDroppedWithoutReply ErrorCode = 2

	// CodePeerNotFound indicates the addressed peer is not in the registry.
	CodePeerNotFound ErrorCode = 3

	// CodeHandshake indicates a malformed or rejected handshake.
	CodeHandshake ErrorCode = 4

	// CodeDecode indicates the peer failed to decode a frame or payload.
	CodeDecode ErrorCode = 5
)

// String returns the error code name.
func (c ErrorCode) String() string {
	switch c {
	case CodeGeneric:
		return "GENERIC"
	case CodeNotImplemented:
		return "NOT_IMPLEMENTED"
	case CodeDroppedWithoutReply:
		return "DROPPED_WITHOUT_REPLY"
	case CodePeerNotFound:
		return "PEER_NOT_FOUND"
	case CodeHandshake:
		return "HANDSHAKE"
	case CodeDecode:
		return "DECODE"
	default:
		return "UNKNOWN"
	}
}

// ErrorDescriptor is the wire form of a failure delivered to a peer.
type ErrorDescriptor struct {
	Code    ErrorCode `json:"code" cbor:"1,keyasint" yaml:"code"`
	Message string    `json:"message,omitempty" cbor:"2,keyasint,omitempty" yaml:"message,omitempty"`
}

// kindHeader is the minimal shape shared by both frame kinds, used for peeking.
type kindHeader struct {
	Kind FrameKind `json:"kind" cbor:"1,keyasint" yaml:"kind"`
}

// PeekKind inspects an encoded frame and returns its kind without fully
// decoding it. Envelopes and reply frames share the leading kind field,
// so this is how inbound traffic is dispatched.
func PeekKind(c Codec, data []byte) (FrameKind, error) {
	var hdr kindHeader
	if err := c.Decode(data, &hdr); err != nil {
		return 0, fmt.Errorf("failed to peek frame kind: %w", err)
	}
	return hdr.Kind, nil
}

// EncodeEnvelope encodes a message envelope with the given codec.
func EncodeEnvelope(c Codec, env *Envelope) ([]byte, error) {
	env.Kind = KindMessage
	data, err := c.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope decodes a message envelope with the given codec.
func DecodeEnvelope(c Codec, data []byte) (*Envelope, error) {
	var env Envelope
	if err := c.Decode(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Kind != KindMessage {
		return nil, fmt.Errorf("unexpected frame kind %s, want %s", env.Kind, KindMessage)
	}
	return &env, nil
}

// EncodeReplyFrame encodes a reply frame with the given codec.
func EncodeReplyFrame(c Codec, frame *ReplyFrame) ([]byte, error) {
	frame.Kind = KindReply
	data, err := c.Encode(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply frame: %w", err)
	}
	return data, nil
}

// DecodeReplyFrame decodes a reply frame with the given codec.
func DecodeReplyFrame(c Codec, data []byte) (*ReplyFrame, error) {
	var frame ReplyFrame
	if err := c.Decode(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode reply frame: %w", err)
	}
	if frame.Kind != KindReply {
		return nil, fmt.Errorf("unexpected frame kind %s, want %s", frame.Kind, KindReply)
	}
	return &frame, nil
}
