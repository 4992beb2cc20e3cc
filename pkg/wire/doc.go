// Package wire defines the duplex wire format and payload codecs.
//
// Three frame shapes travel over a raw channel:
//
//   - Handshake frames: a fixed magic token followed by the peer identity
//     and an arbitrary user-info blob. These are raw bytes, never touched
//     by the payload codec, so a handshake can be recognized before any
//     codec negotiation.
//   - Message envelopes: a codec-encoded request payload plus an optional
//     reply correlation id.
//   - Reply frames: a correlation id plus either response bytes or an
//     error descriptor.
//
// The payload codec is pluggable. JSON is the default; CBOR and YAML
// codecs are provided as alternatives.
package wire
