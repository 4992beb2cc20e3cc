package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// Codec encodes and decodes typed payloads to and from byte buffers.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Name returns a short identifier for the codec (e.g. "json").
	Name() string

	// Encode encodes a value to bytes.
	Encode(v any) ([]byte, error)

	// Decode decodes bytes into the given value.
	Decode(data []byte, v any) error
}

// DefaultCodec is the codec used when none is configured.
var DefaultCodec Codec = JSONCodec{}

// JSONCodec encodes payloads as JSON. It is the default codec.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Encode encodes a value to JSON bytes.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into a value.
func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// encMode is the CBOR encoder mode for duplex frames.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for duplex frames.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical, // Deterministic key ordering
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix, // Unix timestamps
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet, // Ignore duplicate keys (last wins)
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// CBORCodec encodes payloads as deterministic CBOR with integer keys.
type CBORCodec struct{}

// Name returns "cbor".
func (CBORCodec) Name() string { return "cbor" }

// Encode encodes a value to CBOR bytes.
func (CBORCodec) Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode decodes CBOR bytes into a value.
func (CBORCodec) Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// YAMLCodec encodes payloads as YAML. Intended for debugging and for
// integrations that favor human-readable traffic over compactness.
type YAMLCodec struct{}

// Name returns "yaml".
func (YAMLCodec) Name() string { return "yaml" }

// Encode encodes a value to YAML bytes.
func (YAMLCodec) Encode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

// Decode decodes YAML bytes into a value.
func (YAMLCodec) Decode(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// Compile-time interface satisfaction checks.
var (
	_ Codec = JSONCodec{}
	_ Codec = CBORCodec{}
	_ Codec = YAMLCodec{}
)
