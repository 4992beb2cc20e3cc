package channel

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	payloads := [][]byte{
		[]byte("a"),
		[]byte("hello framing"),
		bytes.Repeat([]byte{0xAB}, 1000),
	}

	for _, p := range payloads {
		if err := f.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}
	for i, want := range payloads {
		got, err := f.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d mismatch: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestFramerEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	if err := f.WriteFrame(nil); !errors.Is(err, ErrFrameEmpty) {
		t.Errorf("got %v, want ErrFrameEmpty", err)
	}
}

func TestFramerTooLarge(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramerWithMaxSize(&buf, 16)

	if err := f.WriteFrame(make([]byte, 17)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("write: got %v, want ErrFrameTooLarge", err)
	}

	// An inbound length prefix over the limit must be rejected before
	// any allocation.
	buf.Reset()
	big := NewFramer(&buf)
	if err := big.WriteFrame(make([]byte, 64)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := f.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("read: got %v, want ErrFrameTooLarge", err)
	}
}

func TestFramerTruncated(t *testing.T) {
	var buf bytes.Buffer
	w := NewFramer(&buf)
	if err := w.WriteFrame([]byte("truncate me")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	cut := buf.Bytes()[:buf.Len()-3]
	r := NewFramer(bytes.NewBuffer(cut))
	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTruncated) {
		t.Errorf("got %v, want ErrFrameTruncated", err)
	}
}

func TestFramerEOF(t *testing.T) {
	f := NewFramer(bytes.NewBuffer(nil))
	if _, err := f.ReadFrame(); err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestRawFrameRoundTrip(t *testing.T) {
	frame := encodeRawFrame(rawRequest, 42, []byte("payload"))

	kind, seq, payload, err := decodeRawFrame(frame)
	if err != nil {
		t.Fatalf("decodeRawFrame failed: %v", err)
	}
	if kind != rawRequest || seq != 42 || string(payload) != "payload" {
		t.Errorf("got kind=%d seq=%d payload=%q", kind, seq, payload)
	}

	if _, _, _, err := decodeRawFrame(frame[:rawHeaderSize-1]); !errors.Is(err, ErrFrameTruncated) {
		t.Errorf("short frame: got %v, want ErrFrameTruncated", err)
	}
}
