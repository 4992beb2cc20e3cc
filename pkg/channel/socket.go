package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/duplex-protocol/duplex-go/pkg/log"
)

// Raw frame kinds carried inside the length-prefixed framing.
const (
	rawRequest  = 1
	rawResponse = 2
	rawError    = 3
)

// rawHeaderSize is the raw frame header: 1 kind byte + 8 sequence bytes.
const rawHeaderSize = 9

// RemoteError is a failure reported by the peer for a raw call.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// streamConn implements Conn over a byte stream using length-prefixed
// frames and a sequence-correlated request/reply layer.
type streamConn struct {
	rwc    io.ReadWriteCloser
	framer *Framer

	mu             sync.Mutex
	pending        map[uint64]func([]byte, error)
	nextSeq        uint64
	invalidated    bool
	suspended      bool
	queued         []func()
	requestHandler RequestHandler
	onInterruption func()
	onInvalidation func()

	// dispatchMu serializes inbound request handler invocations so the
	// handler observes calls one at a time, in arrival order.
	dispatchMu sync.Mutex

	invalidateOnce sync.Once
}

// NewStreamConn wraps a byte stream (unix socket, in-memory pipe) in a
// raw request/reply channel. The returned Conn is suspended and its
// read loop is already running; install handlers, then Resume.
func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	c := &streamConn{
		rwc:       rwc,
		framer:    NewFramer(rwc),
		pending:   make(map[uint64]func([]byte, error)),
		suspended: true,
	}
	go c.readLoop()
	return c
}

// SetLogger configures frame logging for the underlying framer.
func (c *streamConn) SetLogger(logger log.Logger, connID string) {
	c.framer.SetLogger(logger, connID)
}

// Resume starts delivery of inbound requests, flushing anything queued
// while suspended. The gate stays closed until the backlog is drained
// so requests arriving mid-flush keep their arrival order.
func (c *streamConn) Resume() {
	c.mu.Lock()
	if !c.suspended || c.invalidated {
		c.mu.Unlock()
		return
	}
	for len(c.queued) > 0 {
		batch := c.queued
		c.queued = nil
		c.mu.Unlock()
		for _, fn := range batch {
			c.dispatchMu.Lock()
			fn()
			c.dispatchMu.Unlock()
		}
		c.mu.Lock()
		if c.invalidated {
			c.mu.Unlock()
			return
		}
	}
	c.suspended = false
	c.mu.Unlock()
}

// Suspend re-gates delivery of inbound requests.
func (c *streamConn) Suspend() {
	c.mu.Lock()
	c.suspended = true
	c.mu.Unlock()
}

// Invalidate tears the channel down and fails all pending calls.
func (c *streamConn) Invalidate() {
	c.invalidateOnce.Do(func() {
		c.mu.Lock()
		c.invalidated = true
		c.queued = nil
		onInvalidation := c.onInvalidation
		c.mu.Unlock()

		c.rwc.Close()
		c.failPending(ErrInvalidated)

		if onInvalidation != nil {
			onInvalidation()
		}
	})
}

// SendRequest sends a raw payload and registers the completion under a
// fresh sequence number before the frame hits the wire.
func (c *streamConn) SendRequest(data []byte, completion func([]byte, error)) {
	c.mu.Lock()
	if c.invalidated {
		c.mu.Unlock()
		completion(nil, ErrInvalidated)
		return
	}
	c.nextSeq++
	seq := c.nextSeq
	c.pending[seq] = completion
	c.mu.Unlock()

	if err := c.framer.WriteFrame(encodeRawFrame(rawRequest, seq, data)); err != nil {
		c.mu.Lock()
		_, still := c.pending[seq]
		delete(c.pending, seq)
		c.mu.Unlock()
		if still {
			completion(nil, fmt.Errorf("raw send failed: %w", err))
		}
	}
}

// SetRequestHandler installs the inbound request handler.
func (c *streamConn) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	c.requestHandler = h
	c.mu.Unlock()
}

// SetInterruptionHandler installs the peer-drop hook.
func (c *streamConn) SetInterruptionHandler(h func()) {
	c.mu.Lock()
	c.onInterruption = h
	c.mu.Unlock()
}

// SetInvalidationHandler installs the teardown hook.
func (c *streamConn) SetInvalidationHandler(h func()) {
	c.mu.Lock()
	c.onInvalidation = h
	c.mu.Unlock()
}

// readLoop reads frames until the stream fails or is invalidated.
func (c *streamConn) readLoop() {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.readFailed(err)
			return
		}

		kind, seq, payload, err := decodeRawFrame(frame)
		if err != nil {
			// Malformed raw frame; nothing can be correlated, skip it.
			continue
		}

		switch kind {
		case rawRequest:
			respond := c.responder(seq)
			c.dispatch(func() {
				c.mu.Lock()
				h := c.requestHandler
				c.mu.Unlock()
				if h == nil {
					respond(nil, ErrNoRequestHandler)
					return
				}
				h(payload, respond)
			})

		case rawResponse:
			c.fulfill(seq, payload, nil)

		case rawError:
			c.fulfill(seq, nil, &RemoteError{Message: string(payload)})
		}
	}
}

// dispatch runs fn through the suspend gate.
func (c *streamConn) dispatch(fn func()) {
	c.mu.Lock()
	if c.invalidated {
		c.mu.Unlock()
		return
	}
	if c.suspended {
		c.queued = append(c.queued, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.dispatchMu.Lock()
	fn()
	c.dispatchMu.Unlock()
}

// responder builds the exactly-once reply path for one inbound request.
func (c *streamConn) responder(seq uint64) RespondFunc {
	var once sync.Once
	return func(data []byte, err error) {
		once.Do(func() {
			var frame []byte
			if err != nil {
				frame = encodeRawFrame(rawError, seq, []byte(err.Error()))
			} else {
				frame = encodeRawFrame(rawResponse, seq, data)
			}
			// The channel may be gone by the time the handler responds;
			// the caller's pending entry fails through its own error path.
			_ = c.framer.WriteFrame(frame)
		})
	}
}

// fulfill completes a pending outbound call. Unknown sequence numbers
// are ignored; the call may already have failed through a write error.
func (c *streamConn) fulfill(seq uint64, data []byte, err error) {
	c.mu.Lock()
	completion, ok := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()

	if ok {
		completion(data, err)
	}
}

// readFailed handles a read loop failure: all pending calls fail with
// the read error and the interruption hook fires. Without a hook the
// channel invalidates itself so nothing leaks.
func (c *streamConn) readFailed(err error) {
	c.mu.Lock()
	if c.invalidated {
		c.mu.Unlock()
		return
	}
	onInterruption := c.onInterruption
	c.mu.Unlock()

	c.failPending(fmt.Errorf("channel dropped: %w", err))

	if onInterruption != nil {
		onInterruption()
	} else {
		c.Invalidate()
	}
}

// failPending completes every pending outbound call with err.
func (c *streamConn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]func([]byte, error))
	c.mu.Unlock()

	for _, completion := range pending {
		completion(nil, err)
	}
}

// encodeRawFrame builds a raw frame: kind byte, sequence, payload.
func encodeRawFrame(kind byte, seq uint64, payload []byte) []byte {
	frame := make([]byte, rawHeaderSize+len(payload))
	frame[0] = kind
	binary.BigEndian.PutUint64(frame[1:rawHeaderSize], seq)
	copy(frame[rawHeaderSize:], payload)
	return frame
}

// decodeRawFrame splits a raw frame into kind, sequence and payload.
// The payload aliases the input frame.
func decodeRawFrame(frame []byte) (kind byte, seq uint64, payload []byte, err error) {
	if len(frame) < rawHeaderSize {
		return 0, 0, nil, ErrFrameTruncated
	}
	return frame[0], binary.BigEndian.Uint64(frame[1:rawHeaderSize]), frame[rawHeaderSize:], nil
}

// Pipe returns a connected in-memory Conn pair. Both ends are suspended.
// Useful for tests and same-process wiring.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return NewStreamConn(a), NewStreamConn(b)
}

// SocketDescriptor describes a reconnectable unix domain socket service.
type SocketDescriptor struct {
	// Path is the filesystem path of the unix socket.
	Path string
}

// Open dials the socket and wraps it in a suspended raw channel.
func (d SocketDescriptor) Open() (Conn, error) {
	conn, err := net.Dial("unix", d.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.Path, err)
	}
	return NewStreamConn(conn), nil
}

// Reconnectable reports true: the socket can be re-dialed after a drop.
func (d SocketDescriptor) Reconnectable() bool { return true }

// EndpointDescriptor wraps an already-obtained raw connection as a
// one-shot descriptor.
type EndpointDescriptor struct {
	mu   sync.Mutex
	conn Conn
}

// NewEndpointDescriptor creates a one-shot descriptor around conn.
func NewEndpointDescriptor(conn Conn) *EndpointDescriptor {
	return &EndpointDescriptor{conn: conn}
}

// Open yields the wrapped connection exactly once.
func (d *EndpointDescriptor) Open() (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, ErrEndpointConsumed
	}
	conn := d.conn
	d.conn = nil
	return conn, nil
}

// Reconnectable reports false: the endpoint cannot be recreated.
func (d *EndpointDescriptor) Reconnectable() bool { return false }

// Compile-time interface satisfaction checks.
var (
	_ Conn       = (*streamConn)(nil)
	_ Descriptor = SocketDescriptor{}
	_ Descriptor = (*EndpointDescriptor)(nil)
)
