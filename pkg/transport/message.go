package transport

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/duplex-protocol/duplex-go/pkg/wire"
)

// Message pairs a request payload with an optional reply capability.
//
// On the sending side, Reply (if non-nil) is the continuation that will
// receive the peer's response; it is extracted during encoding and
// registered under a fresh correlation id before the message hits the
// wire. On the receiving side, Reply is a live handle wired to the
// connection's reply path and must be resolved exactly once.
type Message[Req, Resp any] struct {
	Request Req
	Reply   *Reply[Resp]
}

// Reply is a single-use reply capability embedded in a Message.
//
// Outbound replies are created with NewReply around a continuation.
// Inbound replies are constructed by the transport during decode;
// invoke Resolve or Fail exactly once. An inbound reply that is
// discarded without being invoked automatically sends a synthesized
// dropped-without-reply failure to the peer, so the original sender is
// never left waiting.
type Reply[T any] struct {
	// Outbound mode: local continuation.
	fn   func(value T, err error)
	once sync.Once

	// Inbound mode: wire sender, shared with the drop cleanup.
	st *replyState
}

// NewReply creates an outbound reply capability around a continuation.
// The continuation is invoked exactly once, on the connection's
// callback executor, with either the decoded response or an error.
func NewReply[T any](fn func(value T, err error)) *Reply[T] {
	return &Reply[T]{fn: fn}
}

// Resolve completes the reply with a value.
func (r *Reply[T]) Resolve(value T) {
	if r.st != nil {
		data, err := r.st.conn.codec.Encode(value)
		if err != nil {
			r.st.transmit(&wire.ReplyFrame{
				ID:    r.st.id,
				Error: &wire.ErrorDescriptor{Code: wire.CodeDecode, Message: fmt.Sprintf("failed to encode reply: %v", err)},
			})
			return
		}
		r.st.transmit(&wire.ReplyFrame{ID: r.st.id, Data: data})
		return
	}
	r.deliver(value, nil)
}

// Fail completes the reply with an error.
func (r *Reply[T]) Fail(err error) {
	if r.st != nil {
		r.st.transmit(&wire.ReplyFrame{ID: r.st.id, Error: errorToDescriptor(err)})
		return
	}
	var zero T
	r.deliver(zero, err)
}

// deliver invokes the outbound continuation exactly once.
func (r *Reply[T]) deliver(value T, err error) {
	r.once.Do(func() {
		if r.fn != nil {
			r.fn(value, err)
		}
	})
}

// replyState is the generic-free wire side of an inbound reply handle.
// It is shared with the runtime cleanup so a collected, unresolved
// handle can still synthesize a failure.
type replyState struct {
	conn *Connection
	id   string
	once sync.Once
}

// transmit sends the reply frame, at most once per handle.
func (st *replyState) transmit(frame *wire.ReplyFrame) {
	st.once.Do(func() {
		st.conn.sendReplyFrame(frame)
	})
}

// drop synthesizes the dropped-without-reply failure.
func (st *replyState) drop() {
	st.transmit(&wire.ReplyFrame{ID: st.id, Error: errorToDescriptor(ErrDroppedWithoutReply)})
}

// newIncomingReply builds the live reply handle for a decoded message.
func newIncomingReply[T any](c *Connection, id string) *Reply[T] {
	st := &replyState{conn: c, id: id}
	r := &Reply[T]{st: st}
	runtime.AddCleanup(r, func(st *replyState) { st.drop() }, st)
	return r
}

// Send encodes and sends a message over the connection.
//
// It fails synchronously with ErrNotActivated if the connection has
// never completed a handshake, and with an encode error if the request
// payload cannot be encoded. All transport-level failures after that
// point are delivered asynchronously through the message's reply
// continuation, never returned here.
func Send[Req, Resp any](c *Connection, msg Message[Req, Resp]) error {
	if !c.handshaken.Load() {
		return ErrNotActivated
	}

	reqData, err := c.codec.Encode(msg.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	env := &wire.Envelope{Request: reqData}

	var id uuid.UUID
	var entry *pendingReply
	if msg.Reply != nil {
		id = uuid.New()
		env.ReplyID = id.String()
		reply := msg.Reply
		entry = &pendingReply{complete: func(data []byte, err error) {
			c.callbacks(func() {
				if err != nil {
					var zero Resp
					reply.deliver(zero, err)
					return
				}
				var value Resp
				if derr := c.codec.Decode(data, &value); derr != nil {
					var zero Resp
					reply.deliver(zero, fmt.Errorf("failed to decode reply: %w", derr))
					return
				}
				reply.deliver(value, nil)
			})
		}}
	}

	data, err := wire.EncodeEnvelope(c.codec, env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	c.queue.async(func() { c.sendEnvelope(id, entry, data) })
	return nil
}

// SetReceiveHandler installs the typed receive handler for the
// connection. A single handler serves all inbound messages; its type
// parameters fix the request and reply payload types. The handler runs
// on the connection's callback executor.
func SetReceiveHandler[Req, Resp any](c *Connection, handler func(msg Message[Req, Resp])) {
	c.setReceiveHandler(func(env *wire.Envelope) error {
		var req Req
		if err := c.codec.Decode(env.Request, &req); err != nil {
			return fmt.Errorf("failed to decode request: %w", err)
		}
		msg := Message[Req, Resp]{Request: req}
		if env.ReplyID != "" {
			msg.Reply = newIncomingReply[Resp](c, env.ReplyID)
		}
		c.callbacks(func() { handler(msg) })
		return nil
	})
}
