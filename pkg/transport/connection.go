package transport

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duplex-protocol/duplex-go/pkg/channel"
	"github.com/duplex-protocol/duplex-go/pkg/connection"
	"github.com/duplex-protocol/duplex-go/pkg/log"
	"github.com/duplex-protocol/duplex-go/pkg/wire"
)

// ReconnectDisabled is the ReconnectDelay sentinel that disables
// reconnection. It is the zero value, so reconnection is opt-in.
const ReconnectDisabled time.Duration = 0

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	// Codec encodes message payloads. Defaults to wire.DefaultCodec (JSON).
	Codec wire.Codec

	// ReconnectDelay is the initial delay before reconnecting after a
	// drop. ReconnectDisabled (the zero value) disables reconnection.
	// Repeated failed attempts back off exponentially from this value.
	ReconnectDelay time.Duration

	// Logger for transport logging (optional).
	Logger log.Logger

	// Executor delivers callbacks: state changes, decoded messages and
	// reply results. Defaults to a per-connection serial queue so
	// delivery never blocks the connection's internal processing.
	Executor Executor
}

// DefaultConnectionConfig returns the default connection configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{Codec: wire.DefaultCodec}
}

// connectionRole distinguishes the two handshake roles.
type connectionRole uint8

const (
	roleClient connectionRole = iota
	roleServer
)

// pendingReply is one entry in the reply correlation table.
// complete is invoked exactly once, on the connection's queue.
type pendingReply struct {
	complete func(data []byte, err error)
}

// Connection is one logical peer session over a raw channel. It may
// span several raw connections when reconnection is enabled; the peer
// identity and user-info blob are stable across that whole lifetime.
type Connection struct {
	codec  wire.Codec
	logger log.Logger
	connID string

	role connectionRole

	// queue owns all mutable connection state below.
	queue     *serialQueue
	callbacks Executor
	cbQueue   *serialQueue

	// Owned by queue.
	desc           channel.Descriptor
	backoff        *connection.Backoff
	raw            channel.Conn
	state          ConnectionState
	terminal       bool
	deferredResume bool
	pending        map[uuid.UUID]*pendingReply
	receive        func(env *wire.Envelope) error
	stateHandler   func(ConnectionState)
	lifecycleHook  func(ConnectionState)

	// Peer identity, readable from any goroutine.
	identityMu sync.RWMutex
	peerID     uuid.UUID
	userInfo   []byte

	stateVal   atomic.Uint32
	handshaken atomic.Bool
}

// NewConnection creates a client-role connection from a descriptor.
// A fresh peer identity is generated once and reused across reconnects.
// The connection does nothing until Activate is called.
func NewConnection(desc channel.Descriptor, cfg ConnectionConfig) *Connection {
	c := newConnection(roleClient, cfg)
	c.desc = desc
	c.peerID = uuid.New()
	return c
}

// Dial creates a client-role connection to a unix socket service.
func Dial(path string, cfg ConnectionConfig) *Connection {
	return NewConnection(channel.SocketDescriptor{Path: path}, cfg)
}

// NewConnectionWithEndpoint creates a client-role connection around an
// already-obtained raw connection. The endpoint cannot be recreated, so
// the connection never reconnects regardless of ReconnectDelay.
func NewConnectionWithEndpoint(raw channel.Conn, cfg ConnectionConfig) *Connection {
	return NewConnection(channel.NewEndpointDescriptor(raw), cfg)
}

// NewServerConnection wraps an already-accepted raw connection in a
// server-role connection. The peer identity and user-info arrive from
// the client during handshake. The first Activate opens the channel for
// the handshake; once Connected the connection holds inbound traffic
// until a second Activate resumes it, so the owner can finish wiring
// handlers first. Listener and Server drive this automatically.
func NewServerConnection(raw channel.Conn, cfg ConnectionConfig) *Connection {
	c := newConnection(roleServer, cfg)
	c.attachRaw(raw)
	return c
}

func newConnection(role connectionRole, cfg ConnectionConfig) *Connection {
	if cfg.Codec == nil {
		cfg.Codec = wire.DefaultCodec
	}

	c := &Connection{
		codec:   cfg.Codec,
		logger:  cfg.Logger,
		connID:  uuid.NewString(),
		role:    role,
		queue:   newSerialQueue(),
		pending: make(map[uuid.UUID]*pendingReply),
	}

	if cfg.ReconnectDelay > ReconnectDisabled {
		c.backoff = connection.NewBackoffWithConfig(connection.BackoffConfig{
			Initial: cfg.ReconnectDelay,
		})
	}

	if cfg.Executor != nil {
		c.callbacks = cfg.Executor
	} else {
		c.cbQueue = newSerialQueue()
		c.callbacks = c.cbQueue.async
	}

	return c
}

// ConnID returns the unique connection identifier used in log events.
func (c *Connection) ConnID() string {
	return c.connID
}

// PeerID returns the peer identity. Client side it is assigned at
// construction; server side it is zero until the handshake completes.
func (c *Connection) PeerID() uuid.UUID {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.peerID
}

// PeerUserInfo returns the peer user-info blob. Immutable once the
// handshake completes.
func (c *Connection) PeerUserInfo() []byte {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return slices.Clone(c.userInfo)
}

// SetPeerUserInfo sets the user-info blob transmitted during the
// handshake. Must be called before Activate; ignored once a handshake
// has completed.
func (c *Connection) SetPeerUserInfo(info []byte) {
	if c.handshaken.Load() {
		return
	}
	c.identityMu.Lock()
	c.userInfo = slices.Clone(info)
	c.identityMu.Unlock()
}

// State returns the current connection state. Zero before Activate.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.stateVal.Load())
}

// SetStateHandler installs the state-change callback, delivered on the
// connection's callback executor.
func (c *Connection) SetStateHandler(handler func(ConnectionState)) {
	c.queue.async(func() { c.stateHandler = handler })
}

// setLifecycleHook installs the internal owner hook (listener/server).
// The hook runs synchronously on the connection's queue. If the
// connection is already terminal the hook fires immediately so owners
// never miss the removal signal.
func (c *Connection) setLifecycleHook(hook func(ConnectionState)) {
	c.queue.async(func() {
		c.lifecycleHook = hook
		if c.terminal && hook != nil {
			hook(StateInvalidated)
		}
	})
}

// setReceiveHandler installs the type-erased receive handler.
func (c *Connection) setReceiveHandler(h func(env *wire.Envelope) error) {
	c.queue.async(func() { c.receive = h })
}

// Activate drives the connection toward Connected.
//
// Client role: opens the raw connection, transitions to Connecting and
// performs the handshake. Server role: the first call resumes the raw
// connection so the client hello can arrive; a second call, after the
// listener has handed the connection over, performs the deferred resume
// that releases buffered application traffic.
func (c *Connection) Activate() {
	c.queue.async(c.activateLocked)
}

func (c *Connection) activateLocked() {
	if c.terminal {
		return
	}

	if c.role == roleServer {
		if !c.handshaken.Load() {
			if c.state != StateConnecting {
				c.setState(StateConnecting, "awaiting client hello")
				c.raw.Resume()
			}
			return
		}
		if c.deferredResume {
			c.deferredResume = false
			c.raw.Resume()
		}
		return
	}

	// Client role. A non-nil raw means an attempt is already in flight
	// or connected; Activate is idempotent per attempt.
	if c.raw != nil || c.desc == nil {
		return
	}

	c.setState(StateConnecting, "")

	raw, err := c.desc.Open()
	if err != nil {
		c.logError(err, "open descriptor")
		c.connectionDropped()
		return
	}
	c.attachRaw(raw)
	raw.Resume()

	c.identityMu.RLock()
	hello := wire.EncodeClientHello(c.peerID, c.userInfo)
	userInfoSize := len(c.userInfo)
	c.identityMu.RUnlock()

	c.logHandshake(log.DirectionOut, userInfoSize)
	raw.SendRequest(hello, func(reply []byte, err error) {
		c.queue.async(func() { c.helloReply(raw, reply, err) })
	})
}

// attachRaw installs the connection's hooks on a raw connection and
// makes it current.
func (c *Connection) attachRaw(raw channel.Conn) {
	c.raw = raw
	raw.SetRequestHandler(func(data []byte, respond channel.RespondFunc) {
		c.queue.async(func() { c.processInbound(raw, data, respond) })
	})
	raw.SetInterruptionHandler(func() {
		// A peer-side drop is treated identically to invalidation.
		raw.Invalidate()
	})
	raw.SetInvalidationHandler(func() {
		c.queue.async(func() { c.rawInvalidated(raw) })
	})
}

// helloReply handles the outcome of the client's hello exchange.
func (c *Connection) helloReply(raw channel.Conn, reply []byte, err error) {
	if raw != c.raw || c.terminal {
		return
	}
	if err != nil {
		c.logError(fmt.Errorf("%w: %v", ErrHandshakeFailed, err), "handshake")
		raw.Invalidate()
		return
	}
	if !wire.IsServerHello(reply) {
		c.logError(fmt.Errorf("%w: unexpected handshake reply (%d bytes)", ErrHandshakeFailed, len(reply)), "handshake")
		raw.Invalidate()
		return
	}

	if c.backoff != nil {
		c.backoff.Reset()
	}
	c.handshaken.Store(true)
	c.setState(StateConnected, "")
}

// rawInvalidated reacts to the current raw connection going away.
func (c *Connection) rawInvalidated(raw channel.Conn) {
	if raw != c.raw {
		return
	}
	c.raw = nil
	c.deferredResume = false
	c.connectionDropped()
}

// connectionDropped decides between reconnecting and terminal
// invalidation after the raw connection is gone.
func (c *Connection) connectionDropped() {
	if c.terminal {
		return
	}
	if c.desc != nil && c.desc.Reconnectable() && c.backoff != nil {
		delay := c.backoff.Next()
		c.logState(c.state, StateConnecting, fmt.Sprintf("reconnecting in %s", delay))
		time.AfterFunc(delay, func() {
			c.queue.async(c.activateLocked)
		})
		return
	}
	c.becomeInvalidated()
}

// becomeInvalidated performs the terminal teardown: every pending reply
// resolves with ErrInvalidated so no sender is left waiting. A
// reconnect cycle never reaches here and preserves pending entries;
// they fail through their own raw-call errors instead.
func (c *Connection) becomeInvalidated() {
	if c.terminal {
		return
	}
	c.terminal = true

	pending := c.pending
	c.pending = nil
	for _, entry := range pending {
		entry.complete(nil, ErrInvalidated)
	}

	c.setState(StateInvalidated, "")

	c.queue.close()
	if c.cbQueue != nil {
		c.cbQueue.close()
	}
}

// Invalidate tears the connection down. It clears the descriptor so no
// further reconnects happen, then invalidates the current raw
// connection; the cascade settles at StateInvalidated. Idempotent:
// repeated calls produce a single Invalidated transition.
func (c *Connection) Invalidate() {
	c.queue.async(func() {
		c.desc = nil
		if c.deferredResume && c.raw != nil {
			// Never leak a suspended raw connection.
			c.deferredResume = false
			c.raw.Resume()
		}
		if c.raw != nil {
			c.raw.Invalidate()
		} else {
			c.becomeInvalidated()
		}
	})
}

// sendEnvelope transmits an encoded message envelope, registering its
// pending reply first so an inbound reply frame can never miss it.
func (c *Connection) sendEnvelope(id uuid.UUID, entry *pendingReply, data []byte) {
	if c.terminal {
		if entry != nil {
			entry.complete(nil, ErrInvalidated)
		}
		return
	}
	if entry != nil {
		c.pending[id] = entry
	}

	raw := c.raw
	if raw == nil {
		if entry != nil {
			delete(c.pending, id)
			entry.complete(nil, ErrNotConnected)
		}
		return
	}

	raw.SendRequest(data, func(_ []byte, err error) {
		if err == nil {
			// The raw call's own reply is only a confirmation; inbound
			// reply frames fulfill pending entries independently.
			return
		}
		c.queue.async(func() {
			c.logError(err, "send")
			if entry == nil {
				return
			}
			if _, ok := c.pending[id]; ok {
				delete(c.pending, id)
				entry.complete(nil, err)
			}
		})
	})
}

// sendReplyFrame transmits a correlated reply frame to the peer.
// Called from reply handles on arbitrary goroutines.
func (c *Connection) sendReplyFrame(frame *wire.ReplyFrame) {
	c.queue.async(func() { c.sendReplyFrameLocked(frame) })
}

func (c *Connection) sendReplyFrameLocked(frame *wire.ReplyFrame) {
	if c.terminal || c.raw == nil {
		// The channel is gone; the sender's pending entry resolves
		// through its own teardown path.
		return
	}
	data, err := wire.EncodeReplyFrame(c.codec, frame)
	if err != nil {
		c.logError(err, "encode reply frame")
		return
	}
	c.logReply(log.DirectionOut, frame)
	c.raw.SendRequest(data, func(_ []byte, err error) {
		if err != nil {
			c.logError(err, "send reply frame")
		}
	})
}

// processInbound handles one inbound raw call on the queue.
func (c *Connection) processInbound(raw channel.Conn, data []byte, respond channel.RespondFunc) {
	if raw != c.raw || c.terminal {
		respond(nil, ErrInvalidated)
		return
	}

	// A client hello is only meaningful server side, before the
	// handshake; past that point hello-shaped payloads are application
	// traffic like any other.
	if c.role == roleServer && !c.handshaken.Load() {
		if wire.IsClientHello(data) {
			c.acceptHello(data, respond)
		} else {
			respond(nil, fmt.Errorf("%w: expected client hello", ErrHandshakeFailed))
			raw.Invalidate()
		}
		return
	}

	kind, err := wire.PeekKind(c.codec, data)
	if err != nil {
		respond(nil, err)
		return
	}

	switch kind {
	case wire.KindReply:
		c.handleReplyFrame(data, respond)
	case wire.KindMessage:
		c.handleMessageFrame(data, respond)
	default:
		respond(nil, fmt.Errorf("unknown frame kind %d", kind))
	}
}

// acceptHello validates the client hello, records the peer identity and
// completes the server side of the handshake. The raw connection is
// suspended until the owner's deferred Activate; the hello reply itself
// still goes out because suspension only gates inbound delivery.
func (c *Connection) acceptHello(data []byte, respond channel.RespondFunc) {
	peerID, userInfo, err := wire.ParseClientHello(data)
	if err != nil {
		respond(nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
		c.raw.Invalidate()
		return
	}

	c.raw.Suspend()
	c.deferredResume = true

	c.identityMu.Lock()
	c.peerID = peerID
	c.userInfo = slices.Clone(userInfo)
	c.identityMu.Unlock()

	c.logHandshake(log.DirectionIn, len(userInfo))
	c.handshaken.Store(true)
	c.setState(StateConnected, "")

	respond(wire.MagicServerHello, nil)
}

// handleReplyFrame fulfills the pending entry for an inbound reply.
// Unknown correlation ids are silently ignored; the peer may have
// already torn down.
func (c *Connection) handleReplyFrame(data []byte, respond channel.RespondFunc) {
	frame, err := wire.DecodeReplyFrame(c.codec, data)
	if err != nil {
		respond(nil, err)
		return
	}
	id, err := uuid.Parse(frame.ID)
	if err != nil {
		respond(nil, fmt.Errorf("invalid correlation id %q: %w", frame.ID, err))
		return
	}

	c.logReply(log.DirectionIn, frame)

	if entry, ok := c.pending[id]; ok {
		delete(c.pending, id)
		if frame.Error != nil {
			entry.complete(nil, errorFromDescriptor(frame.Error))
		} else {
			entry.complete(frame.Data, nil)
		}
	}

	respond(nil, nil)
}

// handleMessageFrame dispatches an inbound application message to the
// receive handler. Failures are answered both on the raw call and, when
// the message expects a reply, as a correlated error frame so the
// sender's continuation resolves with a typed error.
func (c *Connection) handleMessageFrame(data []byte, respond channel.RespondFunc) {
	env, err := wire.DecodeEnvelope(c.codec, data)
	if err != nil {
		respond(nil, err)
		return
	}

	if c.receive == nil {
		c.replyWithError(env, ErrNotImplemented)
		respond(nil, ErrNotImplemented)
		return
	}

	if err := c.receive(env); err != nil {
		c.replyWithError(env, err)
		respond(nil, err)
		return
	}

	respond(nil, nil)
}

// replyWithError resolves the message's correlation id with an error,
// when the message carries one.
func (c *Connection) replyWithError(env *wire.Envelope, err error) {
	if env.ReplyID == "" {
		return
	}
	c.sendReplyFrameLocked(&wire.ReplyFrame{ID: env.ReplyID, Error: errorToDescriptor(err)})
}

// setState records a transition and fans it out: internal lifecycle
// hook synchronously on the queue, user state handler on the callback
// executor.
func (c *Connection) setState(s ConnectionState, reason string) {
	old := c.state
	c.state = s
	c.stateVal.Store(uint32(s))

	c.logState(old, s, reason)

	if c.lifecycleHook != nil {
		c.lifecycleHook(s)
	}
	if c.stateHandler != nil {
		handler := c.stateHandler
		c.callbacks(func() { handler(s) })
	}
}

// Logging helpers.

func (c *Connection) logState(old, new ConnectionState, reason string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		PeerID:       c.PeerID().String(),
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: old.String(),
			NewState: new.String(),
			Reason:   reason,
		},
	})
}

func (c *Connection) logHandshake(direction log.Direction, userInfoSize int) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		PeerID:       c.PeerID().String(),
		Direction:    direction,
		Category:     log.CategoryHandshake,
		Handshake:    &log.HandshakeEvent{UserInfoSize: userInfoSize},
	})
}

func (c *Connection) logReply(direction log.Direction, frame *wire.ReplyFrame) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		PeerID:       c.PeerID().String(),
		Direction:    direction,
		Category:     log.CategoryReply,
		Reply: &log.ReplyEvent{
			CorrelationID: frame.ID,
			Failed:        frame.Error != nil,
		},
	})
}

func (c *Connection) logError(err error, context string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		PeerID:       c.PeerID().String(),
		Category:     log.CategoryError,
		Error:        &log.ErrorEvent{Message: err.Error(), Context: context},
	})
}
