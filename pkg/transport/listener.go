package transport

import (
	"context"

	"github.com/duplex-protocol/duplex-go/pkg/channel"
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Connection configures every accepted connection. ReconnectDelay
	// is meaningless server side and ignored.
	Connection ConnectionConfig

	// VerifyConnection, when set, screens an accepted raw connection by
	// its transport-level peer token (for socket listeners a
	// channel.SocketPeer) before any handshake happens. Returning false
	// drops the connection without a reply.
	VerifyConnection func(token any) bool
}

// Listener accepts raw connections, runs the server side of the
// handshake on each, and hands fully handshaken connections to the
// connection handler. A handed-over connection is suspended; the
// receiver configures it and calls Activate to start traffic.
type Listener struct {
	inner   channel.Listener
	cfg     ListenerConfig
	handler func(*Connection)
}

// NewListener wraps a raw channel listener.
func NewListener(inner channel.Listener, cfg ListenerConfig) *Listener {
	l := &Listener{inner: inner, cfg: cfg}
	inner.SetAcceptHandler(l.accepted)
	return l
}

// NewSocketListener creates a listener on a unix socket path.
func NewSocketListener(path string, cfg ListenerConfig) *Listener {
	inner := channel.NewSocketListener(path)
	if cfg.Connection.Logger != nil {
		inner.SetLogger(cfg.Connection.Logger)
	}
	return NewListener(inner, cfg)
}

// SetConnectionHandler installs the callback invoked once per accepted
// connection, after its handshake completes. Must be set before Start.
func (l *Listener) SetConnectionHandler(handler func(*Connection)) {
	l.handler = handler
}

// Start begins accepting connections until ctx is canceled or Close is
// called.
func (l *Listener) Start(ctx context.Context) error {
	return l.inner.Start(ctx)
}

// Close stops accepting. Connections already handed over are unaffected.
func (l *Listener) Close() error {
	return l.inner.Close()
}

func (l *Listener) accepted(raw channel.Conn, token any) {
	if l.cfg.VerifyConnection != nil && !l.cfg.VerifyConnection(token) {
		raw.Invalidate()
		return
	}

	cfg := l.cfg.Connection
	cfg.ReconnectDelay = ReconnectDisabled

	conn := NewServerConnection(raw, cfg)

	// Hand the connection over once the client hello has been accepted.
	// Connections that die before then vanish silently; there is nothing
	// an application could do with an anonymous half-open peer.
	conn.setLifecycleHook(func(s ConnectionState) {
		switch s {
		case StateConnected:
			conn.setLifecycleHook(nil)
			if l.handler != nil {
				go l.handler(conn)
			} else {
				conn.Invalidate()
			}
		case StateInvalidated:
			conn.setLifecycleHook(nil)
		}
	})

	conn.Activate()
}
