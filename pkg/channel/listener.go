package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/duplex-protocol/duplex-go/pkg/log"
)

// SocketPeer is the caller-identity token supplied by SocketListener
// for each accepted connection. Verification predicates receive it as
// an opaque value.
type SocketPeer struct {
	// Addr is the remote address reported by the socket, if any.
	Addr string
}

// SocketListener accepts raw connections on a unix domain socket.
type SocketListener struct {
	path     string
	listener net.Listener
	handler  AcceptHandler
	logger   log.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSocketListener creates a listener for the given socket path.
// A stale socket file at the path is removed on Start.
func NewSocketListener(path string) *SocketListener {
	return &SocketListener{path: path}
}

// SetAcceptHandler installs the per-connection handler. Must be called
// before Start.
func (l *SocketListener) SetAcceptHandler(h AcceptHandler) {
	l.handler = h
}

// SetLogger configures logging for accepted connections.
func (l *SocketListener) SetLogger(logger log.Logger) {
	l.logger = logger
}

// Addr returns the listening address, or nil before Start.
func (l *SocketListener) Addr() net.Addr {
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

// Start binds the socket and begins accepting connections.
func (l *SocketListener) Start(ctx context.Context) error {
	if l.running.Load() {
		return errors.New("listener already running")
	}
	if l.handler == nil {
		return errors.New("accept handler not set")
	}

	// A previous process may have left the socket file behind.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.path, err)
	}
	l.listener = listener

	ctx, l.cancel = context.WithCancel(ctx)
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop(ctx)

	return nil
}

// Close stops accepting and removes the socket file.
func (l *SocketListener) Close() error {
	if !l.running.Load() {
		return nil
	}
	l.running.Store(false)
	l.cancel()

	err := l.listener.Close()
	l.wg.Wait()
	return err
}

// acceptLoop accepts incoming connections until the listener stops.
func (l *SocketListener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()

	for l.running.Load() {
		conn, err := l.listener.Accept()
		if err != nil {
			if !l.running.Load() || ctx.Err() != nil {
				return
			}
			continue
		}

		token := &SocketPeer{}
		if addr := conn.RemoteAddr(); addr != nil {
			token.Addr = addr.String()
		}

		raw := NewStreamConn(conn)
		if l.logger != nil {
			if sc, ok := raw.(*streamConn); ok {
				sc.SetLogger(l.logger, token.Addr)
			}
		}

		l.handler(raw, token)
	}
}

// Compile-time interface satisfaction check.
var _ Listener = (*SocketListener)(nil)
