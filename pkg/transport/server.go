package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// ConnectionOpened is called after a handshaken connection has been
	// registered and activated (optional).
	ConnectionOpened func(conn *Connection)

	// ConnectionClosed is called when a registered connection is
	// invalidated and removed from the registry (optional).
	ConnectionClosed func(conn *Connection)
}

// Server accepts connections from a Listener and keeps a registry of
// live peers keyed by their identity, so application code can push
// messages to a specific peer. A reconnecting client presents the same
// identity on every attempt and transparently replaces its previous
// registry entry.
type Server struct {
	listener *Listener
	cfg      ServerConfig

	mu        sync.RWMutex
	conns     map[uuid.UUID]*Connection
	installer func(conn *Connection)
	closed    bool
}

// NewServer creates a server on the given listener.
func NewServer(listener *Listener, cfg ServerConfig) *Server {
	s := &Server{
		listener: listener,
		cfg:      cfg,
		conns:    make(map[uuid.UUID]*Connection),
	}
	listener.SetConnectionHandler(s.connectionReady)
	return s
}

// NewSocketServer creates a server listening on a unix socket path.
func NewSocketServer(path string, lcfg ListenerConfig, cfg ServerConfig) *Server {
	return NewServer(NewSocketListener(path, lcfg), cfg)
}

// Start begins accepting connections until ctx is canceled or
// Invalidate is called.
func (s *Server) Start(ctx context.Context) error {
	return s.listener.Start(ctx)
}

// connectionReady registers a handshaken connection and releases its
// buffered traffic.
func (s *Server) connectionReady(conn *Connection) {
	peerID := conn.PeerID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Invalidate()
		return
	}
	prev := s.conns[peerID]
	s.conns[peerID] = conn
	installer := s.installer
	s.mu.Unlock()

	// A reconnecting peer supersedes its previous session.
	if prev != nil {
		prev.Invalidate()
	}

	if installer != nil {
		installer(conn)
	}

	conn.setLifecycleHook(func(state ConnectionState) {
		if state != StateInvalidated {
			return
		}
		s.mu.Lock()
		removed := s.conns[peerID] == conn
		if removed {
			delete(s.conns, peerID)
		}
		s.mu.Unlock()
		if removed && s.cfg.ConnectionClosed != nil {
			go s.cfg.ConnectionClosed(conn)
		}
	})

	conn.Activate()

	if s.cfg.ConnectionOpened != nil {
		s.cfg.ConnectionOpened(conn)
	}
}

// Connection returns the live connection for a peer identity.
func (s *Server) Connection(peerID uuid.UUID) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[peerID]
	return conn, ok
}

// ActiveConnections returns all registered live connections, for
// enumeration and broadcast.
func (s *Server) ActiveConnections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// ActivePeers returns the identities of all registered peers.
func (s *Server) ActivePeers() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]uuid.UUID, 0, len(s.conns))
	for id := range s.conns {
		peers = append(peers, id)
	}
	return peers
}

// Invalidate shuts the server down: stops accepting and invalidates
// every registered connection.
func (s *Server) Invalidate() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, conn := range conns {
		conn.Invalidate()
	}
}

// setInstaller records the receive-handler installer and applies it to
// already-registered connections.
func (s *Server) setInstaller(installer func(conn *Connection)) {
	s.mu.Lock()
	s.installer = installer
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		installer(conn)
	}
}

// SetServerReceiveHandler installs the message handler applied to every
// connection the server accepts, current and future.
func SetServerReceiveHandler[Req, Resp any](s *Server, handler func(conn *Connection, msg Message[Req, Resp])) {
	s.setInstaller(func(conn *Connection) {
		SetReceiveHandler(conn, func(msg Message[Req, Resp]) {
			handler(conn, msg)
		})
	})
}

// SendTo sends a message to the peer with the given identity. If the
// peer is not registered the message's reply, when present, fails with
// ErrPeerNotFound and the same error is returned.
func SendTo[Req, Resp any](s *Server, peerID uuid.UUID, msg Message[Req, Resp]) error {
	conn, ok := s.Connection(peerID)
	if !ok {
		if msg.Reply != nil {
			msg.Reply.Fail(ErrPeerNotFound)
		}
		return ErrPeerNotFound
	}
	return Send(conn, msg)
}
