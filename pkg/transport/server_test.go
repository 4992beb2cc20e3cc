package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, path string) (*Server, <-chan *Connection) {
	t.Helper()

	opened := make(chan *Connection, 4)
	srv := NewSocketServer(path, ListenerConfig{}, ServerConfig{
		ConnectionOpened: func(conn *Connection) { opened <- conn },
	})
	SetServerReceiveHandler(srv, func(conn *Connection, msg Message[string, string]) {
		if msg.Reply != nil {
			msg.Reply.Resolve("ack:" + msg.Request)
		}
	})

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Invalidate)
	return srv, opened
}

func dialAndConnect(t *testing.T, path string, cfg ConnectionConfig) (*Connection, <-chan ConnectionState) {
	t.Helper()

	client := Dial(path, cfg)
	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)
	t.Cleanup(client.Invalidate)
	return client, states
}

func TestServerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.sock")
	_, opened := startServer(t, path)

	client, _ := dialAndConnect(t, path, DefaultConnectionConfig())

	select {
	case conn := <-opened:
		assert.Equal(t, client.PeerID(), conn.PeerID())
	case <-time.After(testTimeout):
		t.Fatal("server never reported the connection")
	}

	got := make(chan string, 1)
	err := Send(client, Message[string, string]{
		Request: "ping",
		Reply: NewReply(func(value string, err error) {
			require.NoError(t, err)
			got <- value
		}),
	})
	require.NoError(t, err)

	select {
	case value := <-got:
		assert.Equal(t, "ack:ping", value)
	case <-time.After(testTimeout):
		t.Fatal("reply never arrived")
	}
}

func TestServerSendTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.sock")
	srv, opened := startServer(t, path)

	client, _ := dialAndConnect(t, path, DefaultConnectionConfig())
	SetReceiveHandler(client, func(msg Message[string, bool]) {
		if msg.Reply != nil {
			msg.Reply.Resolve(msg.Request == "are you alive")
		}
	})

	select {
	case <-opened:
	case <-time.After(testTimeout):
		t.Fatal("server never reported the connection")
	}
	require.Len(t, srv.ActiveConnections(), 1)

	got := make(chan bool, 1)
	err := SendTo(srv, client.PeerID(), Message[string, bool]{
		Request: "are you alive",
		Reply: NewReply(func(value bool, err error) {
			require.NoError(t, err)
			got <- value
		}),
	})
	require.NoError(t, err)

	select {
	case value := <-got:
		assert.True(t, value)
	case <-time.After(testTimeout):
		t.Fatal("push reply never arrived")
	}
}

func TestServerSendToUnknownPeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.sock")
	srv, _ := startServer(t, path)

	replyErr := make(chan error, 1)
	err := SendTo(srv, uuid.New(), Message[string, bool]{
		Request: "hello?",
		Reply:   NewReply(func(value bool, err error) { replyErr <- err }),
	})
	assert.ErrorIs(t, err, ErrPeerNotFound)

	select {
	case err := <-replyErr:
		assert.ErrorIs(t, err, ErrPeerNotFound)
	case <-time.After(testTimeout):
		t.Fatal("reply continuation never completed")
	}
}

func TestServerReconnectStableIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.sock")
	srv, opened := startServer(t, path)

	cfg := DefaultConnectionConfig()
	cfg.ReconnectDelay = 20 * time.Millisecond
	client, states := dialAndConnect(t, path, cfg)

	var first *Connection
	select {
	case first = <-opened:
	case <-time.After(testTimeout):
		t.Fatal("server never reported the first connection")
	}
	require.Equal(t, client.PeerID(), first.PeerID())

	// Server-side drop; the client must come back with the same identity.
	first.Invalidate()
	waitState(t, states, StateConnected)

	var second *Connection
	select {
	case second = <-opened:
	case <-time.After(testTimeout):
		t.Fatal("server never reported the reconnected connection")
	}
	assert.Equal(t, client.PeerID(), second.PeerID())
	assert.NotSame(t, first, second)

	conn, ok := srv.Connection(client.PeerID())
	require.True(t, ok)
	assert.Same(t, second, conn)
	assert.Len(t, srv.ActivePeers(), 1)

	// Traffic still works over the replacement connection.
	got := make(chan string, 1)
	err := Send(client, Message[string, string]{
		Request: "after reconnect",
		Reply: NewReply(func(value string, err error) {
			require.NoError(t, err)
			got <- value
		}),
	})
	require.NoError(t, err)

	select {
	case value := <-got:
		assert.Equal(t, "ack:after reconnect", value)
	case <-time.After(testTimeout):
		t.Fatal("reply never arrived after reconnect")
	}
}

func TestServerClosedConnectionRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.sock")

	closed := make(chan *Connection, 1)
	opened := make(chan *Connection, 1)
	srv := NewSocketServer(path, ListenerConfig{}, ServerConfig{
		ConnectionOpened: func(conn *Connection) { opened <- conn },
		ConnectionClosed: func(conn *Connection) { closed <- conn },
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Invalidate)

	client, _ := dialAndConnect(t, path, DefaultConnectionConfig())

	select {
	case <-opened:
	case <-time.After(testTimeout):
		t.Fatal("server never reported the connection")
	}

	client.Invalidate()

	select {
	case conn := <-closed:
		assert.Equal(t, client.PeerID(), conn.PeerID())
	case <-time.After(testTimeout):
		t.Fatal("server never reported the close")
	}
	assert.Empty(t, srv.ActivePeers())
}

func TestListenerVerifyConnectionRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplex.sock")

	listener := NewSocketListener(path, ListenerConfig{
		VerifyConnection: func(token any) bool { return false },
	})
	srv := NewServer(listener, ServerConfig{})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Invalidate)

	client := Dial(path, DefaultConnectionConfig())
	states := stateRecorder(client)
	client.Activate()
	t.Cleanup(client.Invalidate)

	// The rejected raw connection dies before any handshake completes,
	// and without reconnection the client ends up invalidated.
	waitState(t, states, StateInvalidated)
	assert.Empty(t, srv.ActivePeers())
}
