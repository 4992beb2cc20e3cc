package transport

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-protocol/duplex-go/pkg/channel"
	"github.com/duplex-protocol/duplex-go/pkg/wire"
)

const testTimeout = 2 * time.Second

// pipePair wires a client and a server connection over an in-memory
// pipe. The server side performs its deferred resume automatically, the
// way a listener would. Neither side is activated.
func pipePair(t *testing.T, cfg ConnectionConfig) (client, server *Connection) {
	t.Helper()

	a, b := channel.Pipe()

	server = NewServerConnection(b, cfg)
	server.setLifecycleHook(func(s ConnectionState) {
		if s == StateConnected {
			server.setLifecycleHook(nil)
			server.Activate()
		}
	})
	server.Activate()

	client = NewConnectionWithEndpoint(a, cfg)

	t.Cleanup(func() {
		client.Invalidate()
		server.Invalidate()
	})
	return client, server
}

// stateRecorder captures state transitions. Install before Activate.
func stateRecorder(c *Connection) <-chan ConnectionState {
	ch := make(chan ConnectionState, 16)
	c.SetStateHandler(func(s ConnectionState) { ch <- s })
	return ch
}

func waitState(t *testing.T, ch <-chan ConnectionState, want ConnectionState) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func TestClientStateSequence(t *testing.T) {
	client, _ := pipePair(t, DefaultConnectionConfig())
	states := stateRecorder(client)

	require.Equal(t, ConnectionState(0), client.State(), "state must be zero before Activate")

	client.Activate()

	select {
	case s := <-states:
		assert.Equal(t, StateConnecting, s)
	case <-time.After(testTimeout):
		t.Fatal("no Connecting transition")
	}
	waitState(t, states, StateConnected)
	assert.Equal(t, StateConnected, client.State())
}

func TestSendBeforeActivation(t *testing.T) {
	client, _ := pipePair(t, DefaultConnectionConfig())

	err := Send(client, Message[string, string]{Request: "too early"})
	assert.ErrorIs(t, err, ErrNotActivated)
}

// sendFirstFrame activates a bare server connection over a pipe and
// delivers data as the raw peer's opening request, returning the raw
// call's outcome and the server's state transitions.
func sendFirstFrame(t *testing.T, data []byte) (<-chan error, <-chan ConnectionState) {
	t.Helper()

	a, b := channel.Pipe()

	server := NewServerConnection(b, DefaultConnectionConfig())
	states := stateRecorder(server)
	server.Activate()

	t.Cleanup(func() {
		a.Invalidate()
		server.Invalidate()
	})

	a.Resume()
	result := make(chan error, 1)
	a.SendRequest(data, func(_ []byte, err error) { result <- err })
	return result, states
}

// waitRejected asserts the opening frame was answered with an error
// mentioning wantMsg and that the server tore down without ever
// reaching Connected.
func waitRejected(t *testing.T, result <-chan error, states <-chan ConnectionState, wantMsg string) {
	t.Helper()

	select {
	case err := <-result:
		require.Error(t, err)
		assert.Contains(t, err.Error(), wantMsg)
	case <-time.After(testTimeout):
		t.Fatal("opening frame never answered")
	}

	deadline := time.After(testTimeout)
	for {
		select {
		case s := <-states:
			require.NotEqual(t, StateConnected, s, "connection must not come up")
			if s == StateInvalidated {
				return
			}
		case <-deadline:
			t.Fatal("server never invalidated")
		}
	}
}

func TestServerRejectsNonHelloFirstFrame(t *testing.T) {
	result, states := sendFirstFrame(t, []byte("definitely not a handshake"))
	waitRejected(t, result, states, "expected client hello")
}

func TestServerRejectsTruncatedHello(t *testing.T) {
	// Right magic token, but the peer identity is cut off.
	data := append([]byte{}, wire.MagicClientHello...)
	data = append(data, 0xde, 0xad)

	result, states := sendFirstFrame(t, data)
	waitRejected(t, result, states, "client hello too short")
}

func TestRequestReplyRoundTrip(t *testing.T) {
	client, server := pipePair(t, DefaultConnectionConfig())

	SetReceiveHandler(server, func(msg Message[string, string]) {
		assert.Equal(t, "hello from client", msg.Request)
		require.NotNil(t, msg.Reply)
		msg.Reply.Resolve("hello from server")
	})

	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)

	got := make(chan string, 1)
	err := Send(client, Message[string, string]{
		Request: "hello from client",
		Reply: NewReply(func(value string, err error) {
			require.NoError(t, err)
			got <- value
		}),
	})
	require.NoError(t, err)

	select {
	case value := <-got:
		assert.Equal(t, "hello from server", value)
	case <-time.After(testTimeout):
		t.Fatal("reply never arrived")
	}
}

func TestFireAndForget(t *testing.T) {
	client, server := pipePair(t, DefaultConnectionConfig())

	received := make(chan string, 1)
	SetReceiveHandler(server, func(msg Message[string, string]) {
		assert.Nil(t, msg.Reply, "no-reply message must carry no reply handle")
		received <- msg.Request
	})

	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)

	require.NoError(t, Send(client, Message[string, string]{Request: "one way"}))

	select {
	case value := <-received:
		assert.Equal(t, "one way", value)
	case <-time.After(testTimeout):
		t.Fatal("message never delivered")
	}
}

func TestServerPush(t *testing.T) {
	client, server := pipePair(t, DefaultConnectionConfig())

	SetReceiveHandler(client, func(msg Message[string, bool]) {
		assert.Equal(t, "hello from server", msg.Request)
		require.NotNil(t, msg.Reply)
		msg.Reply.Resolve(true)
	})

	clientStates := stateRecorder(client)
	serverStates := stateRecorder(server)
	client.Activate()
	waitState(t, clientStates, StateConnected)
	waitState(t, serverStates, StateConnected)

	got := make(chan bool, 1)
	err := Send(server, Message[string, bool]{
		Request: "hello from server",
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

func TestReplyNotImplemented(t *testing.T) {
	client, _ := pipePair(t, DefaultConnectionConfig())
	// Server side never installs a receive handler.

	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)

	got := make(chan error, 1)
	err := Send(client, Message[string, string]{
		Request: "anyone there?",
		Reply:   NewReply(func(value string, err error) { got <- err }),
	})
	require.NoError(t, err)

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrNotImplemented)
	case <-time.After(testTimeout):
		t.Fatal("reply error never arrived")
	}
}

func TestHandlerFailurePropagates(t *testing.T) {
	client, server := pipePair(t, DefaultConnectionConfig())

	SetReceiveHandler(server, func(msg Message[string, string]) {
		msg.Reply.Fail(errors.New("backend on fire"))
	})

	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)

	got := make(chan error, 1)
	err := Send(client, Message[string, string]{
		Request: "do work",
		Reply:   NewReply(func(value string, err error) { got <- err }),
	})
	require.NoError(t, err)

	select {
	case err := <-got:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend on fire")
	case <-time.After(testTimeout):
		t.Fatal("reply error never arrived")
	}
}

func TestPeerIdentity(t *testing.T) {
	cfg := DefaultConnectionConfig()
	a, b := channel.Pipe()

	server := NewServerConnection(b, cfg)
	server.setLifecycleHook(func(s ConnectionState) {
		if s == StateConnected {
			server.setLifecycleHook(nil)
			server.Activate()
		}
	})
	server.Activate()

	client := NewConnectionWithEndpoint(a, cfg)
	client.SetPeerUserInfo([]byte(`{"app":"sensor","pid":1234}`))
	t.Cleanup(func() {
		client.Invalidate()
		server.Invalidate()
	})

	serverStates := stateRecorder(server)
	client.Activate()
	waitState(t, serverStates, StateConnected)

	assert.Equal(t, client.PeerID(), server.PeerID(), "server must learn the client's identity")
	assert.Equal(t, []byte(`{"app":"sensor","pid":1234}`), server.PeerUserInfo())
}

func TestInvalidateIdempotent(t *testing.T) {
	client, _ := pipePair(t, DefaultConnectionConfig())

	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)

	client.Invalidate()
	client.Invalidate()
	waitState(t, states, StateInvalidated)
	assert.Equal(t, StateInvalidated, client.State())

	// No second Invalidated transition may follow.
	select {
	case s := <-states:
		t.Fatalf("unexpected transition after invalidation: %s", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendAfterInvalidation(t *testing.T) {
	client, _ := pipePair(t, DefaultConnectionConfig())

	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)

	client.Invalidate()
	waitState(t, states, StateInvalidated)

	got := make(chan error, 1)
	err := Send(client, Message[string, string]{
		Request: "too late",
		Reply:   NewReply(func(value string, err error) { got <- err }),
	})
	require.NoError(t, err, "transport failures surface through the reply, not synchronously")

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrInvalidated)
	case <-time.After(testTimeout):
		t.Fatal("reply continuation never completed")
	}
}

func TestInvalidationFailsPendingReplies(t *testing.T) {
	client, server := pipePair(t, DefaultConnectionConfig())

	held := make(chan Message[string, string], 1)
	SetReceiveHandler(server, func(msg Message[string, string]) {
		held <- msg // hold the reply open
	})

	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)

	got := make(chan error, 1)
	err := Send(client, Message[string, string]{
		Request: "slow call",
		Reply:   NewReply(func(value string, err error) { got <- err }),
	})
	require.NoError(t, err)

	select {
	case <-held:
	case <-time.After(testTimeout):
		t.Fatal("server never received the call")
	}

	client.Invalidate()

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrInvalidated)
	case <-time.After(testTimeout):
		t.Fatal("pending reply never failed")
	}
}

func TestDroppedWithoutReply(t *testing.T) {
	client, server := pipePair(t, DefaultConnectionConfig())

	handled := make(chan struct{}, 1)
	SetReceiveHandler(server, func(msg Message[string, string]) {
		// Discard the reply handle without resolving it.
		handled <- struct{}{}
	})

	states := stateRecorder(client)
	client.Activate()
	waitState(t, states, StateConnected)

	got := make(chan error, 1)
	err := Send(client, Message[string, string]{
		Request: "answer me",
		Reply:   NewReply(func(value string, err error) { got <- err }),
	})
	require.NoError(t, err)

	select {
	case <-handled:
	case <-time.After(testTimeout):
		t.Fatal("server never received the call")
	}

	// The discarded handle is reclaimed by the collector, which
	// synthesizes the failure.
	deadline := time.After(10 * time.Second)
	for {
		runtime.GC()
		select {
		case err := <-got:
			assert.ErrorIs(t, err, ErrDroppedWithoutReply)
			return
		case <-deadline:
			t.Fatal("dropped-without-reply failure never arrived")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStateStringNames(t *testing.T) {
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "INVALIDATED", StateInvalidated.String())
}
