package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerConnect(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	defer m.Close()

	if m.State() != StateDisconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.State())
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.IsConnected() {
		t.Error("not connected after successful Connect")
	}
	if calls.Load() != 1 {
		t.Errorf("connect fn called %d times, want 1", calls.Load())
	}

	if err := m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect: got %v, want ErrAlreadyConnected", err)
	}
}

func TestManagerConnectCoalescesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	m := NewManager(func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	})
	defer m.Close()

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background()) }()
	<-started

	// Arrives while the first attempt is still dialing.
	second := make(chan error, 1)
	go func() { second <- m.Connect(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Connect never returned")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("connect fn called %d times, want 1", calls.Load())
	}
	if !m.IsConnected() {
		t.Error("not connected after coalesced Connect")
	}
}

func TestManagerConnectWaiterSeesFailure(t *testing.T) {
	wantErr := errors.New("refused")
	started := make(chan struct{})
	release := make(chan struct{})
	m := NewManager(func(ctx context.Context) error {
		close(started)
		<-release
		return wantErr
	})
	defer m.Close()

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background()) }()
	<-started

	second := make(chan error, 1)
	go func() { second <- m.Connect(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	for _, ch := range []chan error{first, second} {
		if err := <-ch; !errors.Is(err, wantErr) {
			t.Errorf("got %v, want %v", err, wantErr)
		}
	}
}

func TestManagerConnectWaiterHonorsContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := NewManager(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	defer m.Close()
	defer close(release)

	go func() { _ = m.Connect(context.Background()) }()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestManagerConnectFailure(t *testing.T) {
	wantErr := errors.New("refused")
	m := NewManager(func(ctx context.Context) error { return wantErr })
	defer m.Close()

	if err := m.Connect(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("got %v, want %v", err, wantErr)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state after failure = %s, want DISCONNECTED", m.State())
	}
}

func TestManagerAutoReconnect(t *testing.T) {
	var calls atomic.Int32
	m := NewManagerWithBackoff(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, BackoffConfig{Initial: 10 * time.Millisecond, Jitter: 0})
	defer m.Close()

	reconnected := make(chan struct{}, 1)
	m.OnConnected(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	m.StartReconnectLoop()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-reconnected

	m.NotifyConnectionLost()
	if m.State() != StateReconnecting {
		t.Errorf("state = %s, want RECONNECTING", m.State())
	}

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected")
	}
	if !m.IsConnected() {
		t.Error("not connected after reconnect")
	}
	if calls.Load() < 2 {
		t.Errorf("connect fn called %d times, want >= 2", calls.Load())
	}
}

func TestManagerReconnectDisabled(t *testing.T) {
	m := NewManager(func(ctx context.Context) error { return nil })
	defer m.Close()
	m.SetAutoReconnect(false)
	m.StartReconnectLoop()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	m.NotifyConnectionLost()
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
}

func TestManagerStateCallbacks(t *testing.T) {
	m := NewManager(func(ctx context.Context) error { return nil })
	defer m.Close()

	var transitions []State
	m.OnStateChange(func(oldState, newState State) {
		transitions = append(transitions, newState)
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	want := []State{StateConnecting, StateConnected}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], w)
		}
	}
}

func TestManagerClosed(t *testing.T) {
	m := NewManager(func(ctx context.Context) error { return nil })
	m.Close()

	if m.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", m.State())
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("got %v, want ErrManagerClosed", err)
	}

	// Close is idempotent.
	m.Close()
}
