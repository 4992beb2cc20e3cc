// Package client provides a reconnecting wrapper around a typed remote
// proxy. It owns the connect/teardown cycle so application code can ask
// for a live proxy and not care how many times the underlying
// connection has been re-established.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/duplex-protocol/duplex-go/pkg/connection"
	"github.com/duplex-protocol/duplex-go/pkg/log"
)

// Client errors.
var (
	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("client closed")

	// ErrNotConnected indicates no live proxy is available.
	ErrNotConnected = errors.New("client not connected")
)

// Probe defaults.
const (
	// DefaultProbeInterval is the default interval between liveness probes.
	DefaultProbeInterval = 30 * time.Second

	// DefaultProbeTimeout bounds a single liveness probe.
	DefaultProbeTimeout = 5 * time.Second
)

// ConnectFunc establishes the typed proxy. The returned closer tears
// the underlying connection down when the proxy is discarded.
type ConnectFunc[T any] func(ctx context.Context) (T, io.Closer, error)

// ProbeFunc checks that a proxy is still alive. A non-nil error marks
// the connection dead and triggers reconnection.
type ProbeFunc[T any] func(ctx context.Context, proxy T) error

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	// ProbeInterval is the interval between liveness probes. Probing
	// only runs when a ProbeFunc is set.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration

	// Backoff customizes reconnection backoff.
	Backoff connection.BackoffConfig

	// Logger for client events (optional).
	Logger log.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: DefaultProbeInterval,
		ProbeTimeout:  DefaultProbeTimeout,
	}
}

// Client keeps a typed proxy alive across connection drops. Get returns
// the current proxy, connecting on first use; a failed probe discards
// the proxy and the manager reconnects with backoff in the background.
type Client[T any] struct {
	cfg     Config
	connect ConnectFunc[T]
	probe   ProbeFunc[T]
	manager *connection.Manager
	logger  log.Logger

	mu     sync.RWMutex
	proxy  T
	closer io.Closer
	ready  bool
	closed bool

	probeCtx    context.Context
	probeCancel context.CancelFunc
	probeWG     sync.WaitGroup
}

// New creates a client around connect. The client is idle until the
// first Get.
func New[T any](connect ConnectFunc[T], cfg Config) *Client[T] {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	probeCtx, probeCancel := context.WithCancel(context.Background())

	c := &Client[T]{
		cfg:         cfg,
		connect:     connect,
		logger:      cfg.Logger,
		probeCtx:    probeCtx,
		probeCancel: probeCancel,
	}
	c.manager = connection.NewManagerWithBackoff(c.establish, cfg.Backoff)
	c.manager.StartReconnectLoop()
	return c
}

// SetProbe installs the liveness probe and starts the probe loop.
// Must be called before the first Get.
func (c *Client[T]) SetProbe(probe ProbeFunc[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probe != nil || c.closed {
		return
	}
	c.probe = probe
	c.probeWG.Add(1)
	go c.probeLoop()
}

// State returns the lifecycle state of the managed connection.
func (c *Client[T]) State() connection.State {
	return c.manager.State()
}

// OnConnected sets a callback invoked after every successful
// (re)connection.
func (c *Client[T]) OnConnected(fn func()) {
	c.manager.OnConnected(fn)
}

// OnDisconnected sets a callback invoked when the connection drops.
func (c *Client[T]) OnDisconnected(fn func()) {
	c.manager.OnDisconnected(fn)
}

// Get returns a live proxy, connecting first if needed. Concurrent
// callers share one connection attempt through the manager.
func (c *Client[T]) Get(ctx context.Context) (T, error) {
	var zero T

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return zero, ErrClosed
	}
	if c.ready {
		proxy := c.proxy
		c.mu.RUnlock()
		return proxy, nil
	}
	c.mu.RUnlock()

	err := c.manager.Connect(ctx)
	if err != nil && !errors.Is(err, connection.ErrAlreadyConnected) {
		if errors.Is(err, connection.ErrManagerClosed) {
			return zero, ErrClosed
		}
		return zero, fmt.Errorf("connect: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return zero, ErrNotConnected
	}
	return c.proxy, nil
}

// Close tears the client down. Terminal.
func (c *Client[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closer := c.closer
	c.closer = nil
	c.ready = false
	c.mu.Unlock()

	c.probeCancel()
	c.probeWG.Wait()
	c.manager.Close()

	if closer != nil {
		return closer.Close()
	}
	return nil
}

// establish is the manager's connect function.
func (c *Client[T]) establish(ctx context.Context) error {
	proxy, closer, err := c.connect(ctx)
	if err != nil {
		c.logError(err, "connect")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if closer != nil {
			_ = closer.Close()
		}
		return ErrClosed
	}
	// A displaced closer would otherwise never be closed.
	if c.closer != nil && c.closer != closer {
		_ = c.closer.Close()
	}
	c.proxy = proxy
	c.closer = closer
	c.ready = true
	c.mu.Unlock()

	return nil
}

// connectionLost discards the current proxy and hands recovery to the
// manager.
func (c *Client[T]) connectionLost() {
	c.mu.Lock()
	var zero T
	closer := c.closer
	c.proxy = zero
	c.closer = nil
	wasReady := c.ready
	c.ready = false
	c.mu.Unlock()

	if closer != nil {
		_ = closer.Close()
	}
	if wasReady {
		c.manager.NotifyConnectionLost()
	}
}

// probeLoop pings the proxy on a fixed interval and reports the
// connection lost when a probe fails.
func (c *Client[T]) probeLoop() {
	defer c.probeWG.Done()

	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.probeCtx.Done():
			return
		case <-ticker.C:
			c.runProbe()
		}
	}
}

func (c *Client[T]) runProbe() {
	c.mu.RLock()
	ready := c.ready
	proxy := c.proxy
	probe := c.probe
	c.mu.RUnlock()

	if !ready || probe == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.probeCtx, c.cfg.ProbeTimeout)
	err := probe(ctx, proxy)
	cancel()

	if err != nil && c.probeCtx.Err() == nil {
		c.logError(err, "probe")
		c.connectionLost()
	}
}

func (c *Client[T]) logError(err error, context string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp: time.Now(),
		Category:  log.CategoryError,
		Error:     &log.ErrorEvent{Message: err.Error(), Context: context},
	})
}
