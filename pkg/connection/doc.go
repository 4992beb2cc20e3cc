// Package connection provides connection lifecycle building blocks:
// exponential backoff with jitter for reconnect scheduling, and a
// reconnecting lifecycle manager for simple proxy-style connections.
//
// # Reconnection Strategy
//
// When a connection is lost, reconnect attempts use exponential backoff:
//
//  1. Start at the configured initial delay
//  2. Double on every failed attempt
//  3. Cap at the configured maximum
//  4. Reset to the initial delay on a successful connection
//
// # Jitter
//
// To prevent thundering herd when multiple clients reconnect:
//
//	actual_delay = base_delay + random(0, base_delay * jitter)
package connection
