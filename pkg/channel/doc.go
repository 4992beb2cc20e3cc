// Package channel defines the raw connection primitive the transport
// core is built on, and ships two implementations: a unix domain socket
// adapter and an in-memory pipe pair.
//
// A Conn is a bidirectional request/reply channel: every outbound call
// carries a payload and completes asynchronously with the peer's reply
// bytes or an error. Inbound calls are delivered to a request handler
// that must respond to each one. Conns start suspended; nothing is
// delivered to handlers until Resume is called. Invalidation is
// terminal.
//
// The transport core only depends on the Conn, Listener and Descriptor
// interfaces, so alternative raw channels (shared memory, TCP, test
// doubles) can be plugged in without touching the core.
package channel
