// Package transport implements the duplex message transport core.
//
// A Connection is one logical peer session over a raw channel
// (pkg/channel). It owns the handshake, the reconnect policy and the
// reply correlation table, and multiplexes typed message send/receive
// over the channel's request/reply primitive. A Listener accepts raw
// inbound connections and surfaces only fully-handshaken Connections.
// A Server owns a Listener plus a registry of live Connections keyed by
// peer identity.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│  Typed messages + replies      │
//	├────────────────────────────────┤
//	│  Codec envelopes (JSON/CBOR)   │
//	├────────────────────────────────┤
//	│  Raw request/reply channel     │
//	├────────────────────────────────┤
//	│  Unix socket / in-memory pipe  │
//	└────────────────────────────────┘
//
// # Handshake
//
// The client opens every raw connection with a hello frame carrying a
// magic token, its peer identity and a user-info blob. The server
// validates the hello, records the identity, and answers with the
// server magic token. Only then does the connection reach
// StateConnected and become sendable.
//
// # Reconnect
//
// A Connection built from a reconnectable descriptor re-opens a fresh
// raw connection after a drop, starting at the configured delay and
// backing off exponentially. The peer identity and user-info blob are
// preserved across reconnects. One-shot descriptors and wrapped
// endpoints never reconnect; for them invalidation is terminal.
package transport
