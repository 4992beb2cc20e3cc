// Package log provides structured transport event logging.
//
// Events are captured at the framing, handshake and message layers and
// delivered to a Logger implementation chosen by the integrator. The
// package ships a NoopLogger for disabling logging and a SlogAdapter
// for routing events into log/slog.
package log
