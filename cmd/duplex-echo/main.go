// Command duplex-echo is a demonstration echo service and client for the
// duplex transport.
//
// Usage:
//
//	duplex-echo [flags]
//
// Flags:
//
//	-socket string   Unix socket path (default "/tmp/duplex-echo.sock")
//	-serve           Run as the echo server instead of the client
//	-codec string    Payload codec: json, cbor, yaml (default "json")
//	-message string  Message to send in client mode (default "hello")
//	-reconnect       Reconnect automatically after drops (client mode)
//	-verbose         Log transport events to stderr
//
// Examples:
//
//	# Start the echo server
//	duplex-echo -serve
//
//	# Send a message and print the reply
//	duplex-echo -message "anyone home?"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	duplexlog "github.com/duplex-protocol/duplex-go/pkg/log"
	"github.com/duplex-protocol/duplex-go/pkg/transport"
	"github.com/duplex-protocol/duplex-go/pkg/wire"
)

var (
	socketPath = flag.String("socket", "/tmp/duplex-echo.sock", "unix socket path")
	serve      = flag.Bool("serve", false, "run as the echo server")
	codecName  = flag.String("codec", "json", "payload codec: json, cbor, yaml")
	message    = flag.String("message", "hello", "message to send in client mode")
	reconnect  = flag.Bool("reconnect", false, "reconnect automatically after drops")
	verbose    = flag.Bool("verbose", false, "log transport events to stderr")
)

func main() {
	flag.Parse()

	codec, err := pickCodec(*codecName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var logger duplexlog.Logger
	if *verbose {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		logger = duplexlog.NewSlogAdapter(slog.New(handler))
	}

	if *serve {
		err = runServer(codec, logger)
	} else {
		err = runClient(codec, logger)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pickCodec(name string) (wire.Codec, error) {
	switch name {
	case "json":
		return wire.JSONCodec{}, nil
	case "cbor":
		return wire.CBORCodec{}, nil
	case "yaml":
		return wire.YAMLCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func runServer(codec wire.Codec, logger duplexlog.Logger) error {
	srv := transport.NewSocketServer(*socketPath,
		transport.ListenerConfig{
			Connection: transport.ConnectionConfig{Codec: codec, Logger: logger},
		},
		transport.ServerConfig{
			ConnectionOpened: func(conn *transport.Connection) {
				fmt.Printf("peer %s connected\n", conn.PeerID())
			},
			ConnectionClosed: func(conn *transport.Connection) {
				fmt.Printf("peer %s disconnected\n", conn.PeerID())
			},
		})

	transport.SetServerReceiveHandler(srv, func(conn *transport.Connection, msg transport.Message[string, string]) {
		fmt.Printf("peer %s: %q\n", conn.PeerID(), msg.Request)
		if msg.Reply != nil {
			msg.Reply.Resolve("echo: " + msg.Request)
		}
	})

	if err := srv.Start(context.Background()); err != nil {
		return err
	}
	fmt.Printf("echo server listening on %s\n", *socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down")
	srv.Invalidate()
	return nil
}

func runClient(codec wire.Codec, logger duplexlog.Logger) error {
	cfg := transport.ConnectionConfig{Codec: codec, Logger: logger}
	if *reconnect {
		cfg.ReconnectDelay = time.Second
	}

	conn := transport.Dial(*socketPath, cfg)
	defer conn.Invalidate()

	connected := make(chan struct{}, 1)
	failed := make(chan struct{}, 1)
	conn.SetStateHandler(func(s transport.ConnectionState) {
		switch s {
		case transport.StateConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case transport.StateInvalidated:
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})
	conn.Activate()

	select {
	case <-connected:
	case <-failed:
		return fmt.Errorf("could not connect to %s", *socketPath)
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout connecting to %s", *socketPath)
	}

	done := make(chan error, 1)
	err := transport.Send(conn, transport.Message[string, string]{
		Request: *message,
		Reply: transport.NewReply(func(value string, err error) {
			if err == nil {
				fmt.Println(value)
			}
			done <- err
		}),
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for reply")
	}
}
