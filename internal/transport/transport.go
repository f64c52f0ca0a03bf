// Package transport adapts message-oriented WebSocket libraries to the
// minimal contract a gateway session needs. Adapters never reconnect on
// their own; reconnection belongs to the session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Errors
var (
	ErrClosed = errors.New("connection closed")
)

// Dialer opens gateway connections.
type Dialer interface {
	// Dial opens a connection to url. It returns once the WebSocket
	// handshake has completed or failed.
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one open socket.
type Conn interface {
	// Read blocks until the next message arrives. A close initiated by the
	// peer is reported as *CloseError.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message. It fails with ErrClosed after Close.
	Write(ctx context.Context, data []byte) error

	// Close starts the close handshake with the given code and releases the
	// socket. It is safe to call more than once.
	Close(code int, reason string) error
}

// CloseError reports a close frame received from the peer.
// Code is 0 when the peer sent no status.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed with code %d", e.Code)
	}
	return fmt.Sprintf("websocket closed with code %d: %s", e.Code, e.Reason)
}

// Options configures a Dialer.
type Options struct {
	HandshakeTimeout time.Duration // Max time for the HTTP upgrade
	WriteTimeout     time.Duration // Write deadline when ctx has none
	ReadLimit        int64         // Max inbound message size in bytes
	Binary           bool          // Send binary instead of text messages
	Header           http.Header   // Extra upgrade request headers
	Logger           *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        16 << 20, // READY payloads for large bots exceed the library defaults
	}
}

// Names of the available adapters.
const (
	Gorilla = "gorilla"
	Nhooyr  = "nhooyr"
)

// New returns the adapter registered under name.
func New(name string, opts Options) (Dialer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	switch name {
	case "", Gorilla:
		return NewGorillaDialer(opts), nil
	case Nhooyr:
		return NewNhooyrDialer(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// writeContext applies the default write deadline when ctx carries none.
func writeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
