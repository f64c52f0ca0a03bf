package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaDialer implements Dialer with gorilla/websocket.
type gorillaDialer struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewGorillaDialer creates a Dialer backed by gorilla/websocket.
func NewGorillaDialer(opts Options) Dialer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &gorillaDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// Dial establishes the WebSocket connection.
func (d *gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, d.opts.Header.Clone())
	if err != nil {
		return nil, err
	}
	if d.opts.ReadLimit > 0 {
		conn.SetReadLimit(d.opts.ReadLimit)
	}

	msgType := websocket.TextMessage
	if d.opts.Binary {
		msgType = websocket.BinaryMessage
	}

	d.opts.Logger.Debug("websocket connected", "url", url, "transport", Gorilla)

	return &gorillaConn{
		conn:         conn,
		msgType:      msgType,
		writeTimeout: d.opts.WriteTimeout,
	}, nil
}

// gorillaConn implements Conn.
type gorillaConn struct {
	conn         *websocket.Conn
	msgType      int
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Read reads the next data message. gorilla has no context-aware read, so
// a blocked Read returns once Close is called.
func (c *gorillaConn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			code := ce.Code
			if code == websocket.CloseNoStatusReceived {
				code = 0
			}
			return nil, &CloseError{Code: code, Reason: ce.Text}
		}
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return data, nil
}

// Write sends one message.
func (c *gorillaConn) Write(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	ctx, cancel := writeContext(ctx, c.writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	return c.conn.WriteMessage(c.msgType, data)
}

// Close sends a close frame and closes the socket without waiting for the
// peer's reply.
func (c *gorillaConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *gorillaConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
