package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"
)

// nhooyrDialer implements Dialer with nhooyr.io/websocket.
type nhooyrDialer struct {
	opts Options
}

// NewNhooyrDialer creates a Dialer backed by nhooyr.io/websocket.
func NewNhooyrDialer(opts Options) Dialer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &nhooyrDialer{opts: opts}
}

// Dial establishes the WebSocket connection.
func (d *nhooyrDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HandshakeTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.opts.Header.Clone(),
	})
	if err != nil {
		return nil, err
	}
	if d.opts.ReadLimit > 0 {
		conn.SetReadLimit(d.opts.ReadLimit)
	}

	msgType := websocket.MessageText
	if d.opts.Binary {
		msgType = websocket.MessageBinary
	}

	d.opts.Logger.Debug("websocket connected", "url", url, "transport", Nhooyr)

	return &nhooyrConn{
		conn:    conn,
		msgType: msgType,
		opts:    d.opts,
	}, nil
}

// nhooyrConn implements Conn.
type nhooyrConn struct {
	conn    *websocket.Conn
	msgType websocket.MessageType
	opts    Options

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Read reads the next data message. Cancelling ctx closes the socket.
func (c *nhooyrConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			code := int(ce.Code)
			if ce.Code == websocket.StatusNoStatusRcvd {
				code = 0
			}
			return nil, &CloseError{Code: code, Reason: ce.Reason}
		}
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return data, nil
}

// Write sends one message. nhooyr serializes concurrent writers itself.
func (c *nhooyrConn) Write(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	ctx, cancel := writeContext(ctx, c.opts.WriteTimeout)
	defer cancel()

	return c.conn.Write(ctx, c.msgType, data)
}

// Close writes the close frame and waits for the peer's reply. nhooyr bounds
// both steps at 5s each. A concurrent Read must stay uncancelled until Close
// returns or the socket is torn down without the frame.
func (c *nhooyrConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if err := c.conn.Close(websocket.StatusCode(code), reason); err != nil {
			c.opts.Logger.Debug("websocket close handshake incomplete", "error", err)
		}
	})
	return nil
}

func (c *nhooyrConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
