package session

import (
	"errors"
	"fmt"

	"github.com/rickgao/gateway-shards/internal/protocol"
)

// Errors
var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyRunning = errors.New("session already running")
	ErrStopped        = errors.New("session stopped")
	ErrZombie         = errors.New("heartbeat not acknowledged")
)

// FatalError stops a session. The gateway closed the socket with a code
// that retrying cannot fix.
type FatalError struct {
	Code   int
	Reason string
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("gateway closed session with code %d (%s)", e.Code, protocol.CloseText(e.Code))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ProtocolError reports a malformed or unexpected frame. The connection is
// dropped and retried.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError reports a socket-level failure. It is always retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
