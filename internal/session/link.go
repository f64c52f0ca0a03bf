package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/gateway-shards/internal/codec"
	"github.com/rickgao/gateway-shards/internal/protocol"
	"github.com/rickgao/gateway-shards/internal/transport"
)

type outcomeKind int

const (
	outcomeReconnect outcomeKind = iota
	outcomeStop
	outcomeFatal
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeStop:
		return "stop"
	case outcomeFatal:
		return "fatal"
	default:
		return "reconnect"
	}
}

// outcome is how a connection ended and what the run loop does next.
type outcome struct {
	kind outcomeKind
	err  error

	fresh     bool          // Forget the session and identify next time
	immediate bool          // Reconnect without backoff
	delay     time.Duration // Fixed wait, overrides backoff
	ready     bool          // The connection reached Ready

	closeCode   int
	closeReason string
	peerClosed  bool
}

// link holds the per-connection state: heartbeat bookkeeping and the
// handshake deadline. It lives for one socket.
type link struct {
	s      *Session
	conn   transport.Conn
	logger *slog.Logger

	heartbeat   *time.Timer
	interval    time.Duration
	awaitingAck bool
	sentAt      time.Time

	handshake *time.Timer
	ready     bool
}

func newLink(s *Session, conn transport.Conn) *link {
	return &link{
		s:      s,
		conn:   conn,
		logger: s.logger.With("conn_id", uuid.NewString()),
	}
}

func (l *link) serve(ctx context.Context, frames <-chan inbound) outcome {
	l.handshake = time.NewTimer(l.s.cfg.HandshakeTimeout)
	defer func() {
		l.handshake.Stop()
		if l.heartbeat != nil {
			l.heartbeat.Stop()
		}
	}()

	out := l.loop(ctx, frames)
	out.ready = l.ready
	return out
}

func (l *link) loop(ctx context.Context, frames <-chan inbound) outcome {
	handshakeC := l.handshake.C

	for {
		var heartbeatC <-chan time.Time
		if l.heartbeat != nil {
			heartbeatC = l.heartbeat.C
		}

		select {
		case <-ctx.Done():
			return outcome{kind: outcomeStop, closeCode: protocol.CloseNormal}

		case <-handshakeC:
			return outcome{
				kind:      outcomeReconnect,
				err:       &ProtocolError{Reason: fmt.Sprintf("no ready within %s", l.s.cfg.HandshakeTimeout)},
				closeCode: protocol.CloseForResume,
			}

		case <-heartbeatC:
			if l.awaitingAck {
				l.logger.Warn("heartbeat not acknowledged, reconnecting")
				return outcome{
					kind:      outcomeReconnect,
					err:       ErrZombie,
					immediate: true,
					closeCode: protocol.CloseForResume,
				}
			}
			if err := l.beat(); err != nil {
				return outcome{kind: outcomeReconnect, err: err, closeCode: protocol.CloseForResume}
			}
			l.heartbeat.Reset(l.interval)

		case in, ok := <-frames:
			if !ok {
				return outcome{kind: outcomeReconnect, err: &TransportError{Op: "read", Err: transport.ErrClosed}}
			}
			if in.err != nil {
				return l.readFailed(ctx, in.err)
			}
			if out, done := l.handle(ctx, in.frame); done {
				return out
			}
			if l.ready && handshakeC != nil {
				l.handshake.Stop()
				handshakeC = nil
			}
		}
	}
}

func (l *link) readFailed(ctx context.Context, err error) outcome {
	if ctx.Err() != nil {
		return outcome{kind: outcomeStop, closeCode: protocol.CloseNormal}
	}

	var ce *transport.CloseError
	if errors.As(err, &ce) {
		l.s.emit(Lifecycle{Kind: LifecycleConnectionClosed, Code: ce.Code, Reason: ce.Reason})

		if protocol.PolicyFor(ce.Code) == protocol.ActionFatal {
			return outcome{
				kind:       outcomeFatal,
				err:        &FatalError{Code: ce.Code, Reason: ce.Reason},
				peerClosed: true,
			}
		}
		l.logger.Warn("gateway closed connection",
			"code", ce.Code,
			"text", protocol.CloseText(ce.Code),
			"reason", ce.Reason,
		)
		return outcome{
			kind:       outcomeReconnect,
			err:        &TransportError{Op: "read", Err: err},
			peerClosed: true,
		}
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return outcome{kind: outcomeReconnect, err: err, closeCode: protocol.CloseForResume}
	}
	return outcome{kind: outcomeReconnect, err: &TransportError{Op: "read", Err: err}, closeCode: protocol.CloseForResume}
}

// handle processes one inbound frame. done reports that the connection
// must end with out.
func (l *link) handle(ctx context.Context, f protocol.Frame) (out outcome, done bool) {
	if f.S != nil {
		l.s.setSequence(*f.S)
	}

	switch f.Op {
	case protocol.OpHello:
		return l.hello(f)

	case protocol.OpDispatch:
		l.dispatch(ctx, f)

	case protocol.OpHeartbeatAck:
		l.awaitingAck = false
		if l.sentAt.IsZero() {
			l.logger.Debug("heartbeat ack with no beat outstanding")
			break
		}
		latency := time.Since(l.sentAt)
		l.sentAt = time.Time{}
		l.s.mu.Lock()
		l.s.latency = latency
		l.s.mu.Unlock()
		l.s.emit(Lifecycle{Kind: LifecycleHeartbeatAcked, Latency: latency})

	case protocol.OpHeartbeat:
		// Requested beats don't count against the ack deadline
		if err := l.s.write(l.conn, protocol.HeartbeatFrame(l.s.sequencePtr())); err != nil {
			return outcome{kind: outcomeReconnect, err: err, closeCode: protocol.CloseForResume}, true
		}
		l.sentAt = time.Now()
		l.s.emit(Lifecycle{Kind: LifecycleHeartbeatSent, Message: "requested"})

	case protocol.OpReconnect:
		l.logger.Info("gateway requested reconnect")
		return outcome{
			kind:      outcomeReconnect,
			err:       errors.New("gateway requested reconnect"),
			immediate: true,
			closeCode: protocol.CloseForResume,
		}, true

	case protocol.OpInvalidSession:
		resumable, _ := f.D.(bool)
		l.logger.Warn("invalid session", "resumable", resumable)
		if resumable {
			return outcome{
				kind:      outcomeReconnect,
				err:       errors.New("invalid session, resumable"),
				immediate: true,
				closeCode: protocol.CloseForResume,
			}, true
		}
		return outcome{
			kind:      outcomeReconnect,
			err:       errors.New("invalid session"),
			fresh:     true,
			immediate: true,
			delay:     l.s.cfg.InvalidSessionDelay,
			closeCode: protocol.CloseNormal,
		}, true

	default:
		l.logger.Debug("ignoring frame", "op", f.Op)
	}

	return outcome{}, false
}

func (l *link) hello(f protocol.Frame) (outcome, bool) {
	var h protocol.Hello
	if err := codec.Into(f.D, &h); err != nil || h.HeartbeatInterval <= 0 {
		if err == nil {
			err = fmt.Errorf("heartbeat interval %d", h.HeartbeatInterval)
		}
		return outcome{
			kind:      outcomeReconnect,
			err:       &ProtocolError{Reason: "invalid hello", Err: err},
			closeCode: protocol.CloseForResume,
		}, true
	}

	l.interval = time.Duration(h.HeartbeatInterval) * time.Millisecond
	l.s.mu.Lock()
	l.s.heartbeatInterval = l.interval
	l.s.mu.Unlock()

	first := time.Duration(float64(l.interval) * l.s.jitter())
	if l.heartbeat == nil {
		l.heartbeat = time.NewTimer(first)
	} else {
		l.heartbeat.Reset(first)
	}
	l.awaitingAck = false
	l.logger.Debug("hello received", "interval", l.interval, "first_beat", first)

	if sessionID, seq, ok := l.s.resumeState(); ok {
		l.s.setState(StateResuming)
		l.s.emit(Lifecycle{Kind: LifecycleResuming, Message: sessionID})
		err := l.s.write(l.conn, protocol.ResumeFrame(protocol.Resume{
			Token:     l.s.cfg.Token,
			SessionID: sessionID,
			Seq:       seq,
		}))
		if err != nil {
			return outcome{kind: outcomeReconnect, err: err, closeCode: protocol.CloseForResume}, true
		}
		return outcome{}, false
	}

	l.s.setState(StateIdentifying)
	err := l.s.write(l.conn, protocol.IdentifyFrame(protocol.Identify{
		Token:          l.s.cfg.Token,
		Properties:     l.s.cfg.Properties,
		LargeThreshold: l.s.cfg.LargeThreshold,
		Shard:          [2]int{l.s.cfg.ShardID, l.s.cfg.ShardCount},
		Intents:        l.s.cfg.Intents,
	}))
	if err != nil {
		return outcome{kind: outcomeReconnect, err: err, closeCode: protocol.CloseForResume}, true
	}
	return outcome{}, false
}

func (l *link) dispatch(ctx context.Context, f protocol.Frame) {
	switch f.T {
	case protocol.EventReady:
		var r protocol.Ready
		if err := codec.Into(f.D, &r); err != nil {
			l.logger.Warn("malformed ready payload", "error", err)
		}
		l.ready = true
		l.s.setReady(&r)
		l.s.emit(Lifecycle{Kind: LifecycleHandshakeDone, Message: r.SessionID})
		l.logger.Info("session ready", "session_id", r.SessionID)

	case protocol.EventResumed:
		l.ready = true
		l.s.setReady(nil)
		l.s.emit(Lifecycle{Kind: LifecycleHandshakeDone, Resumed: true})
		l.logger.Info("session resumed")
	}

	d := Dispatch{
		Shard:      l.s.cfg.ShardID,
		Type:       f.T,
		SessionID:  l.s.SessionID(),
		Data:       f.D,
		ReceivedAt: time.Now(),
	}
	if f.S != nil {
		d.Seq = *f.S
	}
	l.s.deliver(ctx, d)
}

// beat sends a scheduled heartbeat and starts waiting for its ack.
func (l *link) beat() error {
	if err := l.s.write(l.conn, protocol.HeartbeatFrame(l.s.sequencePtr())); err != nil {
		return err
	}
	l.awaitingAck = true
	l.sentAt = time.Now()
	l.s.emit(Lifecycle{Kind: LifecycleHeartbeatSent})
	return nil
}
