package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rickgao/gateway-shards/internal/codec"
	"github.com/rickgao/gateway-shards/internal/protocol"
	"github.com/rickgao/gateway-shards/internal/transport"
)

// fatalEmitTimeout bounds how long a fatal notification waits for room in
// the lifecycle channel.
const fatalEmitTimeout = 5 * time.Second

// Session keeps one shard connected to the gateway.
type Session struct {
	cfg    Config
	codec  codec.Codec
	dialer transport.Dialer
	sink   Sink
	logger *slog.Logger

	mu                sync.RWMutex
	state             State
	conn              transport.Conn
	seq               *int64
	sessionID         string
	resumeURL         string
	heartbeatInterval time.Duration
	latency           time.Duration
	reconnects        int

	// Run coordination, replaced on every Start
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	ready       chan struct{}
	readyClosed bool
	err         error
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	Shard             int
	State             State
	Sequence          int64
	HasSequence       bool
	SessionID         string
	HeartbeatInterval time.Duration
	HeartbeatLatency  time.Duration
	Reconnects        int
	Err               error
}

// New creates an idle Session. Start connects it.
func New(cfg Config, c codec.Codec, dialer transport.Dialer, sink Sink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = codec.JSON
	}
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}

	done := make(chan struct{})
	close(done)

	return &Session{
		cfg:    cfg,
		codec:  c,
		dialer: dialer,
		sink:   sink,
		logger: logger.With("shard", cfg.ShardID),
		done:   done,
		ready:  make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately; use
// WaitReady to block until the handshake completes.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.ready = make(chan struct{})
	s.readyClosed = false
	s.err = nil

	go s.run(runCtx, s.done)

	return nil
}

// Stop closes the socket with a normal closure, cancels all timers and
// waits for the connection loop to exit. The session will not reconnect.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.setState(StateClosing)
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send encodes and writes a frame on the current socket.
func (s *Session) Send(f protocol.Frame) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	return s.write(conn, f)
}

// WaitReady blocks until the session reaches Ready, stops, or ctx ends.
// A session that stopped on a fatal close returns its *FatalError.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.RLock()
	ready, done := s.ready, s.done
	s.mu.RUnlock()

	select {
	case <-ready:
		return nil
	default:
	}

	select {
	case <-ready:
		return nil
	case <-done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection loop exits.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Err returns the fatal error that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// ShardID returns the shard index this session serves.
func (s *Session) ShardID() int {
	return s.cfg.ShardID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Sequence returns the last dispatch sequence seen, if any.
func (s *Session) Sequence() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seq == nil {
		return 0, false
	}
	return *s.seq, true
}

// SessionID returns the server-assigned session id, empty before the first
// READY.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Snapshot returns current statistics.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Shard:             s.cfg.ShardID,
		State:             s.state,
		SessionID:         s.sessionID,
		HeartbeatInterval: s.heartbeatInterval,
		HeartbeatLatency:  s.latency,
		Reconnects:        s.reconnects,
		Err:               s.err,
	}
	if s.seq != nil {
		snap.Sequence = *s.seq
		snap.HasSequence = true
	}
	return snap
}

// run is the connection loop: connect, serve until the socket ends, then
// decide whether and when to connect again.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	failures := 0
	for {
		out := s.connect(ctx)

		switch out.kind {
		case outcomeStop:
			s.setState(StateIdle)
			s.logger.Info("session stopped")
			return
		case outcomeFatal:
			s.fail(ctx, out.err)
			return
		}

		if out.ready {
			failures = 0
		}

		var wait time.Duration
		switch {
		case out.delay > 0:
			wait = out.delay
		case out.immediate:
			wait = 0
		default:
			failures++
			wait = s.cfg.Backoff.Delay(failures)
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()

		if out.fresh {
			s.resetSession()
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		s.logger.Warn("reconnecting",
			"reason", out.err,
			"wait", wait,
			"fresh", out.fresh,
			"failures", failures,
		)
		s.debug(fmt.Sprintf("reconnecting in %s: %v", wait, out.err))

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.setState(StateIdle)
				s.logger.Info("session stopped")
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return
		}
	}
}

// connect opens one socket, serves it until it ends and tears it down. The
// socket is fully released before connect returns.
func (s *Session) connect(ctx context.Context) outcome {
	s.setState(StateConnecting)

	url := s.connectURL()
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, err := s.dialer.Dial(dialCtx, url)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return outcome{kind: outcomeStop}
		}
		return outcome{kind: outcomeReconnect, err: &TransportError{Op: "dial", Err: err}}
	}

	l := newLink(s, conn)
	l.logger.Info("connection opened", "url", url)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.emit(Lifecycle{Kind: LifecycleConnectionOpened, Message: url})
	s.setState(StateAwaitingHello)

	connCtx, connCancel := context.WithCancel(ctx)
	frames := make(chan inbound)
	go s.readLoop(connCtx, conn, frames)

	out := l.serve(ctx, frames)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	if !out.peerClosed {
		code := out.closeCode
		if code == 0 {
			code = protocol.CloseNormal
		}
		conn.Close(code, out.closeReason)
		s.emit(Lifecycle{Kind: LifecycleConnectionClosed, Code: code, Reason: out.closeReason})
	} else {
		conn.Close(protocol.CloseNormal, "")
	}
	connCancel()
	for range frames {
	}

	l.logger.Info("connection closed", "outcome", out.kind, "error", out.err)
	return out
}

type inbound struct {
	frame protocol.Frame
	err   error
}

// readLoop decodes frames off the socket until it fails. It owns frames and
// closes it on return.
func (s *Session) readLoop(ctx context.Context, conn transport.Conn, frames chan<- inbound) {
	defer close(frames)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			select {
			case frames <- inbound{err: err}:
			case <-ctx.Done():
			}
			return
		}

		var f protocol.Frame
		if err := s.codec.Decode(data, &f); err != nil {
			select {
			case frames <- inbound{err: &ProtocolError{Reason: "decode frame", Err: err}}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case frames <- inbound{frame: f}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) write(conn transport.Conn, f protocol.Frame) error {
	data, err := s.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(ctx, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// connectURL prefers the resume URL once a session exists.
func (s *Session) connectURL() string {
	s.mu.RLock()
	sessionID, resumeURL := s.sessionID, s.resumeURL
	s.mu.RUnlock()

	if sessionID == "" || resumeURL == "" {
		return s.cfg.URL
	}

	url, err := protocol.SocketURL(resumeURL, s.cfg.Version, s.codec.Name())
	if err != nil {
		s.logger.Warn("invalid resume url, using gateway url", "resume_url", resumeURL, "error", err)
		return s.cfg.URL
	}
	return url
}

// resumeState returns what a resume frame needs, or ok=false when there is
// no session to resume.
func (s *Session) resumeState() (sessionID string, seq *int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sessionID == "" {
		return "", nil, false
	}
	if s.seq != nil {
		n := *s.seq
		seq = &n
	}
	return s.sessionID, seq, true
}

func (s *Session) setSequence(n int64) {
	s.mu.Lock()
	s.seq = &n
	s.mu.Unlock()
}

func (s *Session) sequencePtr() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seq == nil {
		return nil
	}
	n := *s.seq
	return &n
}

func (s *Session) setReady(r *protocol.Ready) {
	s.mu.Lock()
	if r != nil {
		s.sessionID = r.SessionID
		s.resumeURL = r.ResumeGatewayURL
	}
	if !s.readyClosed {
		close(s.ready)
		s.readyClosed = true
	}
	s.mu.Unlock()

	s.setState(StateReady)
}

// resetSession forgets the session so the next handshake identifies.
func (s *Session) resetSession() {
	s.mu.Lock()
	s.seq = nil
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
}

func (s *Session) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.logger.Error("session failed, not reconnecting", "error", err)
	s.setState(StateIdle)
	s.emitWait(ctx, Lifecycle{Kind: LifecycleFatal, Err: err, Message: err.Error()})
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("state changed", "from", prev, "to", next)
	s.emit(Lifecycle{Kind: LifecycleStateChanged, From: prev})
}

func (s *Session) debug(msg string) {
	s.emit(Lifecycle{Kind: LifecycleDebug, Message: msg})
}

func (s *Session) emit(ev Lifecycle) {
	if s.sink.Lifecycle == nil {
		return
	}

	ev.Shard = s.cfg.ShardID
	ev.State = s.State()
	ev.At = time.Now()

	select {
	case s.sink.Lifecycle <- ev:
	default:
		s.logger.Warn("lifecycle buffer full, dropping event", "kind", ev.Kind)
	}
}

// emitWait is emit for notifications that must not be dropped. It blocks
// until the event is queued, ctx ends or fatalEmitTimeout passes.
func (s *Session) emitWait(ctx context.Context, ev Lifecycle) {
	if s.sink.Lifecycle == nil {
		return
	}

	ev.Shard = s.cfg.ShardID
	ev.State = s.State()
	ev.At = time.Now()

	timer := time.NewTimer(fatalEmitTimeout)
	defer timer.Stop()

	select {
	case s.sink.Lifecycle <- ev:
	case <-ctx.Done():
		s.logger.Error("lifecycle event not delivered, session stopping", "kind", ev.Kind)
	case <-timer.C:
		s.logger.Error("lifecycle event not delivered, buffer not drained", "kind", ev.Kind, "waited", fatalEmitTimeout)
	}
}

func (s *Session) deliver(ctx context.Context, d Dispatch) {
	if s.sink.Dispatch == nil {
		return
	}
	select {
	case s.sink.Dispatch <- d:
	case <-ctx.Done():
	}
}

func (s *Session) jitter() float64 {
	if s.cfg.Jitter != nil {
		return s.cfg.Jitter()
	}
	return rand.Float64()
}
