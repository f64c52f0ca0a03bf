package session

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/gateway-shards/internal/codec"
	"github.com/rickgao/gateway-shards/internal/protocol"
	"github.com/rickgao/gateway-shards/internal/transport"
)

const waitTimeout = 2 * time.Second

// fakeConn is an in-memory socket. Frames written by the session are decoded
// onto writes; the test feeds inbound frames with push.
type fakeConn struct {
	url    string
	in     chan []byte
	peer   chan *transport.CloseError
	writes chan protocol.Frame
	closed chan struct{}

	mu        sync.Mutex
	once      sync.Once
	closeCode int
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:    url,
		in:     make(chan []byte, 16),
		peer:   make(chan *transport.CloseError, 1),
		writes: make(chan protocol.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case ce := <-c.peer:
		return nil, ce
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}

	var f protocol.Frame
	if err := codec.JSON.Decode(data, &f); err != nil {
		return err
	}
	select {
	case c.writes <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := codec.JSON.Encode(f)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) peerClose(code int, reason string) {
	c.peer <- &transport.CloseError{Code: code, Reason: reason}
}

func (c *fakeConn) nextWrite(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-c.writes:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for write")
		return protocol.Frame{}
	}
}

// nextWriteOp skips frames until one with op arrives.
func (c *fakeConn) nextWriteOp(t *testing.T, op protocol.Opcode) protocol.Frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-c.writes:
			if f.Op == op {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", op)
			return protocol.Frame{}
		}
	}
}

func (c *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for close")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeDialer struct {
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	c := newFakeConn(url)
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func (d *fakeDialer) expectNoDial(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case c := <-d.dialed:
		t.Fatalf("unexpected dial to %s", c.url)
	case <-time.After(within):
	}
}

type harness struct {
	session   *Session
	dialer    *fakeDialer
	dispatch  chan Dispatch
	lifecycle chan Lifecycle
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token = "secret"
	cfg.URL = "ws://gateway.test/?encoding=json&v=10"
	cfg.InvalidSessionDelay = 10 * time.Millisecond
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	cfg.Jitter = func() float64 { return 1 }
	return cfg
}

func startSession(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		dialer:    newFakeDialer(),
		dispatch:  make(chan Dispatch, 64),
		lifecycle: make(chan Lifecycle, 1024),
	}
	h.session = New(cfg, codec.JSON, h.dialer, Sink{Dispatch: h.dispatch, Lifecycle: h.lifecycle}, nil)
	require.NoError(t, h.session.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		h.session.Stop(ctx)
	})
	return h
}

func hello(intervalMS int64) protocol.Frame {
	return protocol.Frame{Op: protocol.OpHello, D: map[string]any{"heartbeat_interval": intervalMS}}
}

func dispatchFrame(event string, seq int64, d any) protocol.Frame {
	return protocol.Frame{Op: protocol.OpDispatch, T: event, S: &seq, D: d}
}

func readyFrame(seq int64) protocol.Frame {
	return dispatchFrame(protocol.EventReady, seq, map[string]any{
		"session_id":         "sess-1",
		"resume_gateway_url": "ws://resume.test",
	})
}

// handshake drives a fresh connection to Ready with the given sequence.
func (h *harness) handshake(t *testing.T, seq int64) *fakeConn {
	t.Helper()
	c := h.dialer.next(t)
	c.push(t, hello(45000))
	c.nextWriteOp(t, protocol.OpIdentify)
	c.push(t, readyFrame(seq))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.session.WaitReady(ctx))
	return c
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want }, waitTimeout, 5*time.Millisecond,
		"state %s, want %s", h.session.State(), want)
}

func TestSession_IdentifyAndReady(t *testing.T) {
	cfg := testConfig()
	cfg.ShardID = 2
	cfg.ShardCount = 4
	intents := 513
	cfg.Intents = &intents
	cfg.Properties = protocol.IdentifyProperties{OS: "linux", Browser: "gateway-shards", Device: "gateway-shards"}
	h := startSession(t, cfg)

	c := h.dialer.next(t)
	assert.Equal(t, cfg.URL, c.url)

	c.push(t, hello(45000))
	f := c.nextWrite(t)
	require.Equal(t, protocol.OpIdentify, f.Op)

	var id protocol.Identify
	require.NoError(t, codec.Into(f.D, &id))
	assert.Equal(t, "secret", id.Token)
	assert.Equal(t, [2]int{2, 4}, id.Shard)
	assert.Equal(t, 250, id.LargeThreshold)
	assert.Equal(t, "linux", id.Properties.OS)
	require.NotNil(t, id.Intents)
	assert.Equal(t, 513, *id.Intents)
	h.waitState(t, StateIdentifying)

	c.push(t, readyFrame(1))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.session.WaitReady(ctx))

	assert.Equal(t, StateReady, h.session.State())
	assert.Equal(t, "sess-1", h.session.SessionID())
	seq, ok := h.session.Sequence()
	assert.True(t, ok)
	assert.Equal(t, int64(1), seq)

	select {
	case d := <-h.dispatch:
		assert.Equal(t, protocol.EventReady, d.Type)
		assert.Equal(t, 2, d.Shard)
		assert.Equal(t, int64(1), d.Seq)
		assert.Equal(t, "sess-1", d.SessionID)
	case <-time.After(waitTimeout):
		t.Fatal("READY not delivered")
	}
}

func TestSession_SequenceTracking(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 1)
	<-h.dispatch

	c.push(t, dispatchFrame("MESSAGE_CREATE", 2, map[string]any{"content": "hi"}))
	c.push(t, dispatchFrame("MESSAGE_CREATE", 7, map[string]any{"content": "there"}))

	var got []int64
	for range 2 {
		select {
		case d := <-h.dispatch:
			assert.Equal(t, "MESSAGE_CREATE", d.Type)
			got = append(got, d.Seq)
		case <-time.After(waitTimeout):
			t.Fatal("dispatch not delivered")
		}
	}
	assert.Equal(t, []int64{2, 7}, got)

	seq, ok := h.session.Sequence()
	require.True(t, ok)
	assert.Equal(t, int64(7), seq)

	var payload struct {
		Content string `json:"content"`
	}
	c.push(t, dispatchFrame("MESSAGE_CREATE", 8, map[string]any{"content": "typed"}))
	d := <-h.dispatch
	require.NoError(t, d.Decode(&payload))
	assert.Equal(t, "typed", payload.Content)
}

func TestSession_ResumeAfterClose(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 5)

	c.peerClose(protocol.CloseUnknownError, "")

	c2 := h.dialer.next(t)
	u, err := url.Parse(c2.url)
	require.NoError(t, err)
	assert.Equal(t, "resume.test", u.Host)
	assert.Equal(t, "10", u.Query().Get("v"))
	assert.Equal(t, "json", u.Query().Get("encoding"))

	c2.push(t, hello(45000))
	f := c2.nextWrite(t)
	require.Equal(t, protocol.OpResume, f.Op)

	var r protocol.Resume
	require.NoError(t, codec.Into(f.D, &r))
	assert.Equal(t, "secret", r.Token)
	assert.Equal(t, "sess-1", r.SessionID)
	require.NotNil(t, r.Seq)
	assert.Equal(t, int64(5), *r.Seq)
	h.waitState(t, StateResuming)

	c2.push(t, dispatchFrame(protocol.EventResumed, 6, nil))
	h.waitState(t, StateReady)
	assert.Equal(t, 1, h.session.Snapshot().Reconnects)
}

func TestSession_FatalClose(t *testing.T) {
	h := startSession(t, testConfig())

	c := h.dialer.next(t)
	c.push(t, hello(45000))
	c.nextWriteOp(t, protocol.OpIdentify)
	c.peerClose(protocol.CloseAuthenticationFailed, "bad token")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := h.session.WaitReady(ctx)

	var fe *FatalError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, protocol.CloseAuthenticationFailed, fe.Code)
	assert.Equal(t, "bad token", fe.Reason)

	select {
	case <-h.session.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, StateIdle, h.session.State())
	h.dialer.expectNoDial(t, 100*time.Millisecond)

	fatals := 0
	for len(h.lifecycle) > 0 {
		if ev := <-h.lifecycle; ev.Kind == LifecycleFatal {
			fatals++
			assert.Equal(t, 0, ev.Shard)
		}
	}
	assert.Equal(t, 1, fatals)
}

func TestSession_InvalidSessionNotResumable(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 3)

	c.push(t, protocol.Frame{Op: protocol.OpInvalidSession, D: false})
	assert.Equal(t, protocol.CloseNormal, c.waitClosed(t))

	c2 := h.dialer.next(t)
	assert.Equal(t, testConfig().URL, c2.url)
	_, ok := h.session.Sequence()
	assert.False(t, ok)
	assert.Empty(t, h.session.SessionID())

	c2.push(t, hello(45000))
	f := c2.nextWrite(t)
	assert.Equal(t, protocol.OpIdentify, f.Op)
}

func TestSession_InvalidSessionResumable(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 3)

	c.push(t, protocol.Frame{Op: protocol.OpInvalidSession, D: true})
	assert.Equal(t, protocol.CloseForResume, c.waitClosed(t))

	c2 := h.dialer.next(t)
	c2.push(t, hello(45000))
	f := c2.nextWrite(t)
	assert.Equal(t, protocol.OpResume, f.Op)
}

func TestSession_ZombieConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = func() float64 { return 0 }
	h := startSession(t, cfg)

	c := h.dialer.next(t)
	c.push(t, hello(50))
	c.nextWriteOp(t, protocol.OpHeartbeat)

	// No ack: the next tick must drop the socket instead of beating again
	assert.Equal(t, protocol.CloseForResume, c.waitClosed(t))
	h.dialer.next(t)

	beats := 0
	for len(c.writes) > 0 {
		if f := <-c.writes; f.Op == protocol.OpHeartbeat {
			beats++
		}
	}
	assert.Equal(t, 0, beats, "heartbeat sent after missed ack")
}

func TestSession_HeartbeatAck(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = func() float64 { return 0 }
	h := startSession(t, cfg)

	c := h.dialer.next(t)
	c.push(t, hello(50))
	c.nextWriteOp(t, protocol.OpIdentify)
	c.push(t, readyFrame(4))

	for range 3 {
		f := c.nextWriteOp(t, protocol.OpHeartbeat)
		c.push(t, protocol.Frame{Op: protocol.OpHeartbeatAck})
		if f.D != nil {
			assert.Equal(t, float64(4), f.D)
		}
	}

	select {
	case <-c.closed:
		t.Fatal("acked connection was closed")
	default:
	}
	assert.Equal(t, 50*time.Millisecond, h.session.Snapshot().HeartbeatInterval)
}

func TestSession_HeartbeatRequest(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 3)

	c.push(t, protocol.Frame{Op: protocol.OpHeartbeat})
	f := c.nextWriteOp(t, protocol.OpHeartbeat)
	assert.Equal(t, float64(3), f.D)
}

func TestSession_ReconnectRequest(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 9)

	c.push(t, protocol.Frame{Op: protocol.OpReconnect})
	assert.Equal(t, protocol.CloseForResume, c.waitClosed(t))

	c2 := h.dialer.next(t)
	c2.push(t, hello(45000))
	f := c2.nextWrite(t)
	require.Equal(t, protocol.OpResume, f.Op)

	var r protocol.Resume
	require.NoError(t, codec.Into(f.D, &r))
	require.NotNil(t, r.Seq)
	assert.Equal(t, int64(9), *r.Seq)
}

func TestSession_CloseBeforeReadyIdentifiesAgain(t *testing.T) {
	h := startSession(t, testConfig())

	c := h.dialer.next(t)
	c.push(t, hello(45000))
	c.nextWriteOp(t, protocol.OpIdentify)
	c.peerClose(1006, "")

	c2 := h.dialer.next(t)
	assert.Equal(t, testConfig().URL, c2.url)
	c2.push(t, hello(45000))
	f := c2.nextWrite(t)
	assert.Equal(t, protocol.OpIdentify, f.Op)
}

func TestSession_HandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	h := startSession(t, cfg)

	c := h.dialer.next(t)
	c.waitClosed(t)
	h.dialer.next(t)
}

func TestSession_Stop(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.session.Stop(ctx))

	assert.Equal(t, protocol.CloseNormal, c.waitClosed(t))
	assert.Equal(t, StateIdle, h.session.State())
	assert.ErrorIs(t, h.session.Send(protocol.HeartbeatFrame(nil)), ErrNotConnected)
	h.dialer.expectNoDial(t, 50*time.Millisecond)

	// Stop is idempotent
	require.NoError(t, h.session.Stop(ctx))
}

func TestSession_Send(t *testing.T) {
	s := New(testConfig(), codec.JSON, newFakeDialer(), Sink{}, nil)
	assert.ErrorIs(t, s.Send(protocol.HeartbeatFrame(nil)), ErrNotConnected)

	h := startSession(t, testConfig())
	c := h.handshake(t, 1)

	require.NoError(t, h.session.Send(protocol.Frame{Op: protocol.OpPresenceUpdate, D: map[string]any{"status": "idle"}}))
	f := c.nextWriteOp(t, protocol.OpPresenceUpdate)
	assert.Equal(t, map[string]any{"status": "idle"}, f.D)
}

func TestSession_StartTwice(t *testing.T) {
	h := startSession(t, testConfig())
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrAlreadyRunning)
}

func TestSession_WaitReadyBeforeStart(t *testing.T) {
	s := New(testConfig(), codec.JSON, newFakeDialer(), Sink{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	assert.ErrorIs(t, s.WaitReady(ctx), ErrStopped)
}

func TestSession_HeartbeatRequestLatency(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 3)

	c.push(t, protocol.Frame{Op: protocol.OpHeartbeat})
	c.nextWriteOp(t, protocol.OpHeartbeat)
	c.push(t, protocol.Frame{Op: protocol.OpHeartbeatAck})

	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.lifecycle:
			if ev.Kind != LifecycleHeartbeatAcked {
				continue
			}
			assert.Greater(t, ev.Latency, time.Duration(0))
			assert.Less(t, ev.Latency, waitTimeout)
			assert.Equal(t, ev.Latency, h.session.Snapshot().HeartbeatLatency)
			return
		case <-deadline:
			t.Fatal("heartbeat ack not reported")
		}
	}
}

func TestSession_UnsolicitedAckIgnored(t *testing.T) {
	h := startSession(t, testConfig())
	c := h.handshake(t, 3)

	c.push(t, protocol.Frame{Op: protocol.OpHeartbeatAck})
	// A dispatch after the ack proves the ack was processed
	c.push(t, dispatchFrame("MESSAGE_CREATE", 4, nil))
	for {
		d := <-h.dispatch
		if d.Seq == 4 {
			break
		}
	}

	assert.Equal(t, time.Duration(0), h.session.Snapshot().HeartbeatLatency)
	for len(h.lifecycle) > 0 {
		assert.NotEqual(t, LifecycleHeartbeatAcked, (<-h.lifecycle).Kind)
	}
}

func TestSession_StopDuringBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	h := startSession(t, cfg)

	c := h.dialer.next(t)
	c.push(t, hello(45000))
	c.nextWriteOp(t, protocol.OpIdentify)
	c.peerClose(1006, "")
	h.waitState(t, StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	start := time.Now()
	require.NoError(t, h.session.Stop(ctx))
	assert.Less(t, time.Since(start), waitTimeout)

	assert.Equal(t, StateIdle, h.session.State())
	h.dialer.expectNoDial(t, 100*time.Millisecond)
}

func TestSession_StopCancelsHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = func() float64 { return 0 }
	h := startSession(t, cfg)

	c := h.dialer.next(t)
	c.push(t, hello(30))
	c.nextWriteOp(t, protocol.OpIdentify)
	c.push(t, readyFrame(1))
	c.nextWriteOp(t, protocol.OpHeartbeat)
	c.push(t, protocol.Frame{Op: protocol.OpHeartbeatAck})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.session.Stop(ctx))
	c.waitClosed(t)

	for len(h.lifecycle) > 0 {
		<-h.lifecycle
	}

	// Several intervals pass with no beat from the stopped session
	time.Sleep(150 * time.Millisecond)
	for len(h.lifecycle) > 0 {
		assert.NotEqual(t, LifecycleHeartbeatSent, (<-h.lifecycle).Kind)
	}
	h.dialer.expectNoDial(t, 50*time.Millisecond)
}

func TestSession_FatalNotificationNotDropped(t *testing.T) {
	d := newFakeDialer()
	lifecycle := make(chan Lifecycle, 2)
	s := New(testConfig(), codec.JSON, d, Sink{Lifecycle: lifecycle}, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		s.Stop(ctx)
	})

	c := d.next(t)
	c.push(t, hello(45000))
	c.nextWriteOp(t, protocol.OpIdentify)

	// The buffer is full of earlier events by now
	require.Eventually(t, func() bool { return len(lifecycle) == cap(lifecycle) }, waitTimeout, 5*time.Millisecond)
	c.peerClose(protocol.CloseAuthenticationFailed, "")

	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-lifecycle:
			if ev.Kind == LifecycleFatal {
				var fe *FatalError
				require.True(t, errors.As(ev.Err, &fe))
				assert.Equal(t, protocol.CloseAuthenticationFailed, fe.Code)
				return
			}
		case <-deadline:
			t.Fatal("fatal notification dropped")
		}
	}
}
