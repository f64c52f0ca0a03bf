package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/gateway-shards/internal/api"
	"github.com/rickgao/gateway-shards/internal/codec"
	"github.com/rickgao/gateway-shards/internal/protocol"
	"github.com/rickgao/gateway-shards/internal/session"
	"github.com/rickgao/gateway-shards/internal/transport"
)

type gatewayEvent struct {
	kind  string // "identify", "ready" or "fatal"
	shard int
}

// fakeGateway is a WebSocket server that completes identify handshakes
// after a short delay and records the order of events.
type fakeGateway struct {
	t      *testing.T
	server *httptest.Server
	delay  time.Duration
	fatal  map[int]bool

	mu          sync.Mutex
	events      []gatewayEvent
	inflight    int
	maxInflight int
	identifies  map[int]int
	received    chan protocol.Frame
}

func newFakeGateway(t *testing.T, delay time.Duration, fatal ...int) *fakeGateway {
	g := &fakeGateway{
		t:          t,
		delay:      delay,
		fatal:      make(map[int]bool),
		identifies: make(map[int]int),
		received:   make(chan protocol.Frame, 64),
	}
	for _, id := range fatal {
		g.fatal[id] = true
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		g.serve(conn)
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) record(kind string, shard int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, gatewayEvent{kind: kind, shard: shard})
}

func (g *fakeGateway) serve(conn *websocket.Conn) {
	hello, _ := json.Marshal(protocol.Frame{Op: protocol.OpHello, D: protocol.Hello{HeartbeatInterval: 45000}})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			g.t.Errorf("bad frame: %v", err)
			return
		}

		switch f.Op {
		case protocol.OpIdentify:
			var id protocol.Identify
			if err := codec.Into(f.D, &id); err != nil {
				g.t.Errorf("bad identify: %v", err)
				return
			}
			g.identify(conn, id.Shard[0])
		case protocol.OpHeartbeat:
			ack, _ := json.Marshal(protocol.Frame{Op: protocol.OpHeartbeatAck})
			conn.WriteMessage(websocket.TextMessage, ack)
		default:
			g.received <- f
		}
	}
}

func (g *fakeGateway) identify(conn *websocket.Conn, shard int) {
	g.mu.Lock()
	g.events = append(g.events, gatewayEvent{kind: "identify", shard: shard})
	g.identifies[shard]++
	g.inflight++
	g.maxInflight = max(g.maxInflight, g.inflight)
	g.mu.Unlock()

	time.Sleep(g.delay)

	g.mu.Lock()
	g.inflight--
	g.mu.Unlock()

	if g.fatal[shard] {
		g.record("fatal", shard)
		msg := websocket.FormatCloseMessage(protocol.CloseInvalidShard, "invalid shard")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	g.record("ready", shard)
	seq := int64(1)
	ready, _ := json.Marshal(protocol.Frame{
		Op: protocol.OpDispatch,
		T:  protocol.EventReady,
		S:  &seq,
		D: protocol.Ready{
			SessionID:        fmt.Sprintf("sess-%d", shard),
			ResumeGatewayURL: g.url(),
		},
	})
	conn.WriteMessage(websocket.TextMessage, ready)
}

func (g *fakeGateway) snapshot() ([]gatewayEvent, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewayEvent(nil), g.events...), g.maxInflight
}

type fakeLookup struct {
	mu    sync.Mutex
	calls int
	resp  *api.GatewayBot
	err   error
}

func (l *fakeLookup) GatewayBot(ctx context.Context) (*api.GatewayBot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	resp := *l.resp
	return &resp, nil
}

func lookupFor(g *fakeGateway, shards, concurrency int) *fakeLookup {
	return &fakeLookup{resp: &api.GatewayBot{
		URL:    g.url(),
		Shards: shards,
		SessionStartLimit: api.SessionStartLimit{
			Total:          1000,
			Remaining:      1000,
			MaxConcurrency: concurrency,
		},
	}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token = "secret"
	cfg.BatchInterval = 10 * time.Millisecond
	cfg.StartTimeout = 5 * time.Second
	cfg.EventBuffer = 256
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	return cfg
}

func newTestManager(t *testing.T, cfg Config, lookup Lookup) *Manager {
	t.Helper()
	m := NewManager(cfg, lookup, transport.NewGorillaDialer(transport.DefaultOptions()), codec.JSON, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Disconnect(ctx)
	})
	return m
}

func TestManager_BatchedStartup(t *testing.T) {
	g := newFakeGateway(t, 30*time.Millisecond)
	m := newTestManager(t, testConfig(), lookupFor(g, 5, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectAll(ctx))

	events, maxInflight := g.snapshot()
	assert.LessOrEqual(t, maxInflight, 2)

	// Every identify of batch n+1 follows every ready of batch n
	batchOf := func(shard int) int { return shard / 2 }
	done := make(map[int]int)
	for _, ev := range events {
		switch ev.kind {
		case "ready", "fatal":
			done[batchOf(ev.shard)]++
		case "identify":
			b := batchOf(ev.shard)
			if b == 0 {
				continue
			}
			prevSize := 2
			assert.Equal(t, prevSize, done[b-1], "shard %d identified before batch %d finished", ev.shard, b-1)
		}
	}

	stats := m.Stats()
	assert.Equal(t, 5, stats.ShardCount)
	assert.Equal(t, 5, stats.Started)
	assert.Equal(t, 5, stats.Ready)
	for i, snap := range stats.Shards {
		assert.Equal(t, i, snap.Shard)
		assert.Equal(t, fmt.Sprintf("sess-%d", i), snap.SessionID)
	}

	seen := make(map[int]bool)
	for len(seen) < 5 {
		select {
		case d := <-m.Dispatch():
			assert.Equal(t, protocol.EventReady, d.Type)
			seen[d.Shard] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d READY dispatches", len(seen))
		}
	}
}

func TestManager_FatalShardDoesNotBlockStartup(t *testing.T) {
	g := newFakeGateway(t, 10*time.Millisecond, 1)
	m := newTestManager(t, testConfig(), lookupFor(g, 4, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectAll(ctx))

	stats := m.Stats()
	assert.Equal(t, 3, stats.Ready)

	s, ok := m.Session(1)
	require.True(t, ok)
	var fe *session.FatalError
	require.True(t, errors.As(s.Err(), &fe), "got %v", s.Err())
	assert.Equal(t, protocol.CloseInvalidShard, fe.Code)

	events, _ := g.snapshot()
	identifies := 0
	for _, ev := range events {
		if ev.kind == "identify" && ev.shard == 1 {
			identifies++
		}
	}
	assert.Equal(t, 1, identifies, "fatal shard retried")
}

func TestManager_ShardCountOverride(t *testing.T) {
	g := newFakeGateway(t, 0)
	cfg := testConfig()
	cfg.ShardCount = 2
	lookup := lookupFor(g, 16, 16)
	m := newTestManager(t, cfg, lookup)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectAll(ctx))

	assert.Equal(t, 2, m.ShardCount())
	assert.Equal(t, 2, m.Stats().Ready)

	// Topology is resolved once
	require.NoError(t, m.Connect(ctx, 1, 2))
	assert.Equal(t, 1, lookup.calls)
}

func TestManager_ReconnectReplacesSession(t *testing.T) {
	g := newFakeGateway(t, 0)
	m := newTestManager(t, testConfig(), lookupFor(g, 2, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectAll(ctx))

	old, ok := m.Session(0)
	require.True(t, ok)

	require.NoError(t, m.Connect(ctx, 0, 1))

	current, ok := m.Session(0)
	require.True(t, ok)
	assert.NotSame(t, old, current)
	assert.Equal(t, session.StateReady, current.State())

	select {
	case <-old.Done():
	default:
		t.Fatal("old session still running")
	}
	assert.Equal(t, session.StateIdle, old.State())

	other, _ := m.Session(1)
	assert.Equal(t, session.StateReady, other.State())
}

func TestManager_Send(t *testing.T) {
	g := newFakeGateway(t, 0)
	m := newTestManager(t, testConfig(), lookupFor(g, 2, 2))

	err := m.Send(0, protocol.HeartbeatFrame(nil))
	assert.ErrorIs(t, err, ErrUnknownShard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectAll(ctx))

	assert.ErrorIs(t, m.Send(7, protocol.HeartbeatFrame(nil)), ErrUnknownShard)

	presence := protocol.Frame{Op: protocol.OpPresenceUpdate, D: map[string]any{"status": "dnd"}}
	require.NoError(t, m.Send(1, presence))

	select {
	case f := <-g.received:
		assert.Equal(t, protocol.OpPresenceUpdate, f.Op)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not received")
	}

	// 41771983423143937 >> 22 = 9959216934, which is even
	require.NoError(t, m.SendToGuild(41771983423143937, presence))
}

func TestManager_Disconnect(t *testing.T) {
	g := newFakeGateway(t, 0)
	m := newTestManager(t, testConfig(), lookupFor(g, 3, 3))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectAll(ctx))
	require.NoError(t, m.Disconnect(ctx))

	for _, snap := range m.Stats().Shards {
		assert.Equal(t, session.StateIdle, snap.State)
	}
	assert.ErrorIs(t, m.Send(0, protocol.HeartbeatFrame(nil)), session.ErrNotConnected)
}

func TestManager_LookupFailure(t *testing.T) {
	lookup := &fakeLookup{err: &api.APIError{StatusCode: http.StatusUnauthorized}}
	m := newTestManager(t, testConfig(), lookup)

	err := m.ConnectAll(context.Background())
	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Empty(t, m.Stats().Shards)
}

func TestManager_InvalidRange(t *testing.T) {
	g := newFakeGateway(t, 0)
	m := newTestManager(t, testConfig(), lookupFor(g, 2, 2))

	assert.ErrorIs(t, m.Connect(context.Background(), 1, 5), ErrInvalidRange)
	assert.ErrorIs(t, m.Connect(context.Background(), 2, 2), ErrInvalidRange)
}

func TestManager_WaitsForStartLimitReset(t *testing.T) {
	g := newFakeGateway(t, 0)
	lookup := lookupFor(g, 1, 1)
	lookup.resp.SessionStartLimit.Remaining = 0
	lookup.resp.SessionStartLimit.ResetAfter = 100
	m := newTestManager(t, testConfig(), lookup)

	started := time.Now()
	require.NoError(t, m.ConnectAll(context.Background()))
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Connect(ctx, 0, 1), context.DeadlineExceeded)
}
