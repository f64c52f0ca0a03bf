package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/gateway-shards/internal/api"
	"github.com/rickgao/gateway-shards/internal/codec"
	"github.com/rickgao/gateway-shards/internal/protocol"
	"github.com/rickgao/gateway-shards/internal/session"
	"github.com/rickgao/gateway-shards/internal/transport"
)

// Manager owns the shard to session mapping.
type Manager struct {
	cfg    Config
	lookup Lookup
	dialer transport.Dialer
	codec  codec.Codec
	logger *slog.Logger

	// Merged output of every session
	dispatch  chan session.Dispatch
	lifecycle chan session.Lifecycle

	// Serializes Connect and Disconnect
	opMu sync.Mutex

	mu         sync.RWMutex
	gateway    *api.GatewayBot
	url        string
	shardCount int
	sessions   map[int]*session.Session
	lastReady  time.Time
}

// NewManager creates a Manager. Nothing is resolved or dialed until Connect.
func NewManager(cfg Config, lookup Lookup, dialer transport.Dialer, c codec.Codec, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = codec.JSON
	}
	if cfg.EventBuffer < 0 {
		cfg.EventBuffer = 0
	}

	return &Manager{
		cfg:       cfg,
		lookup:    lookup,
		dialer:    dialer,
		codec:     c,
		logger:    logger,
		dispatch:  make(chan session.Dispatch, cfg.EventBuffer),
		lifecycle: make(chan session.Lifecycle, cfg.EventBuffer),
		sessions:  make(map[int]*session.Session),
	}
}

// Dispatch returns the merged dispatch stream of all shards. Each shard's
// events arrive in the order that shard received them. The channel is never
// closed.
func (m *Manager) Dispatch() <-chan session.Dispatch {
	return m.dispatch
}

// Lifecycle returns the merged lifecycle stream of all shards.
func (m *Manager) Lifecycle() <-chan session.Lifecycle {
	return m.lifecycle
}

// Resolve performs the gateway lookup. Only the first successful call
// reaches the API; the topology is fixed afterwards.
func (m *Manager) Resolve(ctx context.Context) (*api.GatewayBot, error) {
	m.mu.RLock()
	gb := m.gateway
	m.mu.RUnlock()
	if gb != nil {
		return gb, nil
	}

	gb, err := m.lookup.GatewayBot(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}

	url, err := protocol.SocketURL(gb.URL, m.cfg.Version, m.codec.Name())
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}

	count := gb.Shards
	if m.cfg.ShardCount > 0 {
		count = m.cfg.ShardCount
	}
	if count < 1 {
		count = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gateway != nil {
		return m.gateway, nil
	}
	m.gateway = gb
	m.url = url
	m.shardCount = count

	m.logger.Info("gateway resolved",
		"url", url,
		"shards", count,
		"recommended", gb.Shards,
		"max_concurrency", gb.SessionStartLimit.MaxConcurrency,
		"remaining", gb.SessionStartLimit.Remaining,
	)
	return gb, nil
}

// ShardCount returns the resolved shard count, 0 before Resolve.
func (m *Manager) ShardCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shardCount
}

// ConnectAll starts every shard.
func (m *Manager) ConnectAll(ctx context.Context) error {
	return m.Connect(ctx, 0, 0)
}

// Connect (re)starts shards in [start, end). end <= 0 means the shard
// count. It returns once every batch has become ready or failed, or with
// the first lookup or context error.
func (m *Manager) Connect(ctx context.Context, start, end int) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	gb, err := m.Resolve(ctx)
	if err != nil {
		return err
	}

	count := m.ShardCount()
	if end <= 0 {
		end = count
	}
	if start < 0 || start >= end || end > count {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidRange, start, end, count)
	}

	limit := gb.SessionStartLimit
	if limit.Remaining == 0 && limit.ResetAfter > 0 {
		wait := limit.ResetAfterDuration()
		m.logger.Warn("session start limit exhausted, waiting for reset", "wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	size := max(limit.MaxConcurrency, 1)
	for first := start; first < end; first += size {
		if err := m.pace(ctx); err != nil {
			return err
		}

		last := min(first+size, end)
		if err := m.startBatch(ctx, first, last); err != nil {
			return err
		}
	}

	m.logger.Info("shards connected", "from", start, "to", end, "ready", m.Stats().Ready)
	return nil
}

// pace holds the next batch until BatchInterval has passed since the last
// shard became ready.
func (m *Manager) pace(ctx context.Context) error {
	m.mu.RLock()
	last := m.lastReady
	m.mu.RUnlock()

	if last.IsZero() || m.cfg.BatchInterval <= 0 {
		return nil
	}
	wait := m.cfg.BatchInterval - time.Since(last)
	if wait <= 0 {
		return nil
	}
	m.logger.Debug("pacing identify", "wait", wait)
	return sleep(ctx, wait)
}

// startBatch starts shards [first, last) concurrently and waits until each
// is ready or definitively failed.
func (m *Manager) startBatch(ctx context.Context, first, last int) error {
	m.logger.Info("starting shard batch", "from", first, "to", last)

	waitCtx := ctx
	if m.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.StartTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(waitCtx)
	for id := first; id < last; id++ {
		g.Go(func() error {
			s, err := m.replace(gctx, id)
			if err != nil {
				return err
			}
			return m.awaitShard(ctx, gctx, s)
		})
	}

	return g.Wait()
}

// awaitShard reports only errors that abort the whole startup. A fatal
// shard or one that timed out counts as done.
func (m *Manager) awaitShard(ctx, waitCtx context.Context, s *session.Session) error {
	err := s.WaitReady(waitCtx)

	var fatal *session.FatalError
	switch {
	case err == nil:
		m.mu.Lock()
		m.lastReady = time.Now()
		m.mu.Unlock()
		return nil
	case errors.As(err, &fatal):
		m.logger.Error("shard failed", "shard", s.ShardID(), "error", err)
		return nil
	case errors.Is(err, session.ErrStopped):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		m.logger.Warn("shard not ready in time, continuing", "shard", s.ShardID(), "timeout", m.cfg.StartTimeout)
		return nil
	default:
		return err
	}
}

// replace stops any session already at id, waits for it to exit and
// starts a new one.
func (m *Manager) replace(ctx context.Context, id int) (*session.Session, error) {
	m.mu.RLock()
	old := m.sessions[id]
	m.mu.RUnlock()

	if old != nil {
		if err := old.Stop(ctx); err != nil {
			return nil, fmt.Errorf("stop shard %d: %w", id, err)
		}
		m.logger.Debug("replaced shard session", "shard", id)
	}

	s := session.New(m.sessionConfig(id), m.codec, m.dialer, session.Sink{
		Dispatch:  m.dispatch,
		Lifecycle: m.lifecycle,
	}, m.logger)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	// Sessions outlive the Connect call; Stop ends them
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start shard %d: %w", id, err)
	}
	return s, nil
}

func (m *Manager) sessionConfig(id int) session.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := m.cfg.Session
	cfg.ShardID = id
	cfg.ShardCount = m.shardCount
	cfg.Token = m.cfg.Token
	cfg.URL = m.url
	cfg.Version = m.cfg.Version
	return cfg
}

// Send writes a frame on one shard's socket.
func (m *Manager) Send(shardID int, f protocol.Frame) error {
	s, ok := m.Session(shardID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, shardID)
	}
	return s.Send(f)
}

// SendToGuild writes a frame on the shard that serves guildID.
func (m *Manager) SendToGuild(guildID uint64, f protocol.Frame) error {
	count := m.ShardCount()
	if count == 0 {
		return fmt.Errorf("%w: gateway not resolved", ErrUnknownShard)
	}
	return m.Send(protocol.ShardForGuild(guildID, count), f)
}

// Session returns the session at shardID.
func (m *Manager) Session(shardID int) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[shardID]
	return s, ok
}

// Disconnect stops every session gracefully. Sessions stay registered, so
// Send returns session.ErrNotConnected until they are connected again.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	m.logger.Info("disconnecting shards", "count", len(sessions))

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil {
				return fmt.Errorf("stop shard %d: %w", s.ShardID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stats returns a snapshot of every started shard.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	stats := Stats{
		ShardCount: m.shardCount,
		Started:    len(m.sessions),
		Shards:     make([]session.Snapshot, 0, len(m.sessions)),
	}
	for _, s := range m.sessions {
		stats.Shards = append(stats.Shards, s.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(stats.Shards, func(i, j int) bool {
		return stats.Shards[i].Shard < stats.Shards[j].Shard
	})
	for _, snap := range stats.Shards {
		if snap.State == session.StateReady {
			stats.Ready++
		}
	}
	return stats
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
