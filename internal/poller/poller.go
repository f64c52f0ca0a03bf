package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/gateway-shards/internal/api"
)

// Lookup fetches the current gateway information.
type Lookup interface {
	GatewayBot(ctx context.Context) (*api.GatewayBot, error)
}

// LimitHandler receives each fetched session start limit.
type LimitHandler interface {
	HandleLimit(limit api.SessionStartLimit)
}

// LimitHandlerFunc is a function adapter for LimitHandler.
type LimitHandlerFunc func(api.SessionStartLimit)

func (f LimitHandlerFunc) HandleLimit(l api.SessionStartLimit) {
	f(l)
}

// Config holds poller configuration.
type Config struct {
	Interval  time.Duration // Poll interval (default: 5m)
	Timeout   time.Duration // Per-request timeout (default: 10s)
	Watermark int           // Warn when remaining falls below this (0 disables)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Timeout:  10 * time.Second,
	}
}

// Poller periodically refreshes the session start limit.
type Poller struct {
	cfg     Config
	lookup  Lookup
	handler LimitHandler
	logger  *slog.Logger

	polls  atomic.Int64
	errors atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, lookup Lookup, handler LimitHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:     cfg,
		lookup:  lookup,
		handler: handler,
		logger:  logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("start limit poller started", "interval", p.cfg.Interval)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("start limit poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the number of polls and failed polls so far.
func (p *Poller) Stats() (polls, errors int64) {
	return p.polls.Load(), p.errors.Load()
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.poll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	p.polls.Add(1)
	gb, err := p.lookup.GatewayBot(ctx)
	if err != nil {
		if p.ctx.Err() == nil {
			p.errors.Add(1)
			p.logger.Warn("failed to poll gateway", "err", err)
		}
		return
	}

	limit := gb.SessionStartLimit
	if p.handler != nil {
		p.handler.HandleLimit(limit)
	}

	if p.cfg.Watermark > 0 && limit.Remaining < p.cfg.Watermark {
		p.logger.Warn("session start limit low",
			"remaining", limit.Remaining,
			"total", limit.Total,
			"reset_after", limit.ResetAfterDuration(),
		)
		return
	}
	p.logger.Debug("session start limit",
		"remaining", limit.Remaining,
		"total", limit.Total,
		"max_concurrency", limit.MaxConcurrency,
	)
}
