package router

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/rickgao/gateway-shards/internal/session"
)

// Router fans dispatch events out to named subscriptions by event type.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger
	input  <-chan session.Dispatch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	subs     map[string]*subscription
	received int64
	routed   int64
	unrouted int64
	events   map[string]int64
}

type subscription struct {
	events map[string]struct{} // Empty matches every event
	buf    *GrowableBuffer[session.Dispatch]
}

func (s *subscription) matches(event string) bool {
	if len(s.events) == 0 {
		return true
	}
	_, ok := s.events[event]
	return ok
}

// NewRouter creates a Router reading from input.
func NewRouter(cfg RouterConfig, input <-chan session.Dispatch, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultRouterConfig().BufferSize
	}

	return &Router{
		cfg:    cfg,
		logger: logger,
		input:  input,
		subs:   make(map[string]*subscription),
		events: make(map[string]int64),
	}
}

// Subscribe registers a named subscription for the given event types, or
// for every event when none are given. Subscribe before Start to see every
// event.
func (r *Router) Subscribe(name string, events ...string) (*GrowableBuffer[session.Dispatch], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[name]; ok {
		return nil, fmt.Errorf("subscription %q already exists", name)
	}

	sub := &subscription{
		events: make(map[string]struct{}, len(events)),
		buf:    NewGrowableBuffer[session.Dispatch](r.cfg.BufferSize),
	}
	for _, e := range events {
		sub.events[e] = struct{}{}
	}
	r.subs[name] = sub

	r.logger.Debug("subscription added", "name", name, "events", events)
	return sub.buf, nil
}

// Unsubscribe removes a subscription and closes its buffer.
func (r *Router) Unsubscribe(name string) {
	r.mu.Lock()
	sub, ok := r.subs[name]
	delete(r.subs, name)
	r.mu.Unlock()

	if ok {
		sub.buf.Close()
	}
}

// Start begins routing.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.mu.RLock()
	r.logger.Info("router started", "subscriptions", len(r.subs))
	r.mu.RUnlock()
	return nil
}

// Stop ends routing and closes every subscription buffer. Consumers can
// still drain what was queued.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("router stopped")
	case <-ctx.Done():
		r.logger.Warn("router stop timed out")
	}

	r.mu.RLock()
	for _, sub := range r.subs {
		sub.buf.Close()
	}
	r.mu.RUnlock()

	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RouterStats{
		Received:      r.received,
		Routed:        r.routed,
		Unrouted:      r.unrouted,
		Events:        maps.Clone(r.events),
		Subscriptions: make(map[string]BufferStats, len(r.subs)),
	}
	for name, sub := range r.subs {
		stats.Subscriptions[name] = sub.buf.Stats()
	}
	return stats
}

func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case d, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(d)
		}
	}
}

func (r *Router) route(d session.Dispatch) {
	if r.cfg.Observer != nil {
		r.cfg.Observer(d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.received++
	r.events[d.Type]++

	delivered := 0
	for _, sub := range r.subs {
		if sub.matches(d.Type) && sub.buf.Send(d) {
			delivered++
		}
	}

	if delivered == 0 {
		r.unrouted++
		return
	}
	r.routed += int64(delivered)
}
