package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/gateway-shards/internal/codec"
	"github.com/rickgao/gateway-shards/internal/router"
	"github.com/rickgao/gateway-shards/internal/session"
)

const insertEvent = `
	INSERT INTO dispatch_events (id, shard, session_id, seq, event_type, payload, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (session_id, seq) DO NOTHING
`

// EventWriter consumes dispatches from a router subscription and writes
// them to dispatch_events in batches.
type EventWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.GrowableBuffer[session.Dispatch]
	db    BatchSender

	batch   []eventRow
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewEventWriter creates a new EventWriter.
func NewEventWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[session.Dispatch],
	db BatchSender,
	logger *slog.Logger,
) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &EventWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming dispatches.
func (w *EventWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop ends consumption and flushes what is batched.
func (w *EventWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("archive writer stopped")
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
	}

	// Drain anything the router queued before it stopped
	for _, d := range w.input.DrainTo(0) {
		w.add(d)
	}
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *EventWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *EventWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		d, err := w.input.Receive(w.ctx)
		if err != nil {
			if !errors.Is(err, router.ErrBufferClosed) && !errors.Is(err, context.Canceled) {
				w.logger.Warn("archive input failed", "error", err)
			}
			return
		}
		if w.add(d) {
			w.flush(w.ctx)
		}
	}
}

func (w *EventWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add batches a dispatch and reports whether the batch is full.
func (w *EventWriter) add(d session.Dispatch) bool {
	row, err := w.transform(d)
	if err != nil {
		w.logger.Warn("unencodable dispatch payload", "type", d.Type, "shard", d.Shard, "error", err)
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return false
	}

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.metrics.Received++
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *EventWriter) transform(d session.Dispatch) (eventRow, error) {
	row := eventRow{
		ID:         uuid.New(),
		Shard:      d.Shard,
		SessionID:  d.SessionID,
		Seq:        d.Seq,
		EventType:  d.Type,
		ReceivedAt: d.ReceivedAt.UTC(),
	}
	if d.Data != nil {
		payload, err := codec.JSON.Encode(d.Data)
		if err != nil {
			return eventRow{}, err
		}
		row.Payload = payload
	}
	return row, nil
}

func (w *EventWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if w.db == nil {
		return
	}
	if ctx.Err() != nil {
		// Final flush after Stop cancelled the writer context
		ctx = context.WithoutCancel(ctx)
	}

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed dispatch events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

func (w *EventWriter) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent, r.ID, r.Shard, r.SessionID, r.Seq, r.EventType, r.Payload, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
