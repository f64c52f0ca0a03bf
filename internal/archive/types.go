package archive

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WriterConfig holds batching settings.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns default configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Received  int64
	Inserts   int64
	Conflicts int64 // Rows already archived, typically replays after a resume
	Flushes   int64
	Errors    int64
}

// BatchSender sends a queued batch. *pgxpool.Pool implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// eventRow is one dispatch_events row.
type eventRow struct {
	ID         uuid.UUID
	Shard      int
	SessionID  string
	Seq        int64
	EventType  string
	Payload    []byte // JSON, nil for a null payload
	ReceivedAt time.Time
}
