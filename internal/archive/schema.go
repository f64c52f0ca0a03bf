package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the dispatch_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS dispatch_events (
	id          UUID PRIMARY KEY,
	shard       INTEGER NOT NULL,
	session_id  TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     JSONB,
	received_at TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, seq)
);
CREATE INDEX IF NOT EXISTS dispatch_events_type_received_idx
	ON dispatch_events (event_type, received_at);
`

// Execer runs a statement. *pgxpool.Pool implements it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the archive table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}
