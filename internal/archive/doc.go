// Package archive persists dispatch events to PostgreSQL.
//
// Rows are append-only. A resumed session can replay events the archive
// already holds, so inserts are keyed on (session_id, seq) and duplicates
// are dropped with ON CONFLICT DO NOTHING.
package archive
