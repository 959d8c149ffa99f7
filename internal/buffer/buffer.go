// Package buffer provides the bounded durable log that decouples bucket
// production from persistence. Every (kind, exchange, symbol) key owns one
// append-only stream trimmed to a configured retention length; eviction can
// drop records that were never consumed, which is the pipeline's explicit
// backpressure valve.
package buffer

import (
	"context"
	"time"

	"orderflow/internal/models"
)

// Entry is one buffered record together with its position in the stream.
// The ID is assigned by the buffer on append and increases monotonically
// within a stream.
type Entry struct {
	Stream string
	ID     string
	Record models.Record
}

// Buffer is implemented by the Redis Streams backend and the in-memory
// backend. Two consumption modes are supported: Drain removes everything it
// returns (at-most-once), ReadPending/Ack leave records pending until the
// caller confirms persistence (at-least-once).
type Buffer interface {
	// Append adds a finalized bucket to its key's stream, trimming the
	// stream to the retention bound, oldest first.
	Append(ctx context.Context, rec models.Record) error

	// SetLatestBook publishes the most recent book snapshot for a key
	// under a dedicated latest pointer, outside the retention log.
	SetLatestBook(ctx context.Context, rec models.Record) error

	// Drain atomically returns and removes all currently buffered
	// records across every stream.
	Drain(ctx context.Context) ([]Entry, error)

	// ReadPending returns up to count records that have not yet been
	// delivered to the consumer group, without removing them.
	ReadPending(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error)

	// ReadBacklog returns records that were delivered to this consumer
	// earlier but never acknowledged, e.g. before a crash. Called once on
	// writer startup so an interrupted flush is retried.
	ReadBacklog(ctx context.Context, consumer string) ([]Entry, error)

	// Ack marks entries consumed after the caller has durably persisted
	// them. Duplicates delivered before the ack are absorbed by the
	// store's idempotent upserts.
	Ack(ctx context.Context, entries ...Entry) error

	Close() error
}
