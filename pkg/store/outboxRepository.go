package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutBoxRepository defines the database operations for outbox events.
type OutBoxRepository interface {
	// WithinTx runs fn inside one transaction carried by ctx. Nested calls reuse it.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Enqueue writes a pending event, inside the caller's transaction when ctx carries one.
	Enqueue(ctx context.Context, event OutboxEvent) error
	// FetchPending locks and returns up to batchSize unsent events, fewest retries first, then oldest.
	FetchPending(ctx context.Context, batchSize int) ([]OutboxEvent, error)
	// MarkSent stamps sent_at so the event is never fetched again.
	MarkSent(ctx context.Context, eventID uuid.UUID) error
	// IncrementRetryCount records a failed delivery and leaves the event pending.
	IncrementRetryCount(ctx context.Context, eventID uuid.UUID) error
}

// ArchiveSink receives sent events before they leave the hot table.
type ArchiveSink interface {
	Archive(ctx context.Context, events []OutboxEvent) error
}

// OutboxArchiver moves aged, sent events out of the hot table.
type OutboxArchiver interface {
	ArchiveSent(ctx context.Context, sentBefore time.Time, limit int, sink ArchiveSink) (int, error)
}
