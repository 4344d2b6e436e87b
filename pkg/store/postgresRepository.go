package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository is the events_outbox implementation of OutBoxRepository.
type PostgresRepository struct {
	txRunner
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{txRunner{db: db}}
}

var (
	_ OutBoxRepository = (*PostgresRepository)(nil)
	_ OutboxArchiver   = (*PostgresRepository)(nil)
)

const fetchPendingSQL = `SELECT event_id, topic, payload, retry_count, created_at FROM events_outbox
WHERE sent_at IS NULL
ORDER BY retry_count ASC, created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`

func (p *PostgresRepository) Enqueue(ctx context.Context, event OutboxEvent) error {
	ctx, span := tracer().Start(ctx, "Enqueue")
	defer span.End()

	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.conn(ctx).ExecContext(ctx,
		`INSERT INTO events_outbox (event_id, topic, payload, retry_count, created_at) VALUES ($1, $2, $3, $4, $5)`,
		event.EventID, event.Topic, event.Payload, event.RetryCount, event.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue %s: %w", event.Topic, err)
	}
	addDBStatsToSpan(span, "Enqueue", 1, time.Since(start))
	return nil
}

// FetchPending only holds its row locks for as long as the surrounding
// transaction; the relay calls it inside WithinTx.
func (p *PostgresRepository) FetchPending(ctx context.Context, batchSize int) ([]OutboxEvent, error) {
	ctx, span := tracer().Start(ctx, "FetchPending")
	defer span.End()

	start := time.Now()
	rows, err := p.conn(ctx).QueryContext(ctx, fetchPendingSQL, batchSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var event OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Topic, &event.Payload, &event.RetryCount, &event.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "FetchPending", len(events), time.Since(start))
	return events, nil
}

func (p *PostgresRepository) MarkSent(ctx context.Context, eventID uuid.UUID) error {
	return p.updateOne(ctx, "MarkSent",
		`UPDATE events_outbox SET sent_at = $1 WHERE event_id = $2 AND sent_at IS NULL`,
		time.Now().UTC(), eventID)
}

func (p *PostgresRepository) IncrementRetryCount(ctx context.Context, eventID uuid.UUID) error {
	return p.updateOne(ctx, "IncrementRetryCount",
		`UPDATE events_outbox SET retry_count = retry_count + 1 WHERE event_id = $1 AND sent_at IS NULL`,
		eventID)
}

func (p *PostgresRepository) updateOne(ctx context.Context, spanName, query string, args ...any) error {
	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	res, err := p.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", spanName, ErrNotFound)
	}
	addDBStatsToSpan(span, spanName, int(n), time.Since(start))
	return nil
}

// ArchiveSent removes up to limit events sent before sentBefore, handing them to
// sink first. The delete is rolled back when the sink fails.
func (p *PostgresRepository) ArchiveSent(ctx context.Context, sentBefore time.Time, limit int, sink ArchiveSink) (int, error) {
	var archived int
	err := p.withTransaction(ctx, "ArchiveSent", func(ctx context.Context) error {
		rows, err := p.conn(ctx).QueryContext(ctx,
			`DELETE FROM events_outbox WHERE event_id IN (
SELECT event_id FROM events_outbox WHERE sent_at IS NOT NULL AND sent_at < $1
ORDER BY sent_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED)
RETURNING event_id, topic, payload, retry_count, created_at, sent_at`,
			sentBefore, limit)
		if err != nil {
			return fmt.Errorf("archive sent: %w", err)
		}
		defer rows.Close()

		var events []OutboxEvent
		for rows.Next() {
			var (
				event  OutboxEvent
				sentAt sql.NullTime
			)
			if err := rows.Scan(&event.EventID, &event.Topic, &event.Payload, &event.RetryCount, &event.CreatedAt, &sentAt); err != nil {
				return fmt.Errorf("scan archived: %w", err)
			}
			if sentAt.Valid {
				t := sentAt.Time
				event.SentAt = &t
			}
			events = append(events, event)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if err := sink.Archive(ctx, events); err != nil {
			return fmt.Errorf("archive sink: %w", err)
		}
		archived = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return archived, nil
}
