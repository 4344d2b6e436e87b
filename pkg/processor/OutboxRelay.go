package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/bookfinder/pkg/broker"
	"github.com/zoff-tech/bookfinder/pkg/config"
	"github.com/zoff-tech/bookfinder/pkg/metrics"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

const (
	defaultBatchSize    = 10
	defaultPollInterval = 5 * time.Second
)

var (
	// ErrCycleInProgress is returned when a cycle is started while another runs.
	ErrCycleInProgress = errors.New("relay: cycle already in progress")
	// ErrRelayPersistence means a delivered event could not be marked sent.
	// The cycle stops and its transaction is rolled back.
	ErrRelayPersistence = errors.New("relay: persistence failure")
)

// Stats summarises one relay cycle.
type Stats struct {
	Fetched int
	Sent    int
	Failed  int
}

// OutboxRelay delivers pending outbox events to the push channel.
//
// An event counts as sent once the broker accepts it. The websocket broker
// accepts and discards frames when no client is connected or its queue is
// full, so with that backend late subscribers never see earlier events.
type OutboxRelay struct {
	repo         store.OutBoxRepository
	broker       broker.MessageBroker
	tracer       trace.Tracer
	logger       *slog.Logger
	batchSize    int
	pollInterval time.Duration
	running      atomic.Bool
}

type RelayOption func(*OutboxRelay)

func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *OutboxRelay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewOutboxRelay creates a new instance of OutboxRelay.
func NewOutboxRelay(repo store.OutBoxRepository, b broker.MessageBroker, cfg config.RelaySettings, opts ...RelayOption) *OutboxRelay {
	r := &OutboxRelay{
		repo:         repo,
		broker:       b,
		tracer:       otel.Tracer("bookfinder/relay"),
		logger:       slog.Default(),
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a cycle every poll interval until ctx is done. A failed cycle
// is logged and the next tick tries again.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	r.logger.Info("outbox relay started", slog.Duration("interval", r.pollInterval), slog.Int("batch_size", r.batchSize))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			stats, err := r.RunOnce(ctx)
			switch {
			case errors.Is(err, ErrCycleInProgress):
				r.logger.Debug("relay cycle skipped, previous still running")
			case ctx.Err() != nil && errors.Is(err, ctx.Err()):
				// stopping; the next select returns

			case err != nil:
				r.logger.Error("relay cycle aborted", slog.Any("error", err),
					slog.Int("sent", stats.Sent), slog.Int("failed", stats.Failed))
			case stats.Fetched > 0:
				r.logger.Info("relay cycle done",
					slog.Int("fetched", stats.Fetched), slog.Int("sent", stats.Sent), slog.Int("failed", stats.Failed))
			}
		}
	}
}

// RunOnce relays one batch inside a single transaction, so the fetched rows
// stay locked until every outcome is recorded. Concurrent calls return
// ErrCycleInProgress. A cycle that has started is finished even if ctx is
// cancelled midway; a ctx that is already done starts nothing.
func (r *OutboxRelay) RunOnce(ctx context.Context) (Stats, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Stats{}, ErrCycleInProgress
	}
	defer r.running.Store(false)
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	// database/sql rolls a transaction back when its ctx is cancelled, so the
	// cycle detaches before the transaction opens.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	defer func() { metrics.RelayCycleDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := r.tracer.Start(ctx, "RelayCycle", trace.WithAttributes(attribute.Int("relay.batch_size", r.batchSize)))
	defer span.End()

	var stats Stats
	err := r.repo.WithinTx(ctx, func(ctx context.Context) error {
		events, err := r.repo.FetchPending(ctx, r.batchSize)
		if err != nil {
			return fmt.Errorf("fetch pending: %w", err)
		}
		stats.Fetched = len(events)
		maxRetry := 0
		for _, event := range events {
			maxRetry = max(maxRetry, event.RetryCount)
		}
		metrics.RelayMaxRetryCount.Set(float64(maxRetry))

		for _, event := range events {
			delivered, err := r.relay(ctx, event)
			if err != nil {
				return err
			}
			if delivered {
				stats.Sent++
			} else {
				stats.Failed++
			}
		}
		return nil
	})
	span.SetAttributes(
		attribute.Int("relay.fetched", stats.Fetched),
		attribute.Int("relay.sent", stats.Sent),
		attribute.Int("relay.failed", stats.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, err
	}
	return stats, nil
}

// relay delivers one event and records the outcome. It reports whether the
// event was delivered; a returned error aborts the cycle.
func (r *OutboxRelay) relay(ctx context.Context, event store.OutboxEvent) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "RelayOutboxEvent", trace.WithAttributes(
		attribute.String("event.id", event.EventID.String()),
		attribute.String("event.topic", event.Topic),
		attribute.Int("event.retry_count", event.RetryCount),
		attribute.String("event.created_at", event.CreatedAt.String()),
	))
	defer span.End()

	headers := map[string]string{
		"event-id":     event.EventID.String(),
		"retry-count":  strconv.Itoa(event.RetryCount),
		"content-type": "application/json",
	}
	// Inject the trace context into the message headers
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	if err := r.broker.Publish(ctx, event.Topic, []byte(event.Payload), headers); err != nil {
		r.logger.Warn("failed to publish event", slog.String("event_id", event.EventID.String()),
			slog.String("topic", event.Topic), slog.Int("retry_count", event.RetryCount), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RelayEventsTotal.WithLabelValues("failed").Inc()

		if err := r.repo.IncrementRetryCount(ctx, event.EventID); err != nil {
			return false, fmt.Errorf("%w: increment retry count of %s: %w", ErrRelayPersistence, event.EventID, err)
		}
		return false, nil
	}

	if err := r.repo.MarkSent(ctx, event.EventID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("%w: mark %s sent: %w", ErrRelayPersistence, event.EventID, err)
	}
	metrics.RelayEventsTotal.WithLabelValues("sent").Inc()
	return true, nil
}
