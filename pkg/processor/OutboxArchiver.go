package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/zoff-tech/bookfinder/pkg/config"
	"github.com/zoff-tech/bookfinder/pkg/metrics"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

const (
	defaultArchiveAfter    = 7 * 24 * time.Hour
	defaultArchiveBatch    = 500
	defaultArchiveInterval = time.Hour
)

// Archiver periodically moves sent events older than a retention window out
// of the hot outbox table into an audit sink.
type Archiver struct {
	repo     store.OutboxArchiver
	sink     store.ArchiveSink
	after    time.Duration
	batch    int
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewArchiver(repo store.OutboxArchiver, sink store.ArchiveSink, cfg config.ArchiveSettings, logger *slog.Logger) *Archiver {
	a := &Archiver{
		repo:     repo,
		sink:     sink,
		after:    cfg.After,
		batch:    cfg.BatchSize,
		interval: cfg.Interval,
		logger:   logger,
		now:      time.Now,
	}
	if a.after <= 0 {
		a.after = defaultArchiveAfter
	}
	if a.batch <= 0 {
		a.batch = defaultArchiveBatch
	}
	if a.interval <= 0 {
		a.interval = defaultArchiveInterval
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// ArchiveOnce drains every eligible event in batches and returns how many moved.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := a.now().UTC().Add(-a.after)
	total := 0
	for {
		n, err := a.repo.ArchiveSent(ctx, cutoff, a.batch, a.sink)
		total += n
		metrics.OutboxArchivedTotal.Add(float64(n))
		if err != nil {
			return total, err
		}
		if n < a.batch || ctx.Err() != nil {
			return total, nil
		}
	}
}

func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.ArchiveOnce(ctx)
			if err != nil {
				a.logger.Error("outbox archive failed", slog.Any("error", err), slog.Int("archived", n))
				continue
			}
			if n > 0 {
				a.logger.Info("outbox events archived", slog.Int("archived", n))
			}
		}
	}
}
