package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
)

// DBTX is the subset of *sql.DB and *sql.Tx the repositories query through.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// TxFromContext returns the transaction opened by WithinTx, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// txRunner is embedded by every Postgres repository so that a book write and
// its outbox row share one transaction through the context.
type txRunner struct {
	db *sql.DB
}

func (r txRunner) conn(ctx context.Context) DBTX {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// WithinTx runs fn in a transaction. When ctx already carries one, fn joins it
// and the outermost caller decides commit or rollback.
func (r txRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.withTransaction(ctx, "WithinTx", fn)
}

func (r txRunner) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context) error) (err error) {
	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	start := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	addDBStatsToSpan(span, spanName, 0, time.Since(start))
	return nil
}
