package processor

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/bookfinder/pkg/config"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

type published struct {
	topic   string
	payload string
	headers map[string]string
}

type fakeBroker struct {
	mu    sync.Mutex
	calls []published
	fail  func(call int, payload string) error
	block chan struct{}
}

func (f *fakeBroker) Publish(_ context.Context, topic string, payload []byte, headers map[string]string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, published{topic: topic, payload: string(payload), headers: headers})
	if f.fail != nil {
		return f.fail(len(f.calls), string(payload))
	}
	return nil
}

func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.payload)
	}
	return out
}

// memOutbox orders pending events the way the SQL query does.
type memOutbox struct {
	events []store.OutboxEvent
}

func (m *memOutbox) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *memOutbox) Enqueue(_ context.Context, e store.OutboxEvent) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memOutbox) FetchPending(_ context.Context, batchSize int) ([]store.OutboxEvent, error) {
	var pending []store.OutboxEvent
	for _, e := range m.events {
		if e.SentAt == nil {
			pending = append(pending, e)
		}
	}
	slices.SortStableFunc(pending, func(a, b store.OutboxEvent) int {
		if a.RetryCount != b.RetryCount {
			return a.RetryCount - b.RetryCount
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	return pending, nil
}

func (m *memOutbox) find(id uuid.UUID) *store.OutboxEvent {
	for i := range m.events {
		if m.events[i].EventID == id {
			return &m.events[i]
		}
	}
	return nil
}

func (m *memOutbox) MarkSent(_ context.Context, id uuid.UUID) error {
	e := m.find(id)
	if e == nil {
		return store.ErrNotFound
	}
	now := time.Now()
	e.SentAt = &now
	return nil
}

func (m *memOutbox) IncrementRetryCount(_ context.Context, id uuid.UUID) error {
	e := m.find(id)
	if e == nil {
		return store.ErrNotFound
	}
	e.RetryCount++
	return nil
}

func relayConfig() config.RelaySettings {
	return config.RelaySettings{Enabled: true, PollInterval: 10 * time.Millisecond, BatchSize: 10}
}

func event(payload string, created time.Time) store.OutboxEvent {
	return store.OutboxEvent{EventID: uuid.New(), Topic: "book.upserted", Payload: payload, CreatedAt: created}
}

var pendingColumns = []string{"event_id", "topic", "payload", "retry_count", "created_at"}

const (
	fetchPendingPattern = `SELECT event_id, topic, payload, retry_count, created_at FROM events_outbox WHERE sent_at IS NULL ORDER BY retry_count ASC, created_at ASC LIMIT \$1 FOR UPDATE SKIP LOCKED`
	markSentPattern     = `UPDATE events_outbox SET sent_at = \$1 WHERE event_id = \$2 AND sent_at IS NULL`
	incrementPattern    = `UPDATE events_outbox SET retry_count = retry_count \+ 1 WHERE event_id = \$1 AND sent_at IS NULL`
)

func newSQLRelay(t *testing.T, b *fakeBroker) (*OutboxRelay, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOutboxRelay(store.NewPostgresRepository(db), b, relayConfig()), mock
}

func TestRunOnce_DeliversAndMarksSent(t *testing.T) {
	b := &fakeBroker{}
	relay, mock := newSQLRelay(t, b)
	first, second := uuid.New(), uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(fetchPendingPattern).WithArgs(10).WillReturnRows(
		sqlmock.NewRows(pendingColumns).
			AddRow(first.String(), "book.upserted", `{"n":1}`, 0, created).
			AddRow(second.String(), "book.upserted", `{"n":2}`, 0, created.Add(time.Second)))
	mock.ExpectExec(markSentPattern).WithArgs(sqlmock.AnyArg(), first).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(markSentPattern).WithArgs(sqlmock.AnyArg(), second).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 2, Sent: 2}, stats)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, b.payloads())
	assert.Equal(t, first.String(), b.calls[0].headers["event-id"])
	assert.Equal(t, "0", b.calls[0].headers["retry-count"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_DeliveryFailureIncrementsRetry(t *testing.T) {
	b := &fakeBroker{fail: func(call int, _ string) error {
		if call == 1 {
			return errors.New("channel down")
		}
		return nil
	}}
	relay, mock := newSQLRelay(t, b)
	first, second := uuid.New(), uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(fetchPendingPattern).WithArgs(10).WillReturnRows(
		sqlmock.NewRows(pendingColumns).
			AddRow(first.String(), "book.upserted", `{"n":1}`, 0, created).
			AddRow(second.String(), "book.upserted", `{"n":2}`, 0, created))
	mock.ExpectExec(incrementPattern).WithArgs(first).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(markSentPattern).WithArgs(sqlmock.AnyArg(), second).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 2, Sent: 1, Failed: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_MarkSentFailureAbortsCycle(t *testing.T) {
	b := &fakeBroker{}
	relay, mock := newSQLRelay(t, b)
	first, second := uuid.New(), uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(fetchPendingPattern).WithArgs(10).WillReturnRows(
		sqlmock.NewRows(pendingColumns).
			AddRow(first.String(), "book.upserted", `{"n":1}`, 0, created).
			AddRow(second.String(), "book.upserted", `{"n":2}`, 0, created))
	mock.ExpectExec(markSentPattern).WithArgs(sqlmock.AnyArg(), first).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	stats, err := relay.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRelayPersistence)
	assert.Equal(t, 0, stats.Sent)
	assert.Equal(t, []string{`{"n":1}`}, b.payloads(), "the cycle stops at the failed event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_FetchErrorIsReturned(t *testing.T) {
	relay, mock := newSQLRelay(t, &fakeBroker{})

	mock.ExpectBegin()
	mock.ExpectQuery(fetchPendingPattern).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := relay.RunOnce(context.Background())
	assert.ErrorContains(t, err, "boom")
	assert.NotErrorIs(t, err, ErrRelayPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_RetriedEventWaitsBehindFresherOnes(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := event(`"older"`, base)
	repo := &memOutbox{events: []store.OutboxEvent{older}}
	b := &fakeBroker{fail: func(call int, _ string) error {
		if call == 1 {
			return errors.New("push channel unavailable")
		}
		return nil
	}}
	relay := NewOutboxRelay(repo, b, relayConfig())

	stats, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 1, Failed: 1}, stats)
	assert.Equal(t, 1, repo.find(older.EventID).RetryCount)

	newer := event(`"newer"`, base.Add(time.Minute))
	require.NoError(t, repo.Enqueue(context.Background(), newer))

	stats, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 2, Sent: 2}, stats)
	assert.Equal(t, []string{`"older"`, `"newer"`, `"older"`}, b.payloads())
	assert.Equal(t, "1", b.calls[2].headers["retry-count"])
	assert.NotNil(t, repo.find(older.EventID).SentAt)
}

func TestRunOnce_IsNotReentrant(t *testing.T) {
	repo := &memOutbox{events: []store.OutboxEvent{event(`{}`, time.Now())}}
	b := &fakeBroker{block: make(chan struct{})}
	relay := NewOutboxRelay(repo, b, relayConfig())

	done := make(chan error, 1)
	go func() {
		_, err := relay.RunOnce(context.Background())
		done <- err
	}()
	require.Eventually(t, relay.running.Load, time.Second, time.Millisecond)

	_, err := relay.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(b.block)
	assert.NoError(t, <-done)
}

func TestRunOnce_FinishesBatchAfterCancel(t *testing.T) {
	repo := &memOutbox{events: []store.OutboxEvent{event(`1`, time.Now()), event(`2`, time.Now().Add(time.Second))}}
	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBroker{fail: func(int, string) error {
		cancel()
		return nil
	}}

	stats, err := NewOutboxRelay(repo, b, relayConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)
}

func TestRunOnce_CancelMidBatchStillCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &fakeBroker{fail: func(call int, _ string) error {
		if call == 1 {
			cancel()
		}
		return nil
	}}
	relay, mock := newSQLRelay(t, b)
	first, second := uuid.New(), uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(fetchPendingPattern).WithArgs(10).WillReturnRows(
		sqlmock.NewRows(pendingColumns).
			AddRow(first.String(), "book.upserted", `{"n":1}`, 0, created).
			AddRow(second.String(), "book.upserted", `{"n":2}`, 0, created.Add(time.Second)))
	mock.ExpectExec(markSentPattern).WithArgs(sqlmock.AnyArg(), first).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(markSentPattern).WithArgs(sqlmock.AnyArg(), second).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 2, Sent: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_CancelledBeforeStartDoesNothing(t *testing.T) {
	relay, mock := newSQLRelay(t, &fakeBroker{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := relay.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	repo := &memOutbox{events: []store.OutboxEvent{event(`{}`, time.Now())}}
	b := &fakeBroker{}
	relay := NewOutboxRelay(repo, b, relayConfig())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return len(b.payloads()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Len(t, b.payloads(), 1, "a sent event is never relayed twice")
}

func TestNewOutboxRelay_Defaults(t *testing.T) {
	relay := NewOutboxRelay(&memOutbox{}, &fakeBroker{}, config.RelaySettings{})
	assert.Equal(t, defaultBatchSize, relay.batchSize)
	assert.Equal(t, defaultPollInterval, relay.pollInterval)
}
