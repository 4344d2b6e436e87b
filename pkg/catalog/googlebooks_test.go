package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCache is an in-process cache.Cache that round-trips through JSON like Redis does.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *memCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

// googleServer serves total volumes, honoring startIndex/maxResults.
func googleServer(t *testing.T, total int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/volumes", r.URL.Path)
		assert.Equal(t, "books", r.URL.Query().Get("printType"))
		start, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))
		size, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))

		items := []map[string]any{}
		for i := start; i < min(start+size, total); i++ {
			items = append(items, map[string]any{
				"id": fmt.Sprintf("vol-%d", i),
				"volumeInfo": map[string]any{
					"title":   fmt.Sprintf("Book %d", i),
					"authors": []string{"Author"},
					"industryIdentifiers": []map[string]string{
						{"type": "ISBN_10", "identifier": "0441172717"},
						{"type": "OTHER", "identifier": "x"},
					},
					"imageLinks": map[string]string{
						"thumbnail": "http://books.google.com/books/content?id=1&zoom=1&edge=curl",
					},
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"totalItems": total, "items": items})
	}))
}

func TestGoogleBooks_PagesUntilLimit(t *testing.T) {
	var hits atomic.Int32
	srv := googleServer(t, 100, &hits)
	defer srv.Close()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, PageSize: 10, Retry: fastRetry()})
	got, err := Collect(c.QueryByText(context.Background(), "dune", 25), 25)
	require.NoError(t, err)
	require.Len(t, got, 25)
	assert.Equal(t, "vol-0", got[0].ExternalID)
	assert.Equal(t, "vol-24", got[24].ExternalID)
	assert.EqualValues(t, 3, hits.Load())
}

func TestGoogleBooks_StopsAtTotalItems(t *testing.T) {
	var hits atomic.Int32
	srv := googleServer(t, 7, &hits)
	defer srv.Close()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, PageSize: 5, Retry: fastRetry()})
	got, err := Collect(c.QueryByText(context.Background(), "dune", 40), 40)
	require.NoError(t, err)
	assert.Len(t, got, 7)
	assert.EqualValues(t, 2, hits.Load())
}

func TestGoogleBooks_ConsumerBreakStopsFetching(t *testing.T) {
	var hits atomic.Int32
	srv := googleServer(t, 100, &hits)
	defer srv.Close()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, PageSize: 5, Retry: fastRetry()})
	n := 0
	for _, err := range c.QueryByText(context.Background(), "dune", 40) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 1, hits.Load())
}

func TestGoogleBooks_MapsVolume(t *testing.T) {
	var hits atomic.Int32
	srv := googleServer(t, 1, &hits)
	defer srv.Close()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, Retry: fastRetry()})
	got, err := Collect(c.QueryByText(context.Background(), "dune", 1), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	cand := got[0]
	assert.Equal(t, SourceGoogleBooks, cand.Source)
	assert.Equal(t, "0441172717", cand.Identifiers[ISBN10])
	assert.NotContains(t, cand.Identifiers, "OTHER")
	assert.Equal(t, "9780441172719", cand.ISBN13())
	assert.Equal(t, "https://books.google.com/books/content?id=1&zoom=1", cand.ImageLinks["thumbnail"])
}

func TestGoogleBooks_RateLimitedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, Retry: fastRetry()})
	got, err := Collect(c.QueryByText(context.Background(), "dune", 10), 10)
	assert.Empty(t, got)
	assert.ErrorIs(t, err, ErrRateLimited)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	assert.EqualValues(t, 1, hits.Load())
}

func TestGoogleBooks_ServerErrorIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"totalItems":1,"items":[{"id":"a","volumeInfo":{"title":"Dune","authors":["Frank Herbert"]}}]}`))
	}))
	defer srv.Close()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, Retry: fastRetry()})
	got, err := Collect(c.QueryByText(context.Background(), "dune", 10), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Dune", got[0].Title)
	assert.EqualValues(t, 2, hits.Load())
}

func TestGoogleBooks_ServerErrorExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, Retry: fastRetry()})
	_, err := Collect(c.QueryByText(context.Background(), "dune", 10), 10)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 3, hits.Load())
}

func TestGoogleBooks_CanceledContext(t *testing.T) {
	var hits atomic.Int32
	srv := googleServer(t, 10, &hits)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, Retry: fastRetry()})
	_, err := Collect(c.QueryByText(ctx, "dune", 10), 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, hits.Load())
}

func TestGoogleBooks_EmptyQueryYieldsNothing(t *testing.T) {
	c := NewGoogleBooksClient(Options{BaseURL: "http://127.0.0.1:1"})
	got, err := Collect(c.QueryByText(context.Background(), "   ", 10), 10)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestGoogleBooks_UsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := googleServer(t, 3, &hits)
	defer srv.Close()

	c := NewGoogleBooksClient(Options{BaseURL: srv.URL, Cache: newMemCache(), CacheTTL: time.Minute, Retry: fastRetry()})
	for range 2 {
		got, err := Collect(c.QueryByText(context.Background(), "dune", 3), 3)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	}
	assert.EqualValues(t, 1, hits.Load())
}

func TestGoogleBooks_PageURL(t *testing.T) {
	c := NewGoogleBooksClient(Options{BaseURL: "https://example.test/books/v1/", APIKey: "k", PageSize: 99})
	assert.Equal(t, googleBooksMaxPage, c.pageSize)
	assert.Equal(t,
		"https://example.test/books/v1/volumes?key=k&maxResults=40&printType=books&q=dune+messiah&startIndex=40",
		c.pageURL("dune messiah", 40, 40))
}
