package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/zoff-tech/bookfinder/pkg/cache"
)

const defaultUserAgent = "bookfinder/1.0 (+https://github.com/zoff-tech/bookfinder)"

// Options configure a catalog client. Zero values fall back to defaults.
type Options struct {
	BaseURL           string
	APIKey            string
	UserAgent         string
	RequestsPerSecond float64
	PageSize          int
	CacheTTL          time.Duration
	HTTPClient        *http.Client
	Cache             cache.Cache
	Retry             *RetryConfig
	Logger            *slog.Logger
}

// fetcher performs rate-limited, cached, retried JSON GETs for one provider.
type fetcher struct {
	name      string
	client    *http.Client
	limiter   *rate.Limiter
	cache     cache.Cache
	cacheTTL  time.Duration
	retry     RetryConfig
	userAgent string
	logger    *slog.Logger
}

func newFetcher(name string, opts Options) fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	c := opts.Cache
	if c == nil {
		c = cache.Nop{}
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return fetcher{
		name:      name,
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		cache:     c,
		cacheTTL:  opts.CacheTTL,
		retry:     retry,
		userAgent: ua,
		logger:    logger.With("provider", name),
	}
}

// getJSON decodes the response of url into dst, consulting the cache first.
func (f fetcher) getJSON(ctx context.Context, url string, dst any) error {
	key := cacheKey(url)
	if f.cacheTTL > 0 {
		if ok, err := f.cache.Get(ctx, key, dst); err != nil {
			f.logger.Warn("catalog cache read failed", "error", err)
		} else if ok {
			return nil
		}
	}

	err := RetryWithBackoff(ctx, f.retry, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait for %s: %w", f.name, err)
		}
		return f.doGet(ctx, url, dst)
	})
	if err != nil {
		return err
	}

	if f.cacheTTL > 0 {
		if err := f.cache.Set(ctx, key, dst, f.cacheTTL); err != nil {
			f.logger.Warn("catalog cache write failed", "error", err)
		}
	}
	return nil
}

func (f fetcher) doGet(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", f.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: f.name, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", f.name, err)
	}
	return nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
