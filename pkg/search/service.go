// Package search composes the primary store and the external catalogs into
// one deduplicated, deterministically ordered page of books.
package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/bookfinder/pkg/cache"
	"github.com/zoff-tech/bookfinder/pkg/catalog"
	"github.com/zoff-tech/bookfinder/pkg/metrics"
	"github.com/zoff-tech/bookfinder/pkg/ranking"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

const (
	MaxLimit = 40

	defaultOverFetchFactor = 3
	defaultProviderTimeout = 3 * time.Second
	defaultStoreTimeout    = 2 * time.Second
	defaultCacheTTL        = 10 * time.Minute

	// categoryProfileSize is how many leading keyword matches define the
	// categories a query is about.
	categoryProfileSize = 3

	RealtimeTopic = "search.realtime"
)

var (
	ErrInvalidQuery  = errors.New("query is required")
	ErrInvalidWindow = errors.New("limit must be within 1..40 and startIndex must be >= 0")
	ErrInvalidOrder  = errors.New("unknown orderBy")
	ErrInvalidFilter = errors.New("unknown coverFilter")
)

// PrimaryStore is the local relational catalog.
type PrimaryStore interface {
	Search(ctx context.Context, query string, limit int) ([]store.SearchResult, error)
	FetchListItems(ctx context.Context, ids []uuid.UUID) ([]store.BookRecord, error)
	FetchPublishedYears(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error)
}

// ExternalIDResolver maps provider ids and slugs to canonical ids already in the store.
type ExternalIDResolver interface {
	ResolveExternalIDs(ctx context.Context, source string, externalIDs []string) (map[string]uuid.UUID, error)
	ResolveSlugs(ctx context.Context, slugs []string) (map[string]uuid.UUID, error)
}

// Persister hands a candidate to the upsert workers. It must not block.
type Persister interface {
	Submit(ctx context.Context, c catalog.Candidate) bool
}

// Publisher is the push channel used for realtime enrichment.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error
}

type CoverFilter string

const (
	CoverFilterAny    CoverFilter = "any"
	CoverFilterCovers CoverFilter = "covers"
)

type Request struct {
	Query       string        `json:"query"`
	StartIndex  int           `json:"startIndex"`
	Limit       int           `json:"limit"`
	OrderBy     ranking.Order `json:"orderBy,omitempty"`
	CoverFilter CoverFilter   `json:"coverFilter,omitempty"`
}

// normalize validates r and fills defaults.
func (r Request) normalize() (Request, error) {
	r.Query = strings.Join(strings.Fields(r.Query), " ")
	if r.Query == "" {
		return r, ErrInvalidQuery
	}
	if r.Limit < 1 || r.Limit > MaxLimit || r.StartIndex < 0 {
		return r, ErrInvalidWindow
	}
	if !r.OrderBy.Valid() {
		return r, ErrInvalidOrder
	}
	if r.OrderBy == "" {
		r.OrderBy = ranking.OrderRelevance
	}
	switch r.CoverFilter {
	case "":
		r.CoverFilter = CoverFilterAny
	case CoverFilterAny, CoverFilterCovers:
	default:
		return r, ErrInvalidFilter
	}
	return r, nil
}

// SourceStatus reports what one source contributed to a page.
type SourceStatus struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Count   int    `json:"count"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Page struct {
	Items           []store.BookRecord `json:"items"`
	TotalUnique     int                `json:"totalUnique"`
	HasMore         bool               `json:"hasMore"`
	NextStartIndex  int                `json:"nextStartIndex"`
	PrefetchedCount int                `json:"prefetchedCount"`
	FallbackUsed    bool               `json:"fallbackUsed"`
	Sources         []SourceStatus     `json:"sources,omitempty"`
}

// Service runs the search cascade.
type Service struct {
	store     PrimaryStore
	resolver  ExternalIDResolver
	providers []catalog.Client
	persister Persister
	publisher Publisher
	cache     cache.Cache
	cacheTTL  time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	overFetch       int
	providerTimeout time.Duration
	storeTimeout    time.Duration
	realtime        bool
	realtimeTopic   string

	healthMu sync.Mutex
	health   map[string]*providerHealth

	background sync.WaitGroup
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithResolver(r ExternalIDResolver) Option {
	return func(s *Service) { s.resolver = r }
}

func WithPersister(p Persister) Option {
	return func(s *Service) { s.persister = p }
}

// WithRealtime enables background enrichment published on topic.
func WithRealtime(p Publisher, topic string) Option {
	return func(s *Service) {
		s.publisher = p
		s.realtime = p != nil
		if topic != "" {
			s.realtimeTopic = topic
		}
	}
}

// WithCache caches fallback candidates so repeated zero-hit queries do not
// reach the providers again before persistence lands.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithProviderTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.providerTimeout = d
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

func WithOverFetchFactor(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.overFetch = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds the cascade over primary and the ordered providers; the
// first provider serves fallback, supplement and realtime, the rest are
// fallback-only.
func NewService(primary PrimaryStore, providers []catalog.Client, opts ...Option) *Service {
	s := &Service{
		store:           primary,
		providers:       providers,
		cache:           cache.Nop{},
		cacheTTL:        defaultCacheTTL,
		logger:          slog.Default(),
		tracer:          otel.Tracer("bookfinder/search"),
		now:             time.Now,
		overFetch:       defaultOverFetchFactor,
		providerTimeout: defaultProviderTimeout,
		storeTimeout:    defaultStoreTimeout,
		realtimeTopic:   RealtimeTopic,
		health:          make(map[string]*providerHealth),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until background enrichment started by Search has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// Search returns one page for req. Source failures degrade the page; only
// malformed requests return an error.
func (s *Service) Search(ctx context.Context, req Request) (Page, error) {
	req, err := req.normalize()
	if err != nil {
		return Page{}, err
	}
	startedAt := s.now()
	ctx, span := s.tracer.Start(ctx, "search.Search", trace.WithAttributes(
		attribute.String("search.query", req.Query),
		attribute.Int("search.start_index", req.StartIndex),
		attribute.Int("search.limit", req.Limit),
		attribute.String("search.order_by", string(req.OrderBy)),
	))
	defer span.End()

	window := req.StartIndex + req.Limit
	results := newDeduper()
	var sources []SourceStatus

	local, status := s.searchPrimary(ctx, req, window*s.overFetch)
	sources = append(sources, status)
	for _, b := range local {
		results.add(b)
	}

	path := "primary"
	fallbackUsed := false
	switch available := len(filterCovers(results.list(), req.CoverFilter)); {
	case results.len() == 0:
		path = "fallback"
		fallbackUsed = true
		books, statuses := s.fallback(ctx, req, window)
		sources = append(sources, statuses...)
		for _, b := range books {
			results.add(b)
		}
	case available < window:
		path = "supplement"
		books, st := s.supplement(ctx, req, window-available)
		sources = append(sources, st...)
		for _, b := range books {
			results.add(b)
		}
	}

	ranked := filterCovers(results.list(), req.CoverFilter)
	ranking.ApplyCategoryRelevance(ranked, ranking.CategoryProfile(req.Query, ranked, categoryProfileSize))
	ranking.ApplyAuthorDemotion(req.Query, ranked)
	ranking.Sort(ranked, req.OrderBy)
	page := paginate(ranked, req.StartIndex, req.Limit)
	page.FallbackUsed = fallbackUsed
	page.Sources = sources

	if !fallbackUsed && path == "primary" && s.realtime && len(s.providers) > 0 {
		s.enrichAsync(ctx, req, page.Items)
	}
	if page.TotalUnique == 0 {
		path = "empty"
	}

	metrics.SearchRequestsTotal.WithLabelValues(path).Inc()
	metrics.SearchDuration.Observe(s.now().Sub(startedAt).Seconds())
	span.SetAttributes(
		attribute.String("search.path", path),
		attribute.Int("search.total_unique", page.TotalUnique),
	)
	s.logger.Debug("search completed",
		"query", req.Query,
		"path", path,
		"total", page.TotalUnique,
		"returned", len(page.Items),
	)
	return page, nil
}

// paginate slices the ranked list. nextStartIndex stays at startIndex when
// nothing follows.
func paginate(ranked []ranking.ScoredBook, startIndex, limit int) Page {
	total := len(ranked)
	from := min(startIndex, total)
	to := min(startIndex+limit, total)

	items := make([]store.BookRecord, 0, to-from)
	for _, b := range ranked[from:to] {
		items = append(items, b.Book)
	}
	page := Page{
		Items:           items,
		TotalUnique:     total,
		HasMore:         total > startIndex+limit,
		PrefetchedCount: max(0, total-startIndex-limit),
		NextStartIndex:  startIndex,
	}
	if page.HasMore {
		page.NextStartIndex = startIndex + limit
	}
	return page
}
