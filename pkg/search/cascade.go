package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/bookfinder/pkg/catalog"
	"github.com/zoff-tech/bookfinder/pkg/cover"
	"github.com/zoff-tech/bookfinder/pkg/ranking"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

const primarySourceName = "primary"

// realtimeEvent is the push payload for background enrichment.
type realtimeEvent struct {
	Query      string              `json:"query"`
	Candidates []catalog.Candidate `json:"candidates"`
}

type cachedFallback struct {
	Provider   string              `json:"provider"`
	Candidates []catalog.Candidate `json:"candidates"`
}

// searchPrimary runs the full-text query and hydrates the hits.
func (s *Service) searchPrimary(ctx context.Context, req Request, limit int) ([]ranking.ScoredBook, SourceStatus) {
	status := SourceStatus{Name: primarySourceName}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	hits, err := s.store.Search(ctx, req.Query, limit)
	if err != nil {
		s.logger.Warn("primary search failed", "query", req.Query, "error", err)
		status.Error = err.Error()
		return nil, status
	}
	status.OK = true
	if len(hits) == 0 {
		return nil, status
	}

	ids := make([]uuid.UUID, 0, len(hits))
	seen := make(map[uuid.UUID]struct{}, len(hits))
	for _, h := range hits {
		if _, ok := seen[h.ID]; !ok {
			seen[h.ID] = struct{}{}
			ids = append(ids, h.ID)
		}
	}

	var (
		records []store.BookRecord
		years   map[uuid.UUID]int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = s.store.FetchListItems(gctx, ids)
		return err
	})
	if req.OrderBy == ranking.OrderNewest {
		g.Go(func() error {
			y, err := s.store.FetchPublishedYears(gctx, ids)
			if err != nil {
				s.logger.Warn("fetching published years failed", "error", err)
				return nil
			}
			years = y
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("hydrating primary results failed", "query", req.Query, "error", err)
		status.OK = false
		status.Error = err.Error()
		return nil, status
	}

	byID := make(map[uuid.UUID]store.BookRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	tokens := queryAuthorTokens(req.Query)
	out := make([]ranking.ScoredBook, 0, len(hits))
	for _, h := range hits {
		rec, ok := byID[h.ID]
		if !ok {
			continue
		}
		if y := years[h.ID]; y > 0 && rec.PublishedDate.IsZero() {
			rec.PublishedDate = time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
		}
		sb := ranking.NewScoredBook(rec, ranking.TextMatchScore(h.Score), string(h.MatchReason))
		out = append(out, withAuthorBonus(sb, tokens))
	}
	status.Count = len(out)
	return out, status
}

// fallback walks the providers in order and keeps the first non-empty answer.
func (s *Service) fallback(ctx context.Context, req Request, window int) ([]ranking.ScoredBook, []SourceStatus) {
	key := fallbackCacheKey(req.Query, window)
	var cached cachedFallback
	if ok, err := s.cache.Get(ctx, key, &cached); err != nil {
		s.logger.Warn("search cache read failed", "error", err)
	} else if ok && len(cached.Candidates) > 0 {
		status := SourceStatus{Name: cached.Provider, OK: true, Count: len(cached.Candidates)}
		return s.score(ctx, req.Query, cached.Provider, cached.Candidates, false), []SourceStatus{status}
	}

	statuses := make([]SourceStatus, 0, len(s.providers))
	for _, p := range s.providers {
		cands, status := s.queryProvider(ctx, p, req.Query, window)
		statuses = append(statuses, status)
		if len(cands) == 0 {
			continue
		}
		if err := s.cache.Set(ctx, key, cachedFallback{Provider: p.Name(), Candidates: cands}, s.cacheTTL); err != nil {
			s.logger.Warn("search cache write failed", "error", err)
		}
		return s.score(ctx, req.Query, p.Name(), cands, true), statuses
	}
	s.logger.Info("fallback exhausted all providers", "query", req.Query)
	return nil, statuses
}

// supplement asks the first provider for the shortfall of a deficient page.
func (s *Service) supplement(ctx context.Context, req Request, shortfall int) ([]ranking.ScoredBook, []SourceStatus) {
	if len(s.providers) == 0 || shortfall <= 0 {
		return nil, nil
	}
	p := s.providers[0]
	cands, status := s.queryProvider(ctx, p, req.Query, shortfall)
	return s.score(ctx, req.Query, p.Name(), cands, true), []SourceStatus{status}
}

// enrichAsync queries the first provider off the request path and publishes
// candidates not already on the page.
func (s *Service) enrichAsync(ctx context.Context, req Request, page []store.BookRecord) {
	seen := make(map[string]struct{}, len(page)*2)
	for _, b := range page {
		for _, k := range ranking.Keys(b) {
			seen[k] = struct{}{}
		}
	}
	bg := context.WithoutCancel(ctx)
	p := s.providers[0]

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		cands, _ := s.queryProvider(bg, p, req.Query, req.Limit)

		novel := make([]catalog.Candidate, 0, len(cands))
		for _, c := range cands {
			if !anyKeySeen(ranking.Keys(c.ToBook()), seen) {
				novel = append(novel, c)
			}
		}
		if len(novel) == 0 {
			return
		}

		payload, err := json.Marshal(realtimeEvent{Query: req.Query, Candidates: novel})
		if err != nil {
			s.logger.Error("encoding realtime event failed", "error", err)
			return
		}
		pctx, cancel := context.WithTimeout(bg, s.providerTimeout)
		defer cancel()
		headers := map[string]string{"content-type": "application/json", "provider": p.Name()}
		if err := s.publisher.Publish(pctx, s.realtimeTopic, payload, headers); err != nil {
			s.logger.Warn("publishing realtime enrichment failed", "topic", s.realtimeTopic, "error", err)
			return
		}
		s.logger.Debug("published realtime enrichment", "query", req.Query, "candidates", len(novel))
	}()
}

func anyKeySeen(keys []string, seen map[string]struct{}) bool {
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			return true
		}
	}
	return false
}

// queryProvider runs one provider under the per-provider timeout. Errors and
// timeouts come back as an empty result with the failure in the status.
func (s *Service) queryProvider(ctx context.Context, p catalog.Client, query string, limit int) ([]catalog.Candidate, SourceStatus) {
	name := p.Name()
	status := SourceStatus{Name: name}

	startedAt := s.now()
	if blocked, until, lastErr := s.isProviderBlocked(name, startedAt); blocked {
		status.Skipped = true
		status.Error = fmt.Sprintf("provider temporarily unhealthy until %s: %s", until.UTC().Format(time.RFC3339), lastErr)
		return nil, status
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	pctx, span := s.tracer.Start(pctx, "search.provider", trace.WithAttributes(
		attribute.String("search.provider", name),
		attribute.Int("search.limit", limit),
	))
	defer span.End()

	cands, err := catalog.Collect(p.QueryByText(pctx, query, limit), limit)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Caller went away; not the provider's fault.
		status.Error = err.Error()
		return nil, status
	}
	s.recordProviderResult(name, query, err, s.now().Sub(startedAt), s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("provider query failed", "provider", name, "query", query, "error", err)
		status.Error = err.Error()
		return nil, status
	}

	usable := make([]catalog.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Usable() {
			usable = append(usable, c)
		}
	}
	status.OK = true
	status.Count = len(usable)
	span.SetAttributes(attribute.Int("search.candidates", len(usable)))
	return usable, status
}

// score maps provider candidates to scored books, preferring canonical records
// for candidates the store already knows. Candidates without a linked external
// id are handed to the upsert workers when persist is set.
func (s *Service) score(ctx context.Context, query, provider string, cands []catalog.Candidate, persist bool) []ranking.ScoredBook {
	if len(cands) == 0 {
		return nil
	}
	records, linked := s.hydrate(ctx, cands)
	tokens := queryAuthorTokens(query)
	out := make([]ranking.ScoredBook, 0, len(cands))
	for i, c := range cands {
		rank := 1 - float64(i)/float64(len(cands))
		sb := ranking.NewScoredBook(records[i], ranking.TextMatchScore(rank), "provider:"+provider)
		out = append(out, withAuthorBonus(sb, tokens))
		if persist && !linked[i] {
			s.persist(ctx, c)
		}
	}
	return out
}

func (s *Service) persist(ctx context.Context, c catalog.Candidate) {
	if s.persister == nil {
		return
	}
	if !s.persister.Submit(context.WithoutCancel(ctx), c) {
		s.logger.Debug("upsert queue full, candidate not persisted", "source", c.Source, "external_id", c.ExternalID)
	}
}

// hydrate swaps in canonical records for candidates the store already holds,
// either through a linked external id or through the base slug an upsert
// would match. Everything else keeps its provisional record, whose id and slug
// are the ones a first upsert writes. The returned slices are parallel to
// cands; linked marks candidates whose external id is already mapped.
func (s *Service) hydrate(ctx context.Context, cands []catalog.Candidate) ([]store.BookRecord, []bool) {
	records := make([]store.BookRecord, len(cands))
	linked := make([]bool, len(cands))
	for i, c := range cands {
		records[i] = c.ToBook()
	}
	if s.resolver == nil {
		return records, linked
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	byExternal, err := s.resolveExternalIDs(ctx, cands)
	if err != nil {
		s.logger.Warn("external id resolution failed", "error", err)
		return records, linked
	}
	var slugs []string
	for i, c := range cands {
		if _, ok := byExternal[c.Source+":"+c.ExternalID]; !ok {
			slugs = append(slugs, records[i].Slug)
		}
	}
	bySlug, err := s.resolver.ResolveSlugs(ctx, slugs)
	if err != nil {
		s.logger.Warn("slug resolution failed", "error", err)
		bySlug = nil
	}

	target := make([]uuid.UUID, len(cands))
	ids := make([]uuid.UUID, 0, len(cands))
	for i, c := range cands {
		if id, ok := byExternal[c.Source+":"+c.ExternalID]; ok {
			target[i] = id
		} else if id, ok := bySlug[records[i].Slug]; ok {
			target[i] = id
		} else {
			continue
		}
		ids = append(ids, target[i])
	}
	if len(ids) == 0 {
		return records, linked
	}
	canonical, err := s.store.FetchListItems(ctx, ids)
	if err != nil {
		s.logger.Warn("hydrating known candidates failed", "error", err)
		return records, linked
	}
	byID := make(map[uuid.UUID]store.BookRecord, len(canonical))
	for _, r := range canonical {
		byID[r.ID] = r
	}
	for i, c := range cands {
		if rec, ok := byID[target[i]]; ok {
			records[i] = rec
			_, linked[i] = byExternal[c.Source+":"+c.ExternalID]
		}
	}
	return records, linked
}

// resolveExternalIDs looks up the candidates' provider ids, one query per
// source, keyed by "source:externalId".
func (s *Service) resolveExternalIDs(ctx context.Context, cands []catalog.Candidate) (map[string]uuid.UUID, error) {
	bySource := make(map[string][]string)
	for _, c := range cands {
		bySource[c.Source] = append(bySource[c.Source], c.ExternalID)
	}
	var mu sync.Mutex
	resolved := make(map[string]uuid.UUID)
	g, gctx := errgroup.WithContext(ctx)
	for source, ids := range bySource {
		g.Go(func() error {
			m, err := s.resolver.ResolveExternalIDs(gctx, source, ids)
			if err != nil {
				return fmt.Errorf("resolving %s ids: %w", source, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for ext, id := range m {
				resolved[source+":"+ext] = id
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// queryAuthorTokens are the query words long enough to name an author.
func queryAuthorTokens(query string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range ranking.Tokenize(query) {
		if len(tok) >= 3 && !ranking.IsStopWord(tok) {
			out[tok] = struct{}{}
		}
	}
	return out
}

func withAuthorBonus(sb ranking.ScoredBook, tokens map[string]struct{}) ranking.ScoredBook {
	for _, author := range sb.Book.Authors {
		for _, tok := range ranking.Tokenize(author) {
			if _, ok := tokens[tok]; ok {
				return ranking.Merge(sb, ranking.NewScoredBook(sb.Book, ranking.AuthorMatchBonus, ranking.ReasonAuthorMatch))
			}
		}
	}
	return sb
}

// filterCovers drops books without a real cover when the caller asked for covers.
func filterCovers(books []ranking.ScoredBook, f CoverFilter) []ranking.ScoredBook {
	if f != CoverFilterCovers {
		return books
	}
	out := make([]ranking.ScoredBook, 0, len(books))
	for _, b := range books {
		if ranking.ClassifyCover(b.Book) == ranking.CoverSuppressed || cover.IsNullEquivalent(b.Book.CoverURL) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func fallbackCacheKey(query string, window int) string {
	return "fallback:" + strings.ToLower(query) + ":" + strconv.Itoa(window)
}
