// Package upsert writes provider books into the canonical store without
// creating duplicate rows, and records a book.upserted outbox event in the
// same transaction.
package upsert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zoff-tech/bookfinder/pkg/cover"
	"github.com/zoff-tech/bookfinder/pkg/metrics"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

const (
	TopicBookUpserted = "book.upserted"

	maxSlugAttempts   = 3
	slugSavepointName = "slug_attempt"
)

// CanonicalStore is the transactional book store. Every call made inside
// WithinTx joins that transaction through ctx.
type CanonicalStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockIdentity(ctx context.Context, key int64) error
	FindByExternalID(ctx context.Context, source, externalID string) (store.BookRef, error)
	FindBySlug(ctx context.Context, slug string) (store.BookRef, error)
	InsertBook(ctx context.Context, rec store.BookRecord) error
	UpdateBook(ctx context.Context, rec store.BookRecord) error
	UpdateCover(ctx context.Context, bookID uuid.UUID, cover store.CoverUpdate) error
	LinkExternalID(ctx context.Context, bookID uuid.UUID, source, externalID string) error
	ImageLinks(ctx context.Context, bookID uuid.UUID) ([]store.ImageLink, error)
	ReplaceImageLinks(ctx context.Context, bookID uuid.UUID, links []store.ImageLink) error
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
}

// OutboxWriter enqueues an event; inside WithinTx it joins the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, event store.OutboxEvent) error
}

// SlugAllocator hands out a disambiguated variant of base.
type SlugAllocator interface {
	Next(ctx context.Context, base string, exclude ...string) (string, error)
}

// CoverInspector measures a cover image over the network.
type CoverInspector interface {
	Inspect(ctx context.Context, imageURL string) (cover.Inspection, error)
}

type Result struct {
	BookID uuid.UUID `json:"bookId"`
	Slug   string    `json:"slug"`
	IsNew  bool      `json:"isNew"`
}

// BookUpserted is the outbox payload of TopicBookUpserted. ImageLinks is
// empty when the incoming links lost against the stored cover.
type BookUpserted struct {
	BookID     uuid.UUID         `json:"bookId"`
	Slug       string            `json:"slug"`
	IsNew      bool              `json:"isNew"`
	Source     string            `json:"source"`
	ExternalID string            `json:"externalId"`
	Title      string            `json:"title"`
	Authors    []string          `json:"authors,omitempty"`
	CoverURL   string            `json:"coverUrl,omitempty"`
	ImageLinks []store.ImageLink `json:"imageLinks,omitempty"`
	UpsertedAt time.Time         `json:"upsertedAt"`
}

type Resolver struct {
	store     CanonicalStore
	outbox    OutboxWriter
	slugs     SlugAllocator
	inspector CoverInspector
	chooser   cover.Chooser
	validate  *validator.Validate
	logger    *slog.Logger
	newID     func() uuid.UUID
	now       func() time.Time
}

type ResolverOption func(*Resolver)

func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithInspector fetches covers before the lock to fill dimensions and the grayscale flag.
func WithInspector(i CoverInspector) ResolverOption {
	return func(r *Resolver) { r.inspector = i }
}

func WithIDGenerator(fn func() uuid.UUID) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.newID = fn
		}
	}
}

func NewResolver(books CanonicalStore, outbox OutboxWriter, slugs SlugAllocator, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    books,
		outbox:   outbox,
		slugs:    slugs,
		validate: validator.New(),
		logger:   slog.Default(),
		newID:    uuid.New,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IdentityKey hashes (source, externalID) into the advisory lock key space.
func IdentityKey(source, externalID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source + "|" + externalID))
	return int64(h.Sum64())
}

// Upsert resolves agg to exactly one canonical row. Concurrent calls for the
// same identity serialise on an advisory lock held for one transaction.
func (r *Resolver) Upsert(ctx context.Context, agg Aggregate) (Result, error) {
	if err := r.validate.Struct(agg); err != nil {
		metrics.UpsertsTotal.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("%w: %w: %w", ErrPersistenceFailed, ErrInvalidAggregate, err)
	}
	agg = r.inspectCover(ctx, agg)

	var res Result
	err := r.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.upsertLocked(ctx, agg)
		return err
	})
	if err != nil {
		if IsSystemic(err) {
			metrics.UpsertsTotal.WithLabelValues("not_persisted").Inc()
			r.logger.Warn("upsert not persisted", "source", agg.Source, "external_id", agg.ExternalID, "error", err)
			return Result{}, fmt.Errorf("%w: %w", ErrNotPersisted, err)
		}
		metrics.UpsertsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("upsert failed", "source", agg.Source, "external_id", agg.ExternalID, "error", err)
		return Result{}, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	outcome := "updated"
	if res.IsNew {
		outcome = "created"
	}
	metrics.UpsertsTotal.WithLabelValues(outcome).Inc()
	r.logger.Debug("book upserted", "book_id", res.BookID, "slug", res.Slug, "new", res.IsNew)
	return res, nil
}

func (r *Resolver) upsertLocked(ctx context.Context, agg Aggregate) (Result, error) {
	if err := r.store.LockIdentity(ctx, IdentityKey(agg.Source, agg.ExternalID)); err != nil {
		return Result{}, err
	}

	ref, found, err := r.findExisting(ctx, agg)
	if err != nil {
		return Result{}, err
	}

	rec := agg.record()
	var links []store.ImageLink
	if found {
		rec.ID, rec.Slug = ref.ID, ref.Slug
		existing, err := r.store.ImageLinks(ctx, ref.ID)
		if err != nil {
			return Result{}, err
		}
		if r.chooser.Better(existing, agg.ImageLinks) {
			links = agg.ImageLinks
			// Stored qualifiers are merged, so a cleared flag has to be written as false.
			best, _ := cover.Best(links)
			rec.SetQualifier(store.QualifierCoverSuppressed, cover.IsSuppressedAspect(best.Width, best.Height))
		} else {
			delete(rec.Qualifiers, store.QualifierCoverSuppressed)
		}
		if err := r.store.UpdateBook(ctx, rec); err != nil {
			return Result{}, err
		}
		if len(links) > 0 {
			if err := r.store.UpdateCover(ctx, ref.ID, agg.coverUpdate(links)); err != nil {
				return Result{}, err
			}
		}
	} else {
		rec.ID = agg.ID
		if rec.ID == uuid.Nil {
			rec.ID = r.newID()
		}
		if err := r.insertWithSlugRetry(ctx, &rec, agg.BaseSlug()); err != nil {
			return Result{}, err
		}
		if _, ok := cover.Best(agg.ImageLinks); ok {
			links = agg.ImageLinks
		}
	}

	if len(links) > 0 {
		if err := r.store.ReplaceImageLinks(ctx, rec.ID, links); err != nil {
			return Result{}, err
		}
	}
	if err := r.store.LinkExternalID(ctx, rec.ID, agg.Source, agg.ExternalID); err != nil {
		return Result{}, err
	}

	res := Result{BookID: rec.ID, Slug: rec.Slug, IsNew: !found}
	if err := r.enqueueUpserted(ctx, res, agg, rec, links); err != nil {
		return Result{}, err
	}
	return res, nil
}

// findExisting looks up the identity mapping, then the base slug.
func (r *Resolver) findExisting(ctx context.Context, agg Aggregate) (store.BookRef, bool, error) {
	ref, err := r.store.FindByExternalID(ctx, agg.Source, agg.ExternalID)
	if err == nil {
		return ref, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.BookRef{}, false, err
	}
	ref, err = r.store.FindBySlug(ctx, agg.BaseSlug())
	if err == nil {
		return ref, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.BookRef{}, false, err
	}
	return store.BookRef{}, false, nil
}

// insertWithSlugRetry inserts rec, moving to a disambiguated slug when another
// identity took the slug first. A violation aborts the statement, so each
// attempt runs under a savepoint.
func (r *Resolver) insertWithSlugRetry(ctx context.Context, rec *store.BookRecord, base string) error {
	rec.Slug = base
	var taken []string
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		if err := r.store.Savepoint(ctx, slugSavepointName); err != nil {
			return err
		}
		err := r.store.InsertBook(ctx, *rec)
		if err == nil {
			return r.store.ReleaseSavepoint(ctx, slugSavepointName)
		}
		if !errors.Is(err, store.ErrSlugTaken) {
			return err
		}
		if err := r.store.RollbackToSavepoint(ctx, slugSavepointName); err != nil {
			return err
		}
		taken = append(taken, rec.Slug)
		if attempt == maxSlugAttempts {
			break
		}

		next, err := r.slugs.Next(ctx, base, taken...)
		if err != nil {
			return fmt.Errorf("allocating slug for %q: %w", base, err)
		}
		metrics.SlugRetriesTotal.Inc()
		r.logger.Info("slug taken, retrying", "slug", rec.Slug, "next", next, "attempt", attempt)
		rec.Slug = next
	}
	return fmt.Errorf("%w: %q after %d attempts", ErrSlugExhausted, base, maxSlugAttempts)
}

func (r *Resolver) enqueueUpserted(ctx context.Context, res Result, agg Aggregate, rec store.BookRecord, links []store.ImageLink) error {
	payload, err := json.Marshal(BookUpserted{
		BookID:     res.BookID,
		Slug:       res.Slug,
		IsNew:      res.IsNew,
		Source:     agg.Source,
		ExternalID: agg.ExternalID,
		Title:      rec.Title,
		Authors:    rec.Authors,
		CoverURL:   agg.coverUpdate(links).URL,
		ImageLinks: links,
		UpsertedAt: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", TopicBookUpserted, err)
	}
	return r.outbox.Enqueue(ctx, store.NewEvent(TopicBookUpserted, string(payload)))
}

// inspectCover measures the best incoming cover. Failures leave agg untouched.
func (r *Resolver) inspectCover(ctx context.Context, agg Aggregate) Aggregate {
	if r.inspector == nil {
		return agg
	}
	best, ok := cover.Best(agg.ImageLinks)
	if !ok {
		return agg
	}
	info, err := r.inspector.Inspect(ctx, best.URL)
	if err != nil {
		r.logger.Debug("cover inspection failed", "url", best.URL, "error", err)
		return agg
	}
	links := make([]store.ImageLink, len(agg.ImageLinks))
	copy(links, agg.ImageLinks)
	for i := range links {
		if links[i].URL == best.URL {
			links[i].Width, links[i].Height = info.Width, info.Height
		}
	}
	agg.ImageLinks = links
	agg.CoverGrayscale = info.Grayscale
	return agg
}
