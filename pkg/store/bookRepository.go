package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// BookRepository reads and writes the books, book_external_ids and
// book_image_links tables.
type BookRepository struct {
	txRunner
}

func NewBookRepository(db *sql.DB) *BookRepository {
	return &BookRepository{txRunner{db: db}}
}

const bookColumns = `id, slug, title, subtitle, authors, categories, description, isbn10, isbn13,
language, page_count, published_date, average_rating, ratings_count,
cover_url, cover_width, cover_height, cover_high_res, cover_grayscale, qualifiers`

const searchSQL = `WITH q AS (
	SELECT websearch_to_tsquery('simple', $1) AS strict, to_tsquery('simple', $2) AS loose
)
SELECT b.id,
	CASE
		WHEN lower(b.title) = lower($1) THEN 1.0
		WHEN b.isbn13 = $3 OR b.isbn10 = $3 THEN 1.0
		WHEN b.search_vector @@ q.strict THEN ts_rank_cd(b.search_vector, q.strict, 32)
		ELSE ts_rank_cd(b.search_vector, q.loose, 32) * 0.5
	END AS score,
	CASE
		WHEN lower(b.title) = lower($1) THEN 'EXACT_TITLE'
		WHEN b.isbn13 = $3 OR b.isbn10 = $3 THEN 'ISBN'
		WHEN to_tsvector('simple', array_to_string(b.authors, ' ')) @@ q.strict THEN 'AUTHOR'
		WHEN b.search_vector @@ q.strict THEN 'FULLTEXT'
		ELSE 'TSVECTOR'
	END AS match_reason
FROM books b, q
WHERE lower(b.title) = lower($1)
	OR b.isbn13 = $3 OR b.isbn10 = $3
	OR b.search_vector @@ q.strict
	OR b.search_vector @@ q.loose
ORDER BY score DESC, b.id
LIMIT $4`

// Search returns up to limit ranked hits for query.
func (r *BookRepository) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	ctx, span := tracer().Start(ctx, "BookRepository.Search")
	defer span.End()

	start := time.Now()
	rows, err := r.conn(ctx).QueryContext(ctx, searchSQL, query, prefixQuery(query), isbnQuery(query), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search books: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			res    SearchResult
			reason string
		)
		if err := rows.Scan(&res.ID, &res.Score, &reason); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		res.MatchReason = MatchReason(reason)
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	addDBStatsToSpan(span, "Search", len(results), time.Since(start))
	return results, nil
}

// FetchListItems hydrates ids, preserving the input order. Unknown ids are skipped.
func (r *BookRepository) FetchListItems(ctx context.Context, ids []uuid.UUID) ([]BookRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := tracer().Start(ctx, "BookRepository.FetchListItems")
	defer span.End()

	start := time.Now()
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE id = ANY($1::uuid[])`, pq.Array(uuidStrings(ids)))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch list items: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]BookRecord, len(ids))
	for rows.Next() {
		rec, err := scanBook(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	items := make([]BookRecord, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			items = append(items, rec)
			delete(byID, id)
		}
	}
	addDBStatsToSpan(span, "FetchListItems", len(items), time.Since(start))
	return items, nil
}

// FetchPublishedYears returns the publish year of every id that has one.
func (r *BookRepository) FetchPublishedYears(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	years := make(map[uuid.UUID]int, len(ids))
	if len(ids) == 0 {
		return years, nil
	}
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT id, EXTRACT(YEAR FROM published_date)::int FROM books
WHERE id = ANY($1::uuid[]) AND published_date IS NOT NULL`, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("fetch published years: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   uuid.UUID
			year int
		)
		if err := rows.Scan(&id, &year); err != nil {
			return nil, err
		}
		years[id] = year
	}
	return years, rows.Err()
}

// ResolveExternalIDs maps provider ids of one source to canonical ids.
func (r *BookRepository) ResolveExternalIDs(ctx context.Context, source string, externalIDs []string) (map[string]uuid.UUID, error) {
	resolved := make(map[string]uuid.UUID, len(externalIDs))
	if len(externalIDs) == 0 {
		return resolved, nil
	}
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT external_id, book_id FROM book_external_ids WHERE source = $1 AND external_id = ANY($2)`,
		source, pq.Array(externalIDs))
	if err != nil {
		return nil, fmt.Errorf("resolve external ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			externalID string
			bookID     uuid.UUID
		)
		if err := rows.Scan(&externalID, &bookID); err != nil {
			return nil, err
		}
		resolved[externalID] = bookID
	}
	return resolved, rows.Err()
}

// ResolveSlugs maps slugs to the ids of the rows holding them.
func (r *BookRepository) ResolveSlugs(ctx context.Context, slugs []string) (map[string]uuid.UUID, error) {
	resolved := make(map[string]uuid.UUID, len(slugs))
	if len(slugs) == 0 {
		return resolved, nil
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT slug, id FROM books WHERE slug = ANY($1)`, pq.Array(slugs))
	if err != nil {
		return nil, fmt.Errorf("resolve slugs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			slug string
			id   uuid.UUID
		)
		if err := rows.Scan(&slug, &id); err != nil {
			return nil, err
		}
		resolved[slug] = id
	}
	return resolved, rows.Err()
}

// LockIdentity takes a transaction-scoped advisory lock; it is released on commit or rollback.
func (r *BookRepository) LockIdentity(ctx context.Context, key int64) error {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return ErrNoTransaction
	}
	ctx, span := tracer().Start(ctx, "BookRepository.LockIdentity")
	defer span.End()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		span.RecordError(err)
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func (r *BookRepository) FindByExternalID(ctx context.Context, source, externalID string) (BookRef, error) {
	return r.findRef(ctx,
		`SELECT b.id, b.slug FROM book_external_ids e JOIN books b ON b.id = e.book_id
WHERE e.source = $1 AND e.external_id = $2`, source, externalID)
}

func (r *BookRepository) FindBySlug(ctx context.Context, slug string) (BookRef, error) {
	return r.findRef(ctx, `SELECT id, slug FROM books WHERE slug = $1`, slug)
}

func (r *BookRepository) findRef(ctx context.Context, query string, args ...any) (BookRef, error) {
	var ref BookRef
	err := r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&ref.ID, &ref.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return BookRef{}, ErrNotFound
	}
	if err != nil {
		return BookRef{}, err
	}
	return ref, nil
}

// InsertBook writes a new canonical row. A clash on the unique slug is reported as ErrSlugTaken.
func (r *BookRepository) InsertBook(ctx context.Context, rec BookRecord) error {
	ctx, span := tracer().Start(ctx, "BookRepository.InsertBook")
	defer span.End()

	qualifiers, err := marshalQualifiers(rec.Qualifiers)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).ExecContext(ctx, `INSERT INTO books (`+bookColumns+`, search_vector, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
	setweight(to_tsvector('simple', $3), 'A') ||
	setweight(to_tsvector('simple', coalesce($4, '')), 'B') ||
	setweight(to_tsvector('simple', $21), 'B') ||
	setweight(to_tsvector('simple', coalesce($7, '')), 'C'),
	now())`,
		rec.ID, rec.Slug, rec.Title, nullString(rec.Subtitle), pq.Array(nonNil(rec.Authors)), pq.Array(nonNil(rec.Categories)),
		nullString(rec.Description), nullString(rec.ISBN10), nullString(rec.ISBN13), nullString(rec.Language),
		nullInt(rec.PageCount), nullTime(rec.PublishedDate), nullFloat(rec.AverageRating), nullInt(rec.RatingsCount),
		nullString(rec.CoverURL), nullInt(rec.CoverWidth), nullInt(rec.CoverHeight), rec.CoverHighRes, rec.CoverGrayscale,
		qualifiers, strings.Join(rec.Authors, " "))
	if err != nil {
		if IsUniqueViolation(err, slugConstraint) {
			return fmt.Errorf("insert %q: %w", rec.Slug, ErrSlugTaken)
		}
		span.RecordError(err)
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

// UpdateBook refreshes metadata of an existing row; empty incoming fields keep the stored value.
// The slug and the cover columns are left alone.
func (r *BookRepository) UpdateBook(ctx context.Context, rec BookRecord) error {
	ctx, span := tracer().Start(ctx, "BookRepository.UpdateBook")
	defer span.End()

	qualifiers, err := marshalQualifiers(rec.Qualifiers)
	if err != nil {
		return err
	}
	res, err := r.conn(ctx).ExecContext(ctx, `UPDATE books SET
	title = coalesce(nullif($2, ''), title),
	subtitle = coalesce($3, subtitle),
	authors = CASE WHEN cardinality($4::text[]) > 0 THEN $4::text[] ELSE authors END,
	categories = CASE WHEN cardinality($5::text[]) > 0 THEN $5::text[] ELSE categories END,
	description = coalesce($6, description),
	isbn10 = coalesce($7, isbn10),
	isbn13 = coalesce($8, isbn13),
	language = coalesce($9, language),
	page_count = coalesce($10, page_count),
	published_date = coalesce($11, published_date),
	average_rating = coalesce($12, average_rating),
	ratings_count = coalesce($13, ratings_count),
	qualifiers = qualifiers || $14::jsonb,
	search_vector = setweight(to_tsvector('simple', coalesce(nullif($2, ''), title)), 'A') ||
		setweight(to_tsvector('simple', coalesce($3, subtitle, '')), 'B') ||
		setweight(to_tsvector('simple', array_to_string(CASE WHEN cardinality($4::text[]) > 0 THEN $4::text[] ELSE authors END, ' ')), 'B') ||
		setweight(to_tsvector('simple', coalesce($6, description, '')), 'C'),
	updated_at = now()
WHERE id = $1`,
		rec.ID, rec.Title, nullString(rec.Subtitle), pq.Array(nonNil(rec.Authors)), pq.Array(nonNil(rec.Categories)),
		nullString(rec.Description), nullString(rec.ISBN10), nullString(rec.ISBN13), nullString(rec.Language),
		nullInt(rec.PageCount), nullTime(rec.PublishedDate), nullFloat(rec.AverageRating), nullInt(rec.RatingsCount),
		qualifiers)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update book: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update book %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func (r *BookRepository) UpdateCover(ctx context.Context, bookID uuid.UUID, cover CoverUpdate) error {
	_, err := r.conn(ctx).ExecContext(ctx, `UPDATE books SET cover_url = $2, cover_width = $3, cover_height = $4,
cover_high_res = $5, cover_grayscale = $6, updated_at = now() WHERE id = $1`,
		bookID, nullString(cover.URL), nullInt(cover.Width), nullInt(cover.Height), cover.HighRes, cover.Grayscale)
	if err != nil {
		return fmt.Errorf("update cover: %w", err)
	}
	return nil
}

// LinkExternalID maps (source, externalID) to bookID. An existing mapping wins.
func (r *BookRepository) LinkExternalID(ctx context.Context, bookID uuid.UUID, source, externalID string) error {
	_, err := r.conn(ctx).ExecContext(ctx, `INSERT INTO book_external_ids (source, external_id, book_id)
VALUES ($1, $2, $3) ON CONFLICT (source, external_id) DO NOTHING`, source, externalID, bookID)
	if err != nil {
		return fmt.Errorf("link external id: %w", err)
	}
	return nil
}

func (r *BookRepository) ImageLinks(ctx context.Context, bookID uuid.UUID) ([]ImageLink, error) {
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT size, url, coalesce(width, 0), coalesce(height, 0) FROM book_image_links WHERE book_id = $1 ORDER BY size`, bookID)
	if err != nil {
		return nil, fmt.Errorf("image links: %w", err)
	}
	defer rows.Close()

	var links []ImageLink
	for rows.Next() {
		var link ImageLink
		if err := rows.Scan(&link.Size, &link.URL, &link.Width, &link.Height); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (r *BookRepository) ReplaceImageLinks(ctx context.Context, bookID uuid.UUID, links []ImageLink) error {
	db := r.conn(ctx)
	if _, err := db.ExecContext(ctx, `DELETE FROM book_image_links WHERE book_id = $1`, bookID); err != nil {
		return fmt.Errorf("clear image links: %w", err)
	}
	for _, link := range links {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO book_image_links (book_id, size, url, width, height) VALUES ($1, $2, $3, $4, $5)`,
			bookID, link.Size, link.URL, nullInt(link.Width), nullInt(link.Height)); err != nil {
			return fmt.Errorf("insert image link %s: %w", link.Size, err)
		}
	}
	return nil
}

// SlugsWithPrefix lists base and every "base-N" style slug already taken.
func (r *BookRepository) SlugsWithPrefix(ctx context.Context, base string) ([]string, error) {
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT slug FROM books WHERE slug = $1 OR slug LIKE $2`, base, base+"-%")
	if err != nil {
		return nil, fmt.Errorf("slugs with prefix: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		slugs = append(slugs, s)
	}
	return slugs, rows.Err()
}

// Savepoint, RollbackToSavepoint and ReleaseSavepoint only work inside WithinTx.
func (r *BookRepository) Savepoint(ctx context.Context, name string) error {
	return execInTx(ctx, "SAVEPOINT "+pq.QuoteIdentifier(name))
}

func (r *BookRepository) RollbackToSavepoint(ctx context.Context, name string) error {
	return execInTx(ctx, "ROLLBACK TO SAVEPOINT "+pq.QuoteIdentifier(name))
}

func (r *BookRepository) ReleaseSavepoint(ctx context.Context, name string) error {
	return execInTx(ctx, "RELEASE SAVEPOINT "+pq.QuoteIdentifier(name))
}

func execInTx(ctx context.Context, stmt string) error {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return ErrNoTransaction
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%s: %w", stmt, err)
	}
	return nil
}

// IsUniqueViolation reports a 23505 error, optionally restricted to one constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (BookRecord, error) {
	var (
		rec                                   BookRecord
		subtitle, description, isbn10, isbn13 sql.NullString
		lang, coverURL                        sql.NullString
		pageCount, ratingsCount               sql.NullInt64
		coverWidth, coverHeight               sql.NullInt64
		published                             sql.NullTime
		rating                                sql.NullFloat64
		qualifiers                            []byte
	)
	err := row.Scan(&rec.ID, &rec.Slug, &rec.Title, &subtitle, pq.Array(&rec.Authors), pq.Array(&rec.Categories),
		&description, &isbn10, &isbn13, &lang, &pageCount, &published, &rating, &ratingsCount,
		&coverURL, &coverWidth, &coverHeight, &rec.CoverHighRes, &rec.CoverGrayscale, &qualifiers)
	if err != nil {
		return BookRecord{}, fmt.Errorf("scan book: %w", err)
	}
	rec.Subtitle = subtitle.String
	rec.Description = description.String
	rec.ISBN10 = isbn10.String
	rec.ISBN13 = isbn13.String
	rec.Language = lang.String
	rec.PageCount = int(pageCount.Int64)
	rec.RatingsCount = int(ratingsCount.Int64)
	rec.AverageRating = rating.Float64
	rec.CoverURL = coverURL.String
	rec.CoverWidth = int(coverWidth.Int64)
	rec.CoverHeight = int(coverHeight.Int64)
	if published.Valid {
		rec.PublishedDate = published.Time
	}
	if len(qualifiers) > 0 {
		if err := json.Unmarshal(qualifiers, &rec.Qualifiers); err != nil {
			return BookRecord{}, fmt.Errorf("decode qualifiers: %w", err)
		}
	}
	return rec, nil
}

func marshalQualifiers(q map[string]any) (string, error) {
	if len(q) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode qualifiers: %w", err)
	}
	return string(b), nil
}

// prefixQuery builds an OR of prefix terms for to_tsquery from the alphanumeric words of q.
func prefixQuery(q string) string {
	words := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, w+":*")
	}
	return strings.Join(terms, " | ")
}

// isbnQuery returns the digits of q when it looks like an ISBN-10 or ISBN-13.
func isbnQuery(q string) string {
	var b strings.Builder
	for _, r := range q {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'X' || r == 'x':
			b.WriteRune('X')
		case r == '-' || r == ' ':
		default:
			return ""
		}
	}
	if n := b.Len(); n != 10 && n != 13 {
		return ""
	}
	return b.String()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f > 0}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
