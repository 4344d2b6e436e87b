package ranking

import (
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/zoff-tech/bookfinder/pkg/cover"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

// Reasons attached to scored books.
const (
	ReasonDemotedTitle = "demoted:exact-title-non-author"
	ReasonAuthorMatch  = "author-match"
	ReasonCategory     = "category"
)

// ScoredBook is a book with an accumulated relevance score and the reasons behind it.
type ScoredBook struct {
	Book    store.BookRecord
	Score   float64
	Reasons []string
}

// NewScoredBook normalises reasons into a sorted set; empty strings are kept
// out, so an empty reason produces an empty set.
func NewScoredBook(book store.BookRecord, score float64, reasons ...string) ScoredBook {
	return ScoredBook{Book: book, Score: score, Reasons: reasonSet(reasons)}
}

// HasReason reports whether r is one of the recorded reasons.
func (s ScoredBook) HasReason(r string) bool {
	_, ok := slices.BinarySearch(s.Reasons, r)
	return ok
}

// Key is the primary identity of the book: local id, else ISBN-13, else source:externalId.
func (s ScoredBook) Key() string {
	return Key(s.Book)
}

// Merge combines two scorings of the same book. Scores add and reasons union;
// the representative record is picked by a total order so the result does not
// depend on argument order.
func Merge(a, b ScoredBook) ScoredBook {
	book := a.Book
	if preferBook(b.Book, a.Book) {
		book = b.Book
	}
	return ScoredBook{
		Book:    book,
		Score:   a.Score + b.Score,
		Reasons: reasonSet(append(slices.Clone(a.Reasons), b.Reasons...)),
	}
}

func reasonSet(reasons []string) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// preferBook reports whether x should represent a merged entry over y:
// stored records first, then the better cover, then the richer record,
// then a stable textual fingerprint.
func preferBook(x, y store.BookRecord) bool {
	if xh, yh := isStored(x), isStored(y); xh != yh {
		return xh
	}
	if c := cover.Compare(coverQuality(x), coverQuality(y)); c != 0 {
		return c > 0
	}
	if c := compareInt(completeness(x), completeness(y)); c != 0 {
		return c > 0
	}
	return fingerprint(x) < fingerprint(y)
}

func isStored(b store.BookRecord) bool {
	return b.ID != uuid.Nil && !b.Qualifier(store.QualifierProvisional)
}

func coverQuality(b store.BookRecord) cover.Quality {
	return cover.Assess(store.ImageLink{URL: b.CoverURL, Width: b.CoverWidth, Height: b.CoverHeight})
}

func completeness(b store.BookRecord) int {
	n := len(b.Authors) + len(b.Categories)
	for _, s := range []string{b.Subtitle, b.Description, b.ISBN13, b.ISBN10, b.Language} {
		if s != "" {
			n++
		}
	}
	if !b.PublishedDate.IsZero() {
		n++
	}
	if b.PageCount > 0 {
		n++
	}
	return n
}

func fingerprint(b store.BookRecord) string {
	return strings.Join([]string{b.ID.String(), b.Source, b.ExternalID, b.Slug, strings.ToLower(b.Title), b.CoverURL}, "\x00")
}

// Key returns the primary dedup identity of a record.
func Key(b store.BookRecord) string {
	if keys := Keys(b); len(keys) > 0 {
		return keys[0]
	}
	return "title:" + strings.ToLower(strings.TrimSpace(b.Title))
}

// Keys lists every identity a record can be matched by, strongest first.
func Keys(b store.BookRecord) []string {
	var keys []string
	if b.ID != uuid.Nil {
		keys = append(keys, "id:"+b.ID.String())
	}
	if b.ISBN13 != "" {
		keys = append(keys, "isbn:"+b.ISBN13)
	}
	if b.Source != "" && b.ExternalID != "" {
		keys = append(keys, "src:"+b.Source+":"+b.ExternalID)
	}
	return keys
}
