package store

import (
	"time"

	"github.com/google/uuid"
)

// MatchReason tells why the primary store returned a row.
type MatchReason string

const (
	MatchFullText   MatchReason = "FULLTEXT"
	MatchExactTitle MatchReason = "EXACT_TITLE"
	MatchTSVector   MatchReason = "TSVECTOR"
	MatchAuthor     MatchReason = "AUTHOR"
	MatchISBN       MatchReason = "ISBN"
)

// SearchResult is one ranked hit from the primary store.
type SearchResult struct {
	ID          uuid.UUID
	Score       float64
	MatchReason MatchReason
}

// Qualifier keys stored on BookRecord.Qualifiers.
const (
	QualifierCoverSuppressed = "cover.suppressed"
	QualifierProvisional     = "provisional"
)

// BookRecord is the denormalised projection returned to search callers.
// Records built from provider candidates that are not persisted yet carry a
// nil ID together with Source and ExternalID.
type BookRecord struct {
	ID             uuid.UUID      `json:"id"`
	Slug           string         `json:"slug"`
	Title          string         `json:"title"`
	Subtitle       string         `json:"subtitle,omitempty"`
	Authors        []string       `json:"authors"`
	Categories     []string       `json:"categories,omitempty"`
	Description    string         `json:"description,omitempty"`
	ISBN10         string         `json:"isbn10,omitempty"`
	ISBN13         string         `json:"isbn13,omitempty"`
	Language       string         `json:"language,omitempty"`
	PageCount      int            `json:"pageCount,omitempty"`
	PublishedDate  time.Time      `json:"publishedDate,omitzero"`
	AverageRating  float64        `json:"averageRating,omitempty"`
	RatingsCount   int            `json:"ratingsCount,omitempty"`
	CoverURL       string         `json:"coverUrl,omitempty"`
	CoverWidth     int            `json:"coverWidth,omitempty"`
	CoverHeight    int            `json:"coverHeight,omitempty"`
	CoverHighRes   bool           `json:"coverHighRes"`
	CoverGrayscale bool           `json:"coverGrayscale"`
	Qualifiers     map[string]any `json:"qualifiers,omitempty"`
	Source         string         `json:"source,omitempty"`
	ExternalID     string         `json:"externalId,omitempty"`
}

// PrimaryAuthor returns the first listed author or "".
func (b BookRecord) PrimaryAuthor() string {
	if len(b.Authors) == 0 {
		return ""
	}
	return b.Authors[0]
}

// Qualifier reports whether a boolean qualifier is set.
func (b BookRecord) Qualifier(key string) bool {
	v, ok := b.Qualifiers[key].(bool)
	return ok && v
}

// SetQualifier stores a derived flag, allocating the map on first use.
func (b *BookRecord) SetQualifier(key string, value any) {
	if b.Qualifiers == nil {
		b.Qualifiers = make(map[string]any)
	}
	b.Qualifiers[key] = value
}

// BookRef identifies an existing canonical row.
type BookRef struct {
	ID   uuid.UUID
	Slug string
}

// ImageLink is one cover rendition of a book.
type ImageLink struct {
	Size   string `json:"size"`
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// CoverUpdate carries the denormalised cover columns of the books table.
type CoverUpdate struct {
	URL       string
	Width     int
	Height    int
	HighRes   bool
	Grayscale bool
}
