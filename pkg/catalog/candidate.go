// Package catalog talks to the external book catalogs and turns their
// responses into provider-agnostic candidates.
package catalog

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/bookfinder/pkg/cover"
	"github.com/zoff-tech/bookfinder/pkg/slug"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

const (
	SourceGoogleBooks = "google_books"
	SourceOpenLibrary = "open_library"
)

// Identifier kinds used in Candidate.Identifiers.
const (
	ISBN10 = "ISBN_10"
	ISBN13 = "ISBN_13"
)

// Candidate is one raw book payload from a provider.
type Candidate struct {
	Source        string            `json:"source"`
	ExternalID    string            `json:"externalId"`
	Title         string            `json:"title"`
	Subtitle      string            `json:"subtitle,omitempty"`
	Authors       []string          `json:"authors,omitempty"`
	Categories    []string          `json:"categories,omitempty"`
	Identifiers   map[string]string `json:"identifiers,omitempty"`
	ImageLinks    map[string]string `json:"imageLinks,omitempty"`
	Description   string            `json:"description,omitempty"`
	PublishedDate string            `json:"publishedDate,omitempty"`
	PageCount     int               `json:"pageCount,omitempty"`
	Language      string            `json:"language,omitempty"`
	CoverWidth    int               `json:"coverWidth,omitempty"`
	CoverHeight   int               `json:"coverHeight,omitempty"`
	AverageRating float64           `json:"averageRating,omitempty"`
	RatingsCount  int               `json:"ratingsCount,omitempty"`
}

// candidateNamespace seeds the name-based ids of not yet persisted candidates.
var candidateNamespace = uuid.MustParse("6f1c2a52-8d0e-4f7b-9a35-2b8e6c4d1f90")

// CanonicalID is the id a first upsert of this candidate creates its row
// with. It depends only on source and external id, so every request that
// shows the candidate before it is persisted shows the same id.
func (c Candidate) CanonicalID() uuid.UUID {
	return uuid.NewSHA1(candidateNamespace, []byte(c.Source+"\x00"+c.ExternalID))
}

// Usable reports whether a candidate carries enough to show on a page:
// a title plus an author or a real cover.
func (c Candidate) Usable() bool {
	if strings.TrimSpace(c.Title) == "" {
		return false
	}
	if len(c.Authors) > 0 {
		return true
	}
	_, ok := cover.Best(c.Links())
	return ok
}

// ISBN13 returns the ISBN-13, converting an ISBN-10 when that is all there is.
func (c Candidate) ISBN13() string {
	if v := NormalizeISBN(c.Identifiers[ISBN13]); len(v) == 13 {
		return v
	}
	return ISBN10To13(c.Identifiers[ISBN10])
}

// Links lists the image links in a stable order.
func (c Candidate) Links() []store.ImageLink {
	links := make([]store.ImageLink, 0, len(c.ImageLinks))
	for _, size := range imageSizeOrder {
		if u, ok := c.ImageLinks[size]; ok && u != "" {
			links = append(links, store.ImageLink{Size: size, URL: u})
		}
	}
	for _, size := range slices.Sorted(maps.Keys(c.ImageLinks)) {
		if u := c.ImageLinks[size]; !knownImageSize[size] && u != "" {
			links = append(links, store.ImageLink{Size: size, URL: u})
		}
	}
	if len(links) == 1 && c.CoverWidth > 0 && c.CoverHeight > 0 {
		links[0].Width, links[0].Height = c.CoverWidth, c.CoverHeight
	}
	return links
}

var imageSizeOrder = []string{"extraLarge", "large", "medium", "small", "thumbnail", "smallThumbnail"}

var knownImageSize = map[string]bool{
	"extraLarge": true, "large": true, "medium": true, "small": true, "thumbnail": true, "smallThumbnail": true,
}

// PublishedTime parses "2006", "2006-01" or "2006-01-02".
func (c Candidate) PublishedTime() time.Time {
	s := strings.TrimSpace(c.PublishedDate)
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if len(s) >= len(layout) {
			if t, err := time.Parse(layout, s[:len(layout)]); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// ToBook maps the candidate into the page projection. The record carries the
// id and base slug a first upsert would write and is marked provisional.
func (c Candidate) ToBook() store.BookRecord {
	rec := store.BookRecord{
		ID:            c.CanonicalID(),
		Title:         strings.TrimSpace(c.Title),
		Subtitle:      c.Subtitle,
		Authors:       c.Authors,
		Categories:    c.Categories,
		Description:   c.Description,
		ISBN10:        NormalizeISBN(c.Identifiers[ISBN10]),
		ISBN13:        c.ISBN13(),
		Language:      c.Language,
		PageCount:     c.PageCount,
		PublishedDate: c.PublishedTime(),
		AverageRating: c.AverageRating,
		RatingsCount:  c.RatingsCount,
		Source:        c.Source,
		ExternalID:    c.ExternalID,
	}
	var author string
	if len(c.Authors) > 0 {
		author = c.Authors[0]
	}
	rec.Slug = slug.Make(rec.Title, author)

	if best, ok := cover.Best(c.Links()); ok {
		rec.CoverURL = best.URL
		rec.CoverWidth, rec.CoverHeight = best.Width, best.Height
		rec.CoverHighRes = cover.IsHighRes(best)
		if cover.IsSuppressedAspect(best.Width, best.Height) {
			rec.SetQualifier(store.QualifierCoverSuppressed, true)
		}
	}
	rec.SetQualifier(store.QualifierProvisional, true)
	return rec
}

// NormalizeISBN strips hyphens and spaces and upper-cases a trailing x.
func NormalizeISBN(isbn string) string {
	var b strings.Builder
	for _, r := range isbn {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteRune('X')
		}
	}
	return b.String()
}

// ISBN10To13 converts a valid-looking ISBN-10 into its 978-prefixed ISBN-13.
func ISBN10To13(isbn10 string) string {
	s := NormalizeISBN(isbn10)
	if len(s) != 10 {
		return ""
	}
	core := "978" + s[:9]
	sum := 0
	for i, r := range core {
		d := int(r - '0')
		if d < 0 || d > 9 {
			return ""
		}
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return core + strconv.Itoa(check)
}
