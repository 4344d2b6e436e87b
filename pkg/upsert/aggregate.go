package upsert

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/bookfinder/pkg/catalog"
	"github.com/zoff-tech/bookfinder/pkg/cover"
	"github.com/zoff-tech/bookfinder/pkg/slug"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

// Aggregate is the provider-agnostic input of an upsert.
type Aggregate struct {
	// ID is used when the upsert creates a new row; zero means allocate one.
	ID             uuid.UUID
	Source         string `validate:"required"`
	ExternalID     string `validate:"required"`
	Title          string `validate:"required"`
	Subtitle       string
	Authors        []string `validate:"dive,required"`
	Categories     []string
	Identifiers    map[string]string
	ImageLinks     []store.ImageLink `validate:"dive"`
	Description    string
	Language       string
	PageCount      int `validate:"gte=0"`
	PublishedDate  time.Time
	AverageRating  float64 `validate:"gte=0,lte=5"`
	RatingsCount   int     `validate:"gte=0"`
	CoverGrayscale bool
}

// FromCandidate bundles a provider payload into an Aggregate.
func FromCandidate(c catalog.Candidate) Aggregate {
	return Aggregate{
		ID:            c.CanonicalID(),
		Source:        c.Source,
		ExternalID:    c.ExternalID,
		Title:         strings.TrimSpace(c.Title),
		Subtitle:      c.Subtitle,
		Authors:       c.Authors,
		Categories:    c.Categories,
		Identifiers:   c.Identifiers,
		ImageLinks:    c.Links(),
		Description:   c.Description,
		Language:      c.Language,
		PageCount:     c.PageCount,
		PublishedDate: c.PublishedTime(),
		AverageRating: c.AverageRating,
		RatingsCount:  c.RatingsCount,
	}
}

func (a Aggregate) primaryAuthor() string {
	if len(a.Authors) == 0 {
		return ""
	}
	return a.Authors[0]
}

// BaseSlug is the slug a new row would try first.
func (a Aggregate) BaseSlug() string {
	return slug.Make(a.Title, a.primaryAuthor())
}

// record maps the aggregate to a books row without id or slug.
func (a Aggregate) record() store.BookRecord {
	isbn13 := catalog.NormalizeISBN(a.Identifiers[catalog.ISBN13])
	if len(isbn13) != 13 {
		isbn13 = catalog.ISBN10To13(a.Identifiers[catalog.ISBN10])
	}
	rec := store.BookRecord{
		Title:          a.Title,
		Subtitle:       a.Subtitle,
		Authors:        a.Authors,
		Categories:     a.Categories,
		Description:    a.Description,
		ISBN10:         catalog.NormalizeISBN(a.Identifiers[catalog.ISBN10]),
		ISBN13:         isbn13,
		Language:       a.Language,
		PageCount:      a.PageCount,
		PublishedDate:  a.PublishedDate,
		AverageRating:  a.AverageRating,
		RatingsCount:   a.RatingsCount,
		CoverGrayscale: a.CoverGrayscale,
		Source:         a.Source,
		ExternalID:     a.ExternalID,
	}
	if best, ok := cover.Best(a.ImageLinks); ok {
		rec.CoverURL = best.URL
		rec.CoverWidth, rec.CoverHeight = best.Width, best.Height
		rec.CoverHighRes = cover.IsHighRes(best)
		if cover.IsSuppressedAspect(best.Width, best.Height) {
			rec.SetQualifier(store.QualifierCoverSuppressed, true)
		}
	}
	return rec
}

// coverUpdate is the denormalised cover of links.
func (a Aggregate) coverUpdate(links []store.ImageLink) store.CoverUpdate {
	best, ok := cover.Best(links)
	if !ok {
		return store.CoverUpdate{}
	}
	return store.CoverUpdate{
		URL:       best.URL,
		Width:     best.Width,
		Height:    best.Height,
		HighRes:   cover.IsHighRes(best),
		Grayscale: a.CoverGrayscale,
	}
}
