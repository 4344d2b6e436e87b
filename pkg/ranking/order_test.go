package ranking

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

func book(title, coverURL string, w, h int) store.BookRecord {
	return store.BookRecord{ID: uuid.New(), Title: title, CoverURL: coverURL, CoverWidth: w, CoverHeight: h}
}

func titles(books []ScoredBook) []string {
	out := make([]string, len(books))
	for i, b := range books {
		out[i] = b.Book.Title
	}
	return out
}

func TestClassifyCover(t *testing.T) {
	assert.Equal(t, CoverColor, ClassifyCover(book("a", "https://x/a.jpg", 400, 600)))
	assert.Equal(t, CoverColor, ClassifyCover(book("a", "https://x/a.jpg", 0, 0)))
	assert.Equal(t, CoverDegraded, ClassifyCover(book("a", "null", 0, 0)))
	assert.Equal(t, CoverDegraded, ClassifyCover(book("a", "", 0, 0)))

	gray := book("a", "https://x/a.jpg", 400, 600)
	gray.CoverGrayscale = true
	assert.Equal(t, CoverDegraded, ClassifyCover(gray))

	assert.Equal(t, CoverSuppressed, ClassifyCover(book("a", "https://x/a.jpg", 900, 300)))

	flagged := book("a", "https://x/a.jpg", 400, 600)
	flagged.SetQualifier(store.QualifierCoverSuppressed, true)
	assert.Equal(t, CoverSuppressed, ClassifyCover(flagged))
}

func TestSort_CoverClassBeforeScore(t *testing.T) {
	books := []ScoredBook{
		NewScoredBook(book("suppressed", "https://x/s.jpg", 900, 300), 0.99, "x"),
		NewScoredBook(book("null", "null", 0, 0), 0.95, "x"),
		NewScoredBook(book("color-low", "https://x/c.jpg", 400, 600), 0.10, "x"),
		NewScoredBook(book("color-high", "https://x/d.jpg", 400, 600), 0.80, "x"),
	}
	Sort(books, OrderRelevance)
	assert.Equal(t, []string{"color-high", "color-low", "null", "suppressed"}, titles(books))
}

func TestSort_NewestIsPrimary(t *testing.T) {
	old := book("old-color", "https://x/o.jpg", 400, 600)
	old.PublishedDate = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	recentNull := book("recent-null", "null", 0, 0)
	recentNull.PublishedDate = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recentColor := book("recent-color", "https://x/r.jpg", 400, 600)
	recentColor.PublishedDate = recentNull.PublishedDate

	books := []ScoredBook{
		NewScoredBook(old, 0.9, "x"),
		NewScoredBook(recentNull, 0.9, "x"),
		NewScoredBook(recentColor, 0.1, "x"),
	}
	Sort(books, OrderNewest)
	assert.Equal(t, []string{"recent-color", "recent-null", "old-color"}, titles(books))
}

func TestSort_TitleAndRating(t *testing.T) {
	b1 := book("Beta", "https://x/1.jpg", 400, 600)
	b1.AverageRating = 3.5
	b2 := book("alpha", "https://x/2.jpg", 400, 600)
	b2.AverageRating = 4.5
	b3 := book("Gamma", "null", 0, 0)
	b3.AverageRating = 5

	books := []ScoredBook{NewScoredBook(b1, 0.5), NewScoredBook(b2, 0.1), NewScoredBook(b3, 1)}
	Sort(books, OrderTitle)
	assert.Equal(t, []string{"alpha", "Beta", "Gamma"}, titles(books))

	Sort(books, OrderRating)
	assert.Equal(t, []string{"alpha", "Beta", "Gamma"}, titles(books))
}

func TestSort_DeterministicTies(t *testing.T) {
	a := NewScoredBook(store.BookRecord{Source: "s", ExternalID: "2", Title: "Same", CoverURL: "https://x/a.jpg"}, 0.5)
	b := NewScoredBook(store.BookRecord{Source: "s", ExternalID: "1", Title: "Same", CoverURL: "https://x/b.jpg"}, 0.5)

	first := []ScoredBook{a, b}
	second := []ScoredBook{b, a}
	Sort(first, OrderRelevance)
	Sort(second, OrderRelevance)
	assert.Equal(t, first, second)
	assert.Equal(t, "1", first[0].Book.ExternalID)
}

func TestApplyAuthorDemotion(t *testing.T) {
	herbert := NewScoredBook(store.BookRecord{Title: "Dune", Authors: []string{"Frank Herbert"}}, 0.6, "primary")
	impostor := NewScoredBook(store.BookRecord{Title: "Dune", Authors: []string{"Jane Doe"}}, 0.9, "primary")
	unrelated := NewScoredBook(store.BookRecord{Title: "Dune Messiah", Authors: []string{"Frank Herbert"}}, 0.5, "primary")
	books := []ScoredBook{impostor, herbert, unrelated}

	ApplyAuthorDemotion("Dune Herbert", books)

	assert.InDelta(t, 0.45, books[0].Score, 1e-9)
	assert.True(t, books[0].HasReason(ReasonDemotedTitle))
	assert.InDelta(t, 0.6, books[1].Score, 1e-9)
	assert.False(t, books[1].HasReason(ReasonDemotedTitle))
	assert.InDelta(t, 0.5, books[2].Score, 1e-9)
}

func TestApplyAuthorDemotion_PlainTitleQueryUntouched(t *testing.T) {
	books := []ScoredBook{
		NewScoredBook(store.BookRecord{Title: "Dune", Authors: []string{"Jane Doe"}}, 0.9, "primary"),
		NewScoredBook(store.BookRecord{Title: "Dune", Authors: []string{"Frank Herbert"}}, 0.6, "primary"),
	}
	ApplyAuthorDemotion("dune", books)
	assert.InDelta(t, 0.9, books[0].Score, 1e-9)
	assert.InDelta(t, 0.6, books[1].Score, 1e-9)
}

func TestOrderValid(t *testing.T) {
	assert.True(t, Order("").Valid())
	assert.True(t, OrderNewest.Valid())
	assert.False(t, Order("oldest").Valid())
}
