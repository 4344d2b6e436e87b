package ranking

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/bookfinder/pkg/store"
)

func TestCategoryOverlap(t *testing.T) {
	tests := []struct {
		name  string
		query []string
		book  []string
		want  float64
	}{
		{"missing query", nil, []string{"Fiction"}, 0.5},
		{"missing book", []string{"Fiction"}, nil, 0.5},
		{"disjoint", []string{"History"}, []string{"Fiction"}, 0.5},
		{"full match case-insensitive", []string{"fiction"}, []string{"FICTION"}, 1.0},
		{"slash segments", []string{"Fiction / Science Fiction"}, []string{"Science Fiction"}, 0.75},
		{"duplicate segments counted once", []string{"Fiction/Fiction", "Fantasy"}, []string{"fantasy"}, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CategoryOverlap(tt.query, tt.book), 1e-9)
		})
	}
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("The Left Hand of Darkness", "A novel about the planet Gethen and its people; darkness falls.", 0)
	assert.Equal(t, []string{"left", "hand", "darkness", "planet", "gethen", "people", "falls"}, got)

	capped := ExtractKeywords("alpha bravo charlie delta echo", "", 3)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, capped)

	assert.Empty(t, ExtractKeywords("of to an", "", 5))
}

func TestExtractKeywords_DefaultCap(t *testing.T) {
	got := ExtractKeywords("aaa bbb ccc ddd eee fff ggg hhh iii jjj kkk lll mmm nnn", "", -1)
	assert.Len(t, got, DefaultKeywordLimit)
}

func TestTextMatchScore(t *testing.T) {
	assert.InDelta(t, 0.4, TextMatchScore(0), 1e-9)
	assert.InDelta(t, 0.7, TextMatchScore(0.5), 1e-9)
	assert.InDelta(t, 1.0, TextMatchScore(1), 1e-9)
	assert.InDelta(t, 1.0, TextMatchScore(7), 1e-9)
	assert.InDelta(t, 0.4, TextMatchScore(-3), 1e-9)
	assert.InDelta(t, 0.4, TextMatchScore(math.NaN()), 1e-9)
}

func TestAuthorMatchBonus(t *testing.T) {
	assert.Equal(t, 0.25, AuthorMatchBonus)
}

func TestCategoryProfile(t *testing.T) {
	books := []ScoredBook{
		NewScoredBook(store.BookRecord{Title: "Desert Travel", Categories: []string{"Travel"}}, 0.9),
		NewScoredBook(store.BookRecord{Title: "Dune", Categories: []string{"Fiction / Science Fiction"}}, 1.0),
		NewScoredBook(store.BookRecord{Title: "Dune Messiah"}, 0.95),
		NewScoredBook(store.BookRecord{Title: "Children of Dune", Categories: []string{"Fiction"}}, 0.8),
	}

	assert.Equal(t, []string{"Fiction / Science Fiction"}, CategoryProfile("dune", books, 1))
	assert.Equal(t, []string{"Fiction / Science Fiction", "Fiction"}, CategoryProfile("dune", books, 3),
		"books without categories or without a shared keyword are skipped")
	assert.Nil(t, CategoryProfile("the book", books, 3), "stop-word queries have no profile")
}

func TestApplyCategoryRelevance_ReordersWithinCoverClass(t *testing.T) {
	dune := NewScoredBook(store.BookRecord{Slug: "dune", Title: "Dune", Categories: []string{"Fiction / Science Fiction"}}, 1.0, "fulltext")
	guide := NewScoredBook(store.BookRecord{Slug: "guide", Title: "Dune Travel Guide", Categories: []string{"Travel"}}, 0.95, "fulltext")
	messiah := NewScoredBook(store.BookRecord{Slug: "messiah", Title: "Dune Messiah", Categories: []string{"Fiction / Science Fiction"}}, 0.9, "fulltext")
	books := []ScoredBook{dune, guide, messiah}

	ApplyCategoryRelevance(books, CategoryProfile("dune", books, 1))
	Sort(books, OrderRelevance)

	slugs := []string{books[0].Book.Slug, books[1].Book.Slug, books[2].Book.Slug}
	assert.Equal(t, []string{"dune", "messiah", "guide"}, slugs)
	assert.InDelta(t, 1.15, books[1].Score, 1e-9)
	assert.True(t, books[1].HasReason(ReasonCategory))
	assert.False(t, books[2].HasReason(ReasonCategory))
}

func TestApplyCategoryRelevance_NoProfileIsNoop(t *testing.T) {
	books := []ScoredBook{NewScoredBook(store.BookRecord{Categories: []string{"Fiction"}}, 1, "fulltext")}
	ApplyCategoryRelevance(books, nil)
	assert.Equal(t, 1.0, books[0].Score)
	assert.Equal(t, []string{"fulltext"}, books[0].Reasons)
}
