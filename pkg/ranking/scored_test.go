package ranking

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

func TestNewScoredBook_NormalisesReasons(t *testing.T) {
	sb := NewScoredBook(store.BookRecord{Title: "Dune"}, 1, "b", "a", "b", "")
	assert.Equal(t, []string{"a", "b"}, sb.Reasons)
	assert.True(t, sb.HasReason("a"))
	assert.False(t, sb.HasReason("c"))

	empty := NewScoredBook(store.BookRecord{Title: "Dune"}, 1, "")
	assert.Empty(t, empty.Reasons)
}

func TestMerge_CommutativeAndAssociative(t *testing.T) {
	id := uuid.New()
	a := NewScoredBook(store.BookRecord{ID: id, Title: "Dune", CoverURL: "https://x/a.jpg"}, 0.7, string(store.MatchFullText), "primary")
	b := NewScoredBook(store.BookRecord{Source: "google_books", ExternalID: "g1", Title: "Dune", ISBN13: "9780441172719"}, 0.25, "google_books")
	c := NewScoredBook(store.BookRecord{Source: "open_library", ExternalID: "OL1W", Title: "Dune"}, 0.125, "open_library", "primary")

	ab, ba := Merge(a, b), Merge(b, a)
	assert.Equal(t, ab.Score, ba.Score)
	assert.Equal(t, ab.Reasons, ba.Reasons)
	assert.Equal(t, ab.Book, ba.Book)

	left, right := Merge(Merge(a, b), c), Merge(a, Merge(b, c))
	assert.InDelta(t, left.Score, right.Score, 1e-12)
	assert.Equal(t, left.Reasons, right.Reasons)
	assert.Equal(t, left.Book, right.Book)
	assert.Equal(t, []string{"FULLTEXT", "google_books", "open_library", "primary"}, left.Reasons)
	assert.Equal(t, id, left.Book.ID, "hydrated record represents the merge")
}

func TestMerge_PrefersBetterCoverAmongUnhydrated(t *testing.T) {
	thumb := NewScoredBook(store.BookRecord{Source: "a", ExternalID: "1", Title: "X", CoverURL: "https://x/t.jpg", CoverWidth: 128, CoverHeight: 192}, 1, "a")
	large := NewScoredBook(store.BookRecord{Source: "b", ExternalID: "2", Title: "X", CoverURL: "https://x/l.jpg", CoverWidth: 800, CoverHeight: 1200}, 1, "b")

	assert.Equal(t, "b", Merge(thumb, large).Book.Source)
	assert.Equal(t, "b", Merge(large, thumb).Book.Source)
}

func TestKeys(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, []string{"id:" + id.String(), "isbn:9780441172719", "src:google_books:g1"},
		Keys(store.BookRecord{ID: id, ISBN13: "9780441172719", Source: "google_books", ExternalID: "g1"}))
	assert.Equal(t, "src:open_library:OL1W", Key(store.BookRecord{Source: "open_library", ExternalID: "OL1W"}))
	assert.Equal(t, "title:dune", Key(store.BookRecord{Title: " Dune "}))
}

func TestMerge_StoredRecordBeatsProvisional(t *testing.T) {
	provisional := store.BookRecord{ID: uuid.New(), Source: "a", ExternalID: "1", Title: "X", CoverURL: "https://x/l.jpg", CoverWidth: 800, CoverHeight: 1200}
	provisional.SetQualifier(store.QualifierProvisional, true)
	stored := store.BookRecord{ID: uuid.New(), Source: "a", ExternalID: "1", Title: "X"}

	p := NewScoredBook(provisional, 1, "a")
	s := NewScoredBook(stored, 1, "primary")
	assert.Equal(t, stored.ID, Merge(p, s).Book.ID)
	assert.Equal(t, stored.ID, Merge(s, p).Book.ID)
}
