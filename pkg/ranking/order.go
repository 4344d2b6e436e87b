package ranking

import (
	"slices"
	"strings"
	"time"

	"github.com/zoff-tech/bookfinder/pkg/cover"
	"github.com/zoff-tech/bookfinder/pkg/store"
)

// CoverClass buckets books by cover presence; lower sorts first.
type CoverClass int

const (
	CoverColor CoverClass = iota
	CoverDegraded
	CoverSuppressed
)

func (c CoverClass) String() string {
	switch c {
	case CoverColor:
		return "color"
	case CoverDegraded:
		return "degraded"
	default:
		return "suppressed"
	}
}

// ClassifyCover puts a book in its cover class. Grayscale, placeholder and
// missing covers share the middle class.
func ClassifyCover(b store.BookRecord) CoverClass {
	if b.Qualifier(store.QualifierCoverSuppressed) || cover.IsSuppressedAspect(b.CoverWidth, b.CoverHeight) {
		return CoverSuppressed
	}
	if cover.IsNullEquivalent(b.CoverURL) || b.CoverGrayscale {
		return CoverDegraded
	}
	return CoverColor
}

// Order selects the primary sort key.
type Order string

const (
	OrderRelevance Order = "relevance"
	OrderNewest    Order = "newest"
	OrderTitle     Order = "title"
	OrderRating    Order = "rating"
)

// Valid reports whether o is a known order; empty means relevance.
func (o Order) Valid() bool {
	switch o {
	case "", OrderRelevance, OrderNewest, OrderTitle, OrderRating:
		return true
	}
	return false
}

// Sort orders books in place. Cover class leads, except for newest where
// publish date leads and cover class breaks ties. Score, title and key make
// the order total.
func Sort(books []ScoredBook, order Order) {
	slices.SortStableFunc(books, func(a, b ScoredBook) int {
		return compare(a, b, order)
	})
}

func compare(a, b ScoredBook, order Order) int {
	if order == OrderNewest {
		if c := compareTime(b.Book.PublishedDate, a.Book.PublishedDate); c != 0 {
			return c
		}
	}
	if c := compareInt(int(ClassifyCover(a.Book)), int(ClassifyCover(b.Book))); c != 0 {
		return c
	}
	switch order {
	case OrderTitle:
		if c := strings.Compare(strings.ToLower(a.Book.Title), strings.ToLower(b.Book.Title)); c != 0 {
			return c
		}
	case OrderRating:
		if c := compareFloat64(b.Book.AverageRating, a.Book.AverageRating); c != 0 {
			return c
		}
		if c := compareInt(b.Book.RatingsCount, a.Book.RatingsCount); c != 0 {
			return c
		}
	}
	if c := compareFloat64(b.Score, a.Score); c != 0 {
		return c
	}
	if c := strings.Compare(strings.ToLower(a.Book.Title), strings.ToLower(b.Book.Title)); c != 0 {
		return c
	}
	return strings.Compare(a.Key(), b.Key())
}

// ApplyAuthorDemotion halves the score of exact-title matches that look like the
// wrong work for an author-style query such as "dune herbert": the query names
// an author of some candidate, the book's title equals the query (or the query
// without the author words), and the book is not by that author.
func ApplyAuthorDemotion(query string, books []ScoredBook) {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return
	}
	authorTokens := recognizedAuthorTokens(queryTokens, books)
	if len(authorTokens) == 0 {
		return
	}

	full := strings.Join(queryTokens, " ")
	remainder := make([]string, 0, len(queryTokens))
	for _, tok := range queryTokens {
		if _, ok := authorTokens[tok]; !ok {
			remainder = append(remainder, tok)
		}
	}
	titleOnly := strings.Join(remainder, " ")

	for i := range books {
		title := strings.Join(Tokenize(books[i].Book.Title), " ")
		if title == "" || (title != full && title != titleOnly) {
			continue
		}
		if authoredBy(books[i].Book.Authors, authorTokens) {
			continue
		}
		books[i].Score *= 0.5
		books[i].Reasons = reasonSet(append(books[i].Reasons, ReasonDemotedTitle))
	}
}

// recognizedAuthorTokens are query words that appear in some candidate's author names.
func recognizedAuthorTokens(queryTokens []string, books []ScoredBook) map[string]struct{} {
	names := make(map[string]struct{})
	for _, b := range books {
		for _, a := range b.Book.Authors {
			for _, tok := range Tokenize(a) {
				names[tok] = struct{}{}
			}
		}
	}
	found := make(map[string]struct{})
	for _, tok := range queryTokens {
		if len([]rune(tok)) < 3 || IsStopWord(tok) {
			continue
		}
		if _, ok := names[tok]; ok {
			found[tok] = struct{}{}
		}
	}
	return found
}

func authoredBy(authors []string, tokens map[string]struct{}) bool {
	for _, a := range authors {
		for _, tok := range Tokenize(a) {
			if _, ok := tokens[tok]; ok {
				return true
			}
		}
	}
	return false
}

func compareInt(left, right int) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

func compareFloat64(left, right float64) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

func compareTime(left, right time.Time) int {
	switch {
	case left.Before(right):
		return -1
	case left.After(right):
		return 1
	default:
		return 0
	}
}
