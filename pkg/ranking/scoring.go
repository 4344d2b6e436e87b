// Package ranking holds the side-effect free scoring and ordering rules shared
// by the search cascade.
package ranking

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"unicode"
)

// AuthorMatchBonus is added when a candidate's author matches the query.
const AuthorMatchBonus = 0.25

// DefaultKeywordLimit caps ExtractKeywords when limit <= 0.
const DefaultKeywordLimit = 12

const categoryBase = 0.5

// CategoryWeight scales category overlap above the base into a score bonus,
// so a full overlap is worth as much as an author match.
const CategoryWeight = 0.5

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {}, "that": {}, "this": {},
	"are": {}, "was": {}, "were": {}, "but": {}, "not": {}, "you": {}, "your": {}, "his": {},
	"her": {}, "its": {}, "their": {}, "they": {}, "them": {}, "have": {}, "has": {}, "had": {},
	"who": {}, "what": {}, "when": {}, "where": {}, "which": {}, "will": {}, "would": {}, "can": {},
	"about": {}, "after": {}, "before": {}, "over": {}, "under": {}, "than": {}, "then": {}, "there": {},
	"these": {}, "those": {}, "been": {}, "being": {}, "book": {}, "books": {}, "edition": {}, "novel": {},
	"one": {}, "all": {}, "out": {}, "how": {}, "why": {}, "our": {}, "she": {}, "him": {},
}

// IsStopWord reports words ExtractKeywords drops regardless of length.
func IsStopWord(w string) bool {
	_, ok := stopWords[strings.ToLower(w)]
	return ok
}

// Tokenize lowercases s and splits it on anything that is not a letter or digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CategoryOverlap scores how many query category segments a book shares.
// Disjoint or missing categories score the 0.5 base; full overlap scores 1.
func CategoryOverlap(queryCategories, bookCategories []string) float64 {
	query := categorySegments(queryCategories)
	if len(query) == 0 {
		return categoryBase
	}
	book := make(map[string]struct{})
	for _, seg := range categorySegments(bookCategories) {
		book[seg] = struct{}{}
	}
	if len(book) == 0 {
		return categoryBase
	}
	matches := 0
	for _, seg := range query {
		if _, ok := book[seg]; ok {
			matches++
		}
	}
	return categoryBase + categoryBase*float64(matches)/float64(len(query))
}

// categorySegments splits "Fiction / Science Fiction" into distinct lowercase segments.
func categorySegments(categories []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range categories {
		for _, part := range strings.Split(c, "/") {
			seg := strings.ToLower(strings.TrimSpace(part))
			if seg == "" {
				continue
			}
			if _, dup := seen[seg]; dup {
				continue
			}
			seen[seg] = struct{}{}
			out = append(out, seg)
		}
	}
	return out
}

// CategoryProfile gathers the categories of up to size books, taken by
// descending score, whose title or description shares a keyword with query.
func CategoryProfile(query string, books []ScoredBook, size int) []string {
	queryKeywords := ExtractKeywords(query, "", 0)
	if len(queryKeywords) == 0 || size <= 0 {
		return nil
	}
	order := make([]int, len(books))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(books[b].Score, books[a].Score)
	})

	var profile []string
	used := 0
	for _, i := range order {
		b := books[i].Book
		if len(b.Categories) == 0 {
			continue
		}
		if !sharesKeyword(queryKeywords, ExtractKeywords(b.Title, b.Description, 0)) {
			continue
		}
		profile = append(profile, b.Categories...)
		if used++; used == size {
			break
		}
	}
	return profile
}

// ApplyCategoryRelevance merges a ReasonCategory score into every book whose
// categories overlap profile.
func ApplyCategoryRelevance(books []ScoredBook, profile []string) {
	if len(profile) == 0 {
		return
	}
	for i := range books {
		bonus := (CategoryOverlap(profile, books[i].Book.Categories) - categoryBase) * CategoryWeight
		if bonus <= 0 {
			continue
		}
		books[i] = Merge(books[i], NewScoredBook(books[i].Book, bonus, ReasonCategory))
	}
}

func sharesKeyword(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// ExtractKeywords returns distinct keywords of title then description in
// first-seen order, without stop-words or tokens of two characters or fewer.
func ExtractKeywords(title, description string, limit int) []string {
	if limit <= 0 {
		limit = DefaultKeywordLimit
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, limit)
	for _, tok := range append(Tokenize(title), Tokenize(description)...) {
		if len([]rune(tok)) <= 2 || IsStopWord(tok) {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if len(out) == limit {
			break
		}
	}
	return out
}

// TextMatchScore maps a store rank onto [0.4, 1.0].
func TextMatchScore(rank float64) float64 {
	return clamp(rank, 0, 1)*0.6 + 0.4
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}
