// Package slug derives URL-safe book slugs and disambiguates collisions.
package slug

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxLength = 80
	fallback  = "book"
)

// Make builds "title-author" in lowercase ASCII with single hyphens.
func Make(title, author string) string {
	base := normalize(title)
	if a := normalize(author); a != "" {
		if base == "" {
			base = a
		} else {
			base = base + "-" + a
		}
	}
	base = truncate(base, maxLength)
	if base == "" {
		return fallback
	}
	return base
}

// Variant returns the n-th disambiguated form of base; n < 2 yields base itself.
func Variant(base string, n int) string {
	if n < 2 {
		return base
	}
	suffix := "-" + strconv.Itoa(n)
	return truncate(base, maxLength-len(suffix)) + suffix
}

func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		case r == '\'' || r == '’':
		default:
			pendingHyphen = true
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	if i := strings.LastIndexByte(s, '-'); i > n/2 {
		s = s[:i]
	}
	return strings.Trim(s, "-")
}

// Lister reports the slugs already taken that start with a base slug.
type Lister interface {
	SlugsWithPrefix(ctx context.Context, base string) ([]string, error)
}

// Allocator hands out the lowest free numeric variant of a base slug.
type Allocator struct {
	lister Lister
}

func NewAllocator(lister Lister) *Allocator {
	return &Allocator{lister: lister}
}

// Next returns the first variant of base that is neither taken in the store
// nor listed in exclude.
func (a *Allocator) Next(ctx context.Context, base string, exclude ...string) (string, error) {
	taken, err := a.lister.SlugsWithPrefix(ctx, base)
	if err != nil {
		return "", fmt.Errorf("list slugs for %q: %w", base, err)
	}
	used := make(map[string]struct{}, len(taken)+len(exclude))
	for _, s := range taken {
		used[s] = struct{}{}
	}
	for _, s := range exclude {
		used[s] = struct{}{}
	}
	for n := 2; ; n++ {
		candidate := Variant(base, n)
		if _, ok := used[candidate]; !ok {
			return candidate, nil
		}
	}
}
