// Package cover judges cover image quality: placeholder detection, aspect
// suppression and the better-of comparison used when merging image links.
package cover

import (
	"net/url"
	"path"
	"strings"

	"github.com/zoff-tech/bookfinder/pkg/store"
)

// Acceptable height/width bounds; anything outside reads as a banner or strip.
const (
	MinAspect = 1.2
	MaxAspect = 2.0
)

var nullLiterals = map[string]struct{}{
	"":          {},
	"null":      {},
	"nil":       {},
	"none":      {},
	"undefined": {},
	"n/a":       {},
}

var placeholderMarkers = []string{
	"no_cover",
	"nocover",
	"no-cover",
	"no-image",
	"noimage",
	"image-not-available",
	"placeholder",
	"/id/-1-",
}

// IsNullEquivalent reports a cover URL that is present but means "no cover".
func IsNullEquivalent(raw string) bool {
	s := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := nullLiterals[s]; ok {
		return true
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	u, err := url.Parse(s)
	return err != nil || (u.Host == "" && !strings.HasPrefix(s, "/"))
}

// IsSuppressedAspect reports a cover whose height/width ratio is outside
// [MinAspect, MaxAspect]. Unknown dimensions are never suppressed.
func IsSuppressedAspect(width, height int) bool {
	if width <= 0 || height <= 0 {
		return false
	}
	ratio := float64(height) / float64(width)
	return ratio < MinAspect || ratio > MaxAspect
}

// nominal pixel sizes for provider size labels when the link carries none.
var nominal = map[string][2]int{
	"extralarge":     {1280, 1920},
	"large":          {800, 1200},
	"l":              {800, 1200},
	"medium":         {575, 860},
	"m":              {180, 270},
	"small":          {300, 450},
	"s":              {90, 135},
	"thumbnail":      {128, 192},
	"smallthumbnail": {80, 120},
}

// Dimensions returns the known or nominal size of link.
func Dimensions(link store.ImageLink) (int, int) {
	if link.Width > 0 && link.Height > 0 {
		return link.Width, link.Height
	}
	if d, ok := nominal[strings.ToLower(link.Size)]; ok {
		return d[0], d[1]
	}
	return 0, 0
}

// IsHighRes reports a cover at least as large as a provider "large" rendition.
func IsHighRes(link store.ImageLink) bool {
	w, h := Dimensions(link)
	return w >= 600 || h >= 900
}

// Quality orders covers; compare with Compare.
type Quality struct {
	Placeholder bool
	Pixels      int
	Format      int
	Secure      bool
	Curled      bool
}

// Assess scores a single link.
func Assess(link store.ImageLink) Quality {
	if IsNullEquivalent(link.URL) {
		return Quality{Placeholder: true}
	}
	w, h := Dimensions(link)
	lower := strings.ToLower(link.URL)
	return Quality{
		Pixels: w * h,
		Format: formatRank(lower),
		Secure: strings.HasPrefix(lower, "https://"),
		Curled: strings.Contains(lower, "edge=curl"),
	}
}

func formatRank(u string) int {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch path.Ext(u) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return 2
	case ".gif":
		return 0
	default:
		return 1
	}
}

// Compare returns -1, 0 or 1 as a is worse than, equal to or better than b.
// Resolution dominates; format, then host heuristics break ties.
func Compare(a, b Quality) int {
	switch {
	case a.Placeholder != b.Placeholder:
		if a.Placeholder {
			return -1
		}
		return 1
	case a.Pixels != b.Pixels:
		return sign(a.Pixels - b.Pixels)
	case a.Format != b.Format:
		return sign(a.Format - b.Format)
	case a.Curled != b.Curled:
		if a.Curled {
			return -1
		}
		return 1
	case a.Secure != b.Secure:
		if a.Secure {
			return 1
		}
		return -1
	}
	return 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// Best returns the highest quality non-placeholder link.
func Best(links []store.ImageLink) (store.ImageLink, bool) {
	var (
		best  store.ImageLink
		bestQ Quality
		found bool
	)
	for _, link := range links {
		q := Assess(link)
		if q.Placeholder {
			continue
		}
		if !found || Compare(q, bestQ) > 0 {
			best, bestQ, found = link, q, true
		}
	}
	return best, found
}

// Chooser keeps the better of an existing and an incoming image-link set.
type Chooser struct{}

// Better reports whether incoming strictly beats existing. Equal quality keeps existing.
func (Chooser) Better(existing, incoming []store.ImageLink) bool {
	in, ok := Best(incoming)
	if !ok {
		return false
	}
	cur, ok := Best(existing)
	if !ok {
		return true
	}
	return Compare(Assess(in), Assess(cur)) > 0
}
