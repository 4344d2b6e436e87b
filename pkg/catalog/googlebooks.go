package catalog

import (
	"context"
	"iter"
	"net/url"
	"strconv"
	"strings"
)

const (
	googleBooksBaseURL  = "https://www.googleapis.com/books/v1"
	googleBooksMaxPage  = 40
	googleBooksPageSize = 20
)

// GoogleBooksClient queries the Google Books volumes API.
type GoogleBooksClient struct {
	fetcher
	baseURL  string
	apiKey   string
	pageSize int
}

// Compile-time check that GoogleBooksClient implements Client.
var _ Client = (*GoogleBooksClient)(nil)

func NewGoogleBooksClient(opts Options) *GoogleBooksClient {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = googleBooksBaseURL
	}
	size := opts.PageSize
	if size <= 0 {
		size = googleBooksPageSize
	}
	return &GoogleBooksClient{
		fetcher:  newFetcher(SourceGoogleBooks, opts),
		baseURL:  base,
		apiKey:   opts.APIKey,
		pageSize: min(size, googleBooksMaxPage),
	}
}

func (c *GoogleBooksClient) Name() string {
	return SourceGoogleBooks
}

// googleBooksResponse matches the Google Books API response structure.
type googleBooksResponse struct {
	TotalItems int               `json:"totalItems"`
	Items      []googleBooksItem `json:"items"`
}

type googleBooksItem struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		PublishedDate       string   `json:"publishedDate"`
		Description         string   `json:"description"`
		PageCount           int      `json:"pageCount"`
		Categories          []string `json:"categories"`
		Language            string   `json:"language"`
		AverageRating       float64  `json:"averageRating"`
		RatingsCount        int      `json:"ratingsCount"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks map[string]string `json:"imageLinks"`
	} `json:"volumeInfo"`
}

func (c *GoogleBooksClient) QueryByText(ctx context.Context, query string, limit int) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		query = strings.TrimSpace(query)
		if query == "" || limit <= 0 {
			return
		}
		yielded := 0
		for start := 0; yielded < limit; {
			if err := ctx.Err(); err != nil {
				yield(Candidate{}, err)
				return
			}
			size := min(c.pageSize, limit-yielded)
			var page googleBooksResponse
			if err := c.getJSON(ctx, c.pageURL(query, start, size), &page); err != nil {
				yield(Candidate{}, err)
				return
			}
			if len(page.Items) == 0 {
				return
			}
			for _, item := range page.Items {
				if !yield(item.toCandidate(), nil) {
					return
				}
				yielded++
				if yielded >= limit {
					return
				}
			}
			start += len(page.Items)
			if start >= page.TotalItems {
				return
			}
		}
	}
}

func (c *GoogleBooksClient) pageURL(query string, start, size int) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("startIndex", strconv.Itoa(start))
	v.Set("maxResults", strconv.Itoa(size))
	v.Set("printType", "books")
	if c.apiKey != "" {
		v.Set("key", c.apiKey)
	}
	return c.baseURL + "/volumes?" + v.Encode()
}

func (item googleBooksItem) toCandidate() Candidate {
	vol := item.VolumeInfo
	cand := Candidate{
		Source:        SourceGoogleBooks,
		ExternalID:    item.ID,
		Title:         vol.Title,
		Subtitle:      vol.Subtitle,
		Authors:       vol.Authors,
		Categories:    vol.Categories,
		Description:   vol.Description,
		PublishedDate: vol.PublishedDate,
		PageCount:     vol.PageCount,
		Language:      vol.Language,
		AverageRating: vol.AverageRating,
		RatingsCount:  vol.RatingsCount,
	}
	for _, id := range vol.IndustryIdentifiers {
		switch id.Type {
		case ISBN10, ISBN13:
			if cand.Identifiers == nil {
				cand.Identifiers = make(map[string]string, 2)
			}
			cand.Identifiers[id.Type] = NormalizeISBN(id.Identifier)
		}
	}
	if len(vol.ImageLinks) > 0 {
		cand.ImageLinks = make(map[string]string, len(vol.ImageLinks))
		for size, link := range vol.ImageLinks {
			cand.ImageLinks[size] = upgradeGoogleImage(link)
		}
	}
	return cand
}

// upgradeGoogleImage forces https and drops the page-curl effect.
func upgradeGoogleImage(link string) string {
	link = strings.Replace(link, "http://", "https://", 1)
	return strings.Replace(link, "&edge=curl", "", 1)
}
