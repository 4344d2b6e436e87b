package catalog

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
)

const (
	openLibraryBaseURL   = "https://openlibrary.org"
	openLibraryCoversURL = "https://covers.openlibrary.org"
	openLibraryPageSize  = 20
	openLibraryFields    = "key,title,subtitle,author_name,first_publish_year,isbn,cover_i,subject,number_of_pages_median,language,ratings_average,ratings_count"
)

// OpenLibraryClient queries the Open Library search API.
type OpenLibraryClient struct {
	fetcher
	baseURL   string
	coversURL string
	pageSize  int
}

// Compile-time check that OpenLibraryClient implements Client.
var _ Client = (*OpenLibraryClient)(nil)

// NewOpenLibraryClient builds a client; coversURL overrides the cover host (tests).
func NewOpenLibraryClient(opts Options, coversURL string) *OpenLibraryClient {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = openLibraryBaseURL
	}
	if coversURL == "" {
		coversURL = openLibraryCoversURL
	}
	size := opts.PageSize
	if size <= 0 {
		size = openLibraryPageSize
	}
	return &OpenLibraryClient{
		fetcher:   newFetcher(SourceOpenLibrary, opts),
		baseURL:   base,
		coversURL: strings.TrimRight(coversURL, "/"),
		pageSize:  size,
	}
}

func (c *OpenLibraryClient) Name() string {
	return SourceOpenLibrary
}

type openLibrarySearchResponse struct {
	NumFound int              `json:"numFound"`
	Docs     []openLibraryDoc `json:"docs"`
}

type openLibraryDoc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	ISBN             []string `json:"isbn"`
	CoverID          int      `json:"cover_i"`
	Subject          []string `json:"subject"`
	Pages            int      `json:"number_of_pages_median"`
	Language         []string `json:"language"`
	RatingsAverage   float64  `json:"ratings_average"`
	RatingsCount     int      `json:"ratings_count"`
}

// QueryByText pages through search.json; Open Library pages are 1-based.
func (c *OpenLibraryClient) QueryByText(ctx context.Context, query string, limit int) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		query = strings.TrimSpace(query)
		if query == "" || limit <= 0 {
			return
		}
		size := min(c.pageSize, limit)
		yielded := 0
		for page := 1; yielded < limit; page++ {
			if err := ctx.Err(); err != nil {
				yield(Candidate{}, err)
				return
			}
			var resp openLibrarySearchResponse
			if err := c.getJSON(ctx, c.pageURL(query, page, size), &resp); err != nil {
				yield(Candidate{}, err)
				return
			}
			if len(resp.Docs) == 0 {
				return
			}
			for _, doc := range resp.Docs {
				if !yield(c.toCandidate(doc), nil) {
					return
				}
				yielded++
				if yielded >= limit {
					return
				}
			}
			if page*size >= resp.NumFound {
				return
			}
		}
	}
}

func (c *OpenLibraryClient) pageURL(query string, page, size int) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("page", strconv.Itoa(page))
	v.Set("limit", strconv.Itoa(size))
	v.Set("fields", openLibraryFields)
	return c.baseURL + "/search.json?" + v.Encode()
}

func (c *OpenLibraryClient) toCandidate(doc openLibraryDoc) Candidate {
	cand := Candidate{
		Source:        SourceOpenLibrary,
		ExternalID:    strings.TrimPrefix(doc.Key, "/works/"),
		Title:         doc.Title,
		Subtitle:      doc.Subtitle,
		Authors:       doc.AuthorName,
		PageCount:     doc.Pages,
		AverageRating: doc.RatingsAverage,
		RatingsCount:  doc.RatingsCount,
	}
	if doc.FirstPublishYear > 0 {
		cand.PublishedDate = strconv.Itoa(doc.FirstPublishYear)
	}
	if len(doc.Subject) > 0 {
		cand.Categories = doc.Subject[:min(len(doc.Subject), 5)]
	}
	if len(doc.Language) > 0 {
		cand.Language = doc.Language[0]
	}
	for _, raw := range doc.ISBN {
		isbn := NormalizeISBN(raw)
		kind := ""
		switch len(isbn) {
		case 13:
			kind = ISBN13
		case 10:
			kind = ISBN10
		}
		if kind == "" || cand.Identifiers[kind] != "" {
			continue
		}
		if cand.Identifiers == nil {
			cand.Identifiers = make(map[string]string, 2)
		}
		cand.Identifiers[kind] = isbn
	}
	if doc.CoverID > 0 {
		cand.ImageLinks = map[string]string{
			"large":     c.coverURL(doc.CoverID, "L"),
			"medium":    c.coverURL(doc.CoverID, "M"),
			"thumbnail": c.coverURL(doc.CoverID, "S"),
		}
	}
	return cand
}

func (c *OpenLibraryClient) coverURL(id int, size string) string {
	return fmt.Sprintf("%s/b/id/%d-%s.jpg", c.coversURL, id, size)
}
