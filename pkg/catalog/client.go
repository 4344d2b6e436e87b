package catalog

import (
	"context"
	"errors"
	"iter"
)

var (
	ErrRateLimited = errors.New("catalog: rate limited")
	ErrUnavailable = errors.New("catalog: provider unavailable")
)

// Client is one external catalog. QueryByText yields candidates lazily, page
// by page: it stops fetching as soon as the consumer stops pulling, and it
// stops with ctx.Err() once ctx is done. An error is yielded once, last.
type Client interface {
	Name() string
	QueryByText(ctx context.Context, query string, limit int) iter.Seq2[Candidate, error]
}

// Collect pulls at most limit candidates from seq. Candidates gathered before
// an error are returned together with it.
func Collect(seq iter.Seq2[Candidate, error], limit int) ([]Candidate, error) {
	var out []Candidate
	if limit <= 0 {
		return out, nil
	}
	for c, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
