package search

import (
	"github.com/zoff-tech/bookfinder/pkg/ranking"
)

// deduper collapses scored books that share any identity key (local id,
// ISBN-13 or source:externalId). Entries joined through different keys are
// merged transitively.
type deduper struct {
	items  []ranking.ScoredBook
	parent []int
	index  map[string]int
	alive  int
}

func newDeduper() *deduper {
	return &deduper{index: make(map[string]int)}
}

func (d *deduper) find(i int) int {
	for d.parent[i] != i {
		d.parent[i] = d.parent[d.parent[i]]
		i = d.parent[i]
	}
	return i
}

func (d *deduper) add(sb ranking.ScoredBook) {
	keys := ranking.Keys(sb.Book)
	if len(keys) == 0 {
		keys = []string{sb.Key()}
	}

	target := -1
	for _, k := range keys {
		i, ok := d.index[k]
		if !ok {
			continue
		}
		i = d.find(i)
		switch {
		case target == -1:
			target = i
		case i != target:
			d.items[target] = ranking.Merge(d.items[target], d.items[i])
			d.parent[i] = target
			d.alive--
		}
	}

	if target == -1 {
		target = len(d.items)
		d.items = append(d.items, sb)
		d.parent = append(d.parent, target)
		d.alive++
	} else {
		d.items[target] = ranking.Merge(d.items[target], sb)
	}
	for _, k := range append(keys, ranking.Keys(d.items[target].Book)...) {
		d.index[k] = target
	}
}

func (d *deduper) len() int {
	return d.alive
}

// list returns the merged entries in first-seen order.
func (d *deduper) list() []ranking.ScoredBook {
	out := make([]ranking.ScoredBook, 0, d.alive)
	for i, sb := range d.items {
		if d.parent[i] == i {
			out = append(out, sb)
		}
	}
	return out
}
