// Package docctx resolves the reading material a session is grounded on and
// renders it, together with the learner profile, into the generation system
// instruction.
//
// Ranking and chunking happen elsewhere; a [Resolver] only returns chunks
// that are already ranked.
package docctx

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Chunk is one pre-ranked excerpt of a context document.
type Chunk struct {
	DocumentID string
	Index      int
	Rank       float64
	Text       string
}

// Resolver fetches the ranked chunks of the given documents. Implementations
// must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, documentIDs []string) ([]Chunk, error)
}

var _ Resolver = (*Static)(nil)

// Static serves chunks from memory. The zero value resolves nothing.
type Static struct {
	mu     sync.RWMutex
	chunks map[string][]Chunk
}

// NewStatic returns a Static resolver holding chunks, grouped by document.
func NewStatic(chunks ...Chunk) *Static {
	s := &Static{chunks: make(map[string][]Chunk)}
	for _, c := range chunks {
		s.chunks[c.DocumentID] = append(s.chunks[c.DocumentID], c)
	}
	return s
}

// Resolve returns the chunks of documentIDs, best rank first.
func (s *Static) Resolve(_ context.Context, documentIDs []string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Chunk
	for _, id := range documentIDs {
		out = append(out, s.chunks[id]...)
	}
	sortByRank(out)
	return out, nil
}

func sortByRank(chunks []Chunk) {
	slices.SortStableFunc(chunks, func(a, b Chunk) int {
		if c := cmp.Compare(b.Rank, a.Rank); c != 0 {
			return c
		}
		if c := cmp.Compare(a.DocumentID, b.DocumentID); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
}
