// Package memory keeps chunks and tags in process memory. It backs the
// "memory" store setting and the tests of the retrieval core.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"hybridrag/src/core/retrieval"
)

// ChunkStore is a brute force retrieval.ChunkStore.
type ChunkStore struct {
	mu      sync.RWMutex
	sources map[retrieval.SourceKey][]retrieval.Chunk
	order   []retrieval.SourceKey
}

func NewChunkStore() *ChunkStore {
	return &ChunkStore{sources: make(map[retrieval.SourceKey][]retrieval.Chunk)}
}

func (s *ChunkStore) ReplaceChunks(_ context.Context, key retrieval.SourceKey, chunks []retrieval.Chunk) error {
	cp := make([]retrieval.Chunk, len(chunks))
	for i, c := range chunks {
		c.Metadata = c.Metadata.Clone()
		c.Embedding = append(retrieval.Vector(nil), c.Embedding...)
		cp[i] = c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[key]; !ok {
		s.order = append(s.order, key)
	}
	s.sources[key] = cp
	return nil
}

func (s *ChunkStore) DeleteSource(_ context.Context, key retrieval.SourceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[key]; !ok {
		return nil
	}
	delete(s.sources, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Chunks returns a copy of the stored chunk set of key.
func (s *ChunkStore) Chunks(key retrieval.SourceKey) []retrieval.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]retrieval.Chunk(nil), s.sources[key]...)
}

// Len returns the number of stored chunks across all sources.
func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, chunks := range s.sources {
		n += len(chunks)
	}
	return n
}

type scored struct {
	chunk retrieval.Chunk
	score float64
}

func (s *ChunkStore) NearestNeighbors(_ context.Context, vector retrieval.Vector, filters retrieval.Filters, limit int) ([]retrieval.Hit, error) {
	var candidates []scored
	s.each(filters, func(c retrieval.Chunk) {
		if len(c.Embedding) == 0 {
			return
		}
		candidates = append(candidates, scored{chunk: c, score: retrieval.CosineDistance(vector, c.Embedding)})
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})
	return toHits(candidates, limit), nil
}

// LexicalSearch ranks chunks by the number of distinct query terms they
// contain, then by term frequency. A verbatim occurrence of the whole query
// outranks any partial match.
func (s *ChunkStore) LexicalSearch(_ context.Context, text string, filters retrieval.Filters, limit int) ([]retrieval.Hit, error) {
	terms := tokenize(text)
	if len(terms) == 0 {
		return nil, nil
	}
	phrase := strings.ToLower(strings.TrimSpace(text))
	unique := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		unique[t] = struct{}{}
	}

	var candidates []scored
	s.each(filters, func(c retrieval.Chunk) {
		freq := make(map[string]int)
		for _, t := range tokenize(c.Content) {
			freq[t]++
		}
		var matched, total int
		for t := range unique {
			if n := freq[t]; n > 0 {
				matched++
				total += n
			}
		}
		if matched == 0 {
			return
		}
		score := float64(matched) + float64(total)/float64(total+1)
		if strings.Contains(strings.ToLower(c.Content), phrase) {
			score += float64(len(unique) + 1)
		}
		candidates = append(candidates, scored{chunk: c, score: score})
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return toHits(candidates, limit), nil
}

// each visits matching chunks in insertion order of their source, then by
// chunk index.
func (s *ChunkStore) each(filters retrieval.Filters, fn func(retrieval.Chunk)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.order {
		if !matchesType(filters.SourceTypes, key.SourceType) {
			continue
		}
		for _, c := range s.sources[key] {
			if filters.OwnerID != "" && c.OwnerID != filters.OwnerID {
				continue
			}
			fn(c)
		}
	}
}

func matchesType(types []retrieval.SourceType, t retrieval.SourceType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func toHits(candidates []scored, limit int) []retrieval.Hit {
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	hits := make([]retrieval.Hit, len(candidates))
	for i, c := range candidates {
		hits[i] = retrieval.Hit{
			ChunkID:    c.chunk.ID,
			SourceID:   c.chunk.SourceID,
			SourceType: c.chunk.SourceType,
			Content:    c.chunk.Content,
			ChunkIndex: c.chunk.ChunkIndex,
			Metadata:   c.chunk.Metadata.Clone(),
		}
	}
	return hits
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
