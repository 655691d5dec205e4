package retrieval

import (
	"sort"
)

const DefaultRRFK = 60

// Fuse merges the vector and keyword lists with Reciprocal Rank Fusion. An
// item at zero based rank r contributes 1/(k+r+1) per list it appears in.
// Equal scores keep first-encounter order, vector list first, so the output
// is fully determined by the inputs.
func Fuse(vector, keyword []Hit, k int) []SearchResult {
	if k <= 0 {
		k = DefaultRRFK
	}

	index := make(map[string]int, len(vector)+len(keyword))
	results := make([]SearchResult, 0, len(vector)+len(keyword))

	add := func(hits []Hit, origin Origin) {
		for rank, h := range hits {
			score := 1.0 / float64(k+rank+1)
			if i, ok := index[h.ChunkID]; ok {
				results[i].Score += score
				if results[i].Origin != origin {
					results[i].Origin = OriginBoth
				}
				continue
			}
			index[h.ChunkID] = len(results)
			results = append(results, SearchResult{
				ChunkID:    h.ChunkID,
				SourceID:   h.SourceID,
				SourceType: h.SourceType,
				Content:    h.Content,
				ChunkIndex: h.ChunkIndex,
				Metadata:   h.Metadata,
				Score:      score,
				Origin:     origin,
			})
		}
	}
	add(vector, OriginVector)
	add(keyword, OriginKeyword)

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}
