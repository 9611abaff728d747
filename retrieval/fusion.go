package retrieval

import (
	"sort"

	"github.com/halverson/tariffproof/store"
)

// fuseConvex combines dense and lexical result sets with a convex score:
// score = wd*dense + wl*lexical, each component normalized into [0,1]
// against the best score in its own set. Ties break toward the newer
// effective_start, then the larger lexical score, then the smaller chunk
// id — a total order, so fusion is deterministic for a given snapshot.
func fuseConvex(dense, lexical []store.RetrievalResult, wd, wl float64, k int) []store.RetrievalResult {
	type entry struct {
		result   store.RetrievalResult
		denseS   float64
		lexicalS float64
	}

	fused := make(map[int64]*entry)

	maxDense := maxScore(dense)
	for _, r := range dense {
		e, ok := fused[r.ChunkID]
		if !ok {
			e = &entry{result: r}
			fused[r.ChunkID] = e
		}
		e.denseS = clamp01(r.Score / maxDense)
	}

	maxLex := maxScore(lexical)
	for _, r := range lexical {
		e, ok := fused[r.ChunkID]
		if !ok {
			e = &entry{result: r}
			fused[r.ChunkID] = e
		}
		e.lexicalS = clamp01(r.LexicalScore / maxLex)
		e.result.LexicalScore = r.LexicalScore
	}

	entries := make([]*entry, 0, len(fused))
	for _, e := range fused {
		e.result.Score = wd*e.denseS + wl*e.lexicalS
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.result.Score != b.result.Score {
			return a.result.Score > b.result.Score
		}
		// Newer effective_start wins (ISO dates compare lexically).
		if a.result.EffectiveStart != b.result.EffectiveStart {
			return a.result.EffectiveStart > b.result.EffectiveStart
		}
		if a.result.LexicalScore != b.result.LexicalScore {
			return a.result.LexicalScore > b.result.LexicalScore
		}
		return a.result.ChunkID < b.result.ChunkID
	})

	if k > 0 && len(entries) > k {
		entries = entries[:k]
	}

	results := make([]store.RetrievalResult, len(entries))
	for i, e := range entries {
		results[i] = e.result
	}
	return results
}

func maxScore(rs []store.RetrievalResult) float64 {
	max := 0.0
	for _, r := range rs {
		s := r.Score
		if r.LexicalScore > s {
			s = r.LexicalScore
		}
		if s > max {
			max = s
		}
	}
	if max == 0 {
		return 1
	}
	return max
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
