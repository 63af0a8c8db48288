package search

import "sort"

// fusedEntry is one memory id after reciprocal rank fusion. Ranks are
// 1-indexed, zero when the branch did not return the id.
type fusedEntry struct {
	id          string
	score       float64
	keywordRank int
	vectorRank  int
}

// rrfFuse merges two ranked id lists with reciprocal rank fusion:
// score(id) = sum over branches of 1/(k+rank). Ties break toward the id
// with the earlier keyword rank, then toward the lexically smaller id, so
// the ordering is fully deterministic for fixed inputs.
func rrfFuse(keywordIDs, vectorIDs []string, k int) []fusedEntry {
	if k <= 0 {
		k = 60
	}
	entries := make(map[string]*fusedEntry)
	for i, id := range keywordIDs {
		rank := i + 1
		e, ok := entries[id]
		if !ok {
			e = &fusedEntry{id: id}
			entries[id] = e
		}
		e.keywordRank = rank
		e.score += 1.0 / float64(k+rank)
	}
	for i, id := range vectorIDs {
		rank := i + 1
		e, ok := entries[id]
		if !ok {
			e = &fusedEntry{id: id}
			entries[id] = e
		}
		e.vectorRank = rank
		e.score += 1.0 / float64(k+rank)
	}

	out := make([]fusedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if ar, br := effectiveRank(a.keywordRank), effectiveRank(b.keywordRank); ar != br {
			return ar < br
		}
		return a.id < b.id
	})
	return out
}

// effectiveRank treats "absent from the keyword list" as ranked last.
func effectiveRank(rank int) int {
	if rank == 0 {
		return int(^uint(0) >> 1)
	}
	return rank
}
