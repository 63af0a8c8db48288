package search

import (
	"github.com/aschepis/backscratcher/recall/memory"
)

// Branch names used in provenance and degradation flags.
const (
	BranchKeyword = "keyword"
	BranchVector  = "vector"
	BranchRerank  = "rerank"
)

// Provenance records how a result earned its place. Ranks are 1-indexed;
// zero means the branch did not return the memory.
type Provenance struct {
	Branches    []string `json:"branches"`
	KeywordRank int      `json:"keyword_rank,omitempty"`
	VectorRank  int      `json:"vector_rank,omitempty"`
	FusedScore  float64  `json:"fused_score,omitempty"`
	RerankScore float64  `json:"rerank_score,omitempty"`
}

// Result is one retrieved memory with its originating message ids.
type Result struct {
	MemoryID   string      `json:"memory_id"`
	Kind       memory.Kind `json:"kind"`
	Content    string      `json:"content"`
	MessageIDs []string    `json:"message_ids,omitempty"`
	Score      float64     `json:"score"`
	Provenance Provenance  `json:"provenance"`
}

// ResultSet is a ranked answer. Degraded lists the branches that failed or
// timed out while the survivors still produced the results.
type ResultSet struct {
	Results  []Result `json:"results"`
	Mode     Mode     `json:"mode"`
	Degraded []string `json:"degraded,omitempty"`
}
