// Package capability defines the model capability contracts the memory
// pipeline depends on. Adapters live in subpackages; everything here is
// fallible, and timeouts/degradation are decided by callers.
package capability

import (
	"context"
	"math"
)

// Embedder produces an embedding vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces a text completion for a system + user prompt pair.
// Used for extraction, query refinement, and sufficiency judgement.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Reranker scores documents against a query, higher is more relevant.
// The returned slice is positional with the input documents.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// CosineSimilarity between two equal-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
