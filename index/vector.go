package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/recall/capability"
	"github.com/aschepis/backscratcher/recall/memory"
)

// VectorHit is one nearest-neighbour match, similarity in [0,1].
type VectorHit struct {
	MemoryID   string
	Kind       memory.Kind
	Similarity float32
}

// VectorIndex maintains the embedding projection in chromem, one collection
// per memory scope so personal and shared memories never cross-match.
type VectorIndex struct {
	db       *chromem.DB
	embedder capability.Embedder
	mu       sync.Mutex
	logger   zerolog.Logger
}

func NewVectorIndex(embedder capability.Embedder, logger zerolog.Logger) *VectorIndex {
	return &VectorIndex{
		db:       chromem.NewDB(),
		embedder: embedder,
		logger:   logger.With().Str("component", "vector_index").Logger(),
	}
}

// NewPersistentVectorIndex stores vectors under dir so the embedding
// projection survives restarts. Collections are reloaded on open.
func NewPersistentVectorIndex(dir string, embedder capability.Embedder, logger zerolog.Logger) (*VectorIndex, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector store %q: %w", dir, err)
	}
	return &VectorIndex{
		db:       db,
		embedder: embedder,
		logger:   logger.With().Str("component", "vector_index").Logger(),
	}, nil
}

func (v *VectorIndex) collection(scopeKey string) (*chromem.Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if col := v.db.GetCollection(scopeKey, nil); col != nil {
		return col, nil
	}
	col, err := v.db.CreateCollection(scopeKey, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", scopeKey, err)
	}
	return col, nil
}

// Upsert embeds the content and stores it under the memory id. Re-adding the
// same id replaces the previous document.
func (v *VectorIndex) Upsert(ctx context.Context, memoryID string, kind memory.Kind, scopeKey, content string) error {
	emb, err := v.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed content: %w", err)
	}
	col, err := v.collection(scopeKey)
	if err != nil {
		return err
	}
	if err := col.AddDocument(ctx, chromem.Document{
		ID:        memoryID,
		Content:   content,
		Embedding: emb,
		Metadata:  map[string]string{"kind": string(kind)},
	}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	v.logger.Debug().
		Str("memory_id", memoryID).
		Str("scope", scopeKey).
		Msg("Upsert: vector stored")
	return nil
}

// Delete removes a memory id from its scope's collection.
func (v *VectorIndex) Delete(ctx context.Context, scopeKey, memoryID string) error {
	col := v.db.GetCollection(scopeKey, nil)
	if col == nil {
		return nil
	}
	return col.Delete(ctx, nil, nil, memoryID)
}

// Search embeds the query and returns nearest neighbours, most similar
// first. kind narrows to cells or episodes when non-empty.
func (v *VectorIndex) Search(ctx context.Context, scopeKey, query string, kind memory.Kind, limit int) ([]VectorHit, error) {
	col := v.db.GetCollection(scopeKey, nil)
	if col == nil || col.Count() == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > col.Count() {
		limit = col.Count()
	}

	emb, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var where map[string]string
	if kind != "" {
		where = map[string]string{"kind": string(kind)}
	}
	results, err := col.QueryEmbedding(ctx, emb, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	hits := make([]VectorHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, VectorHit{
			MemoryID:   r.ID,
			Kind:       memory.Kind(r.Metadata["kind"]),
			Similarity: r.Similarity,
		})
	}
	v.logger.Debug().
		Str("scope", scopeKey).
		Int("hits", len(hits)).
		Msg("Search: vector results")
	return hits, nil
}
