package index

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/recall/memory"
	"github.com/aschepis/backscratcher/recall/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// semanticEmbedder creates embeddings based on word content to simulate semantic similarity.
// Documents with overlapping words will have similar embeddings (high cosine similarity).
// This is deterministic and doesn't require external services, making it suitable for CI.
type semanticEmbedder struct {
	dimensions int
}

func (e *semanticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := strings.Fields(strings.ToLower(text))
	embedding := make([]float32, e.dimensions)
	if len(words) == 0 {
		return embedding, nil
	}

	for _, word := range words {
		h := fnv.New32a()
		if _, err := h.Write([]byte(word)); err != nil {
			return nil, err
		}
		hash := h.Sum32()
		for i := 0; i < 3; i++ {
			dim := int((hash + uint32(i)*2654435761) % uint32(e.dimensions)) // nolint:gosec // Test code
			embedding[dim] += float32(math.Sin(float64(hash+uint32(i))*0.1) + 1.0)
		}
	}

	var magnitude float32
	for _, val := range embedding {
		magnitude += val * val
	}
	magnitude = float32(math.Sqrt(float64(magnitude)))
	if magnitude > 0 {
		for i := range embedding {
			embedding[i] /= magnitude
		}
	}
	return embedding, nil
}

// flakyEmbedder fails until healed.
type flakyEmbedder struct {
	inner  *semanticEmbedder
	broken bool
}

func (e *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.broken {
		return nil, errors.New("embedding service unavailable")
	}
	return e.inner.Embed(ctx, text)
}

func setupTestStore(t *testing.T) *memory.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	migrationsPath := filepath.Join(cwd, "..", "migrations")
	if err := migrations.RunMigrations(db, migrationsPath, zerolog.Nop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return memory.NewStore(db, zerolog.Nop())
}

func seedCell(t *testing.T, store *memory.Store, id, msgID, sender, content string) memory.MemCell {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	if _, err := store.EnqueueMessage(ctx, memory.Message{
		ID: msgID, CreateTime: base, Sender: sender, Content: content,
	}); err != nil && !strings.Contains(err.Error(), "UNIQUE") {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	cell := memory.MemCell{
		ID: id, MessageID: msgID, Sender: sender, MessageTime: base,
		Scope: memory.Scope{UserID: sender}, Content: content,
		Confidence: 0.9, ContentHash: memory.HashContent(msgID, content), CreatedAt: base,
	}
	if _, err := store.InsertMemCells(ctx, []memory.MemCell{cell}); err != nil {
		t.Fatalf("InsertMemCells: %v", err)
	}
	return cell
}

func TestKeywordIndex_UpsertAndSearch(t *testing.T) {
	store := setupTestStore(t)
	kw := NewKeywordIndex(store.DB(), zerolog.Nop())
	ctx := context.Background()

	if err := kw.Upsert(ctx, "c1", memory.KindCell, "user:alice", "alice loves basketball"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := kw.Upsert(ctx, "c2", memory.KindCell, "user:alice", "alice dislikes rainy weather"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Other scope must not leak into alice's results.
	if err := kw.Upsert(ctx, "c3", memory.KindCell, "user:bob", "bob loves basketball too"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := kw.Search(ctx, "user:alice", "What sports does the user like? basketball", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected keyword hits")
	}
	if hits[0].MemoryID != "c1" {
		t.Errorf("expected c1 ranked first, got %s", hits[0].MemoryID)
	}
	for _, h := range hits {
		if h.MemoryID == "c3" {
			t.Error("scope filter leaked another user's memory")
		}
	}
}

func TestKeywordIndex_UpsertReplaces(t *testing.T) {
	store := setupTestStore(t)
	kw := NewKeywordIndex(store.DB(), zerolog.Nop())
	ctx := context.Background()

	if err := kw.Upsert(ctx, "e1", memory.KindEpisode, "user:alice", "sports: alice loves basketball"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := kw.Upsert(ctx, "e1", memory.KindEpisode, "user:alice", "cooking: alice bakes bread"); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}

	hits, err := kw.Search(ctx, "user:alice", "basketball", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("old content must be gone after re-index, got %+v", hits)
	}
	hits, err = kw.Search(ctx, "user:alice", "bread", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected replaced content to match, got %+v", hits)
	}
}

func TestVectorIndex_UpsertAndSearch(t *testing.T) {
	emb := &semanticEmbedder{dimensions: 128}
	vec := NewVectorIndex(emb, zerolog.Nop())
	ctx := context.Background()

	if err := vec.Upsert(ctx, "c1", memory.KindCell, "user:alice", "alice loves playing basketball"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := vec.Upsert(ctx, "c2", memory.KindCell, "user:alice", "alice dislikes rainy weather"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := vec.Search(ctx, "user:alice", "basketball playing sports", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected vector hits")
	}
	if hits[0].MemoryID != "c1" {
		t.Errorf("expected c1 most similar, got %s", hits[0].MemoryID)
	}

	// Unknown scope is empty, not an error.
	hits, err = vec.Search(ctx, "user:nobody", "anything", "", 10)
	if err != nil {
		t.Fatalf("Search empty scope: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %+v", hits)
	}
}

func TestWriter_PartialFailureAndBackfill(t *testing.T) {
	store := setupTestStore(t)
	emb := &flakyEmbedder{inner: &semanticEmbedder{dimensions: 128}, broken: true}
	kw := NewKeywordIndex(store.DB(), zerolog.Nop())
	vec := NewVectorIndex(emb, zerolog.Nop())
	w := NewWriter(store, kw, vec, zerolog.Nop())
	ctx := context.Background()

	cell := seedCell(t, store, "c1", "m1", "alice", "alice loves basketball")

	// Vector side is down: the keyword write must still land.
	if err := w.IndexCell(ctx, cell); err != nil {
		t.Fatalf("IndexCell: %v", err)
	}
	hits, err := kw.Search(ctx, "user:alice", "basketball", "", 10)
	if err != nil || len(hits) != 1 {
		t.Fatalf("expected surviving keyword hit, got %v err=%v", hits, err)
	}

	pending, err := store.PendingBackfill(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBackfill: %v", err)
	}
	if len(pending) != 1 || pending[0].VectorOK {
		t.Fatalf("expected vector gap recorded, got %+v", pending)
	}

	// Service recovers; backfill heals the gap.
	emb.broken = false
	healed, err := w.Backfill(ctx, 10)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if healed != 1 {
		t.Fatalf("expected 1 healed, got %d", healed)
	}

	vhits, err := vec.Search(ctx, "user:alice", "basketball", "", 10)
	if err != nil || len(vhits) != 1 {
		t.Fatalf("expected vector hit after backfill, got %v err=%v", vhits, err)
	}
	pending, err = store.PendingBackfill(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBackfill: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no gaps after backfill, got %+v", pending)
	}
}
