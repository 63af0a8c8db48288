package search

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

	"github.com/aschepis/backscratcher/recall/index"
	"github.com/aschepis/backscratcher/recall/memory"
	"github.com/aschepis/backscratcher/recall/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// semanticEmbedder creates embeddings based on word content to simulate semantic similarity.
// Deterministic, no external services.
type semanticEmbedder struct {
	dimensions int
	fail       bool
}

func (e *semanticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding service unavailable")
	}
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

type searchFixture struct {
	store    *memory.Store
	keyword  *index.KeywordIndex
	vector   *index.VectorIndex
	writer   *index.Writer
	embedder *semanticEmbedder
}

func setupSearchFixture(t *testing.T) *searchFixture {
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

	store := memory.NewStore(db, zerolog.Nop())
	embedder := &semanticEmbedder{dimensions: 128}
	kw := index.NewKeywordIndex(db, zerolog.Nop())
	vec := index.NewVectorIndex(embedder, zerolog.Nop())
	return &searchFixture{
		store:    store,
		keyword:  kw,
		vector:   vec,
		writer:   index.NewWriter(store, kw, vec, zerolog.Nop()),
		embedder: embedder,
	}
}

func (f *searchFixture) seed(t *testing.T, cellID, msgID, sender, content string) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	if _, err := f.store.EnqueueMessage(ctx, memory.Message{
		ID: msgID, CreateTime: base, Sender: sender, Content: content,
	}); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	cell := memory.MemCell{
		ID: cellID, MessageID: msgID, Sender: sender, MessageTime: base,
		Scope: memory.Scope{UserID: sender}, Content: content,
		Confidence: 0.9, ContentHash: memory.HashContent(msgID, content), CreatedAt: base,
	}
	if _, err := f.store.InsertMemCells(ctx, []memory.MemCell{cell}); err != nil {
		t.Fatalf("InsertMemCells: %v", err)
	}
	if err := f.writer.IndexCell(ctx, cell); err != nil {
		t.Fatalf("IndexCell: %v", err)
	}
}

func TestOrchestrator_RRFFindsHybridMatch(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves playing basketball")
	f.seed(t, "c2", "m2", "alice", "alice dislikes rainy weather")

	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	set, err := o.Search(context.Background(), Query{
		Text:  "What sports does the user like? basketball",
		Scope: memory.Scope{UserID: "alice"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set.Mode != ModeRRF {
		t.Errorf("expected default mode rrf, got %s", set.Mode)
	}
	if len(set.Degraded) != 0 {
		t.Errorf("expected no degradation, got %v", set.Degraded)
	}
	if len(set.Results) == 0 {
		t.Fatal("expected results")
	}

	top := set.Results[0]
	if top.MemoryID != "c1" {
		t.Fatalf("expected c1 first, got %s", top.MemoryID)
	}
	if top.Content != "alice loves playing basketball" {
		t.Errorf("expected hydrated content, got %q", top.Content)
	}
	if len(top.MessageIDs) != 1 || top.MessageIDs[0] != "m1" {
		t.Errorf("expected message provenance m1, got %v", top.MessageIDs)
	}
	if len(top.Provenance.Branches) == 0 {
		t.Error("expected branch provenance")
	}
}

func TestOrchestrator_BM25Lightweight(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves basketball")

	// No model calls at all: break the embedder to prove it.
	f.embedder.fail = true

	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	set, err := o.Search(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
		Mode:  ModeBM25Lightweight,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(set.Results) != 1 || set.Results[0].MemoryID != "c1" {
		t.Fatalf("unexpected results: %+v", set.Results)
	}
	if set.Results[0].Provenance.KeywordRank != 1 {
		t.Errorf("expected keyword rank 1, got %d", set.Results[0].Provenance.KeywordRank)
	}
}

func TestOrchestrator_VectorFailureDegrades(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves basketball")

	// Vector branch fails at query time; keyword results still come back.
	f.embedder.fail = true

	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	set, err := o.Search(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
		Mode:  ModeRRF,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(set.Results) != 1 || set.Results[0].MemoryID != "c1" {
		t.Fatalf("expected keyword survivor, got %+v", set.Results)
	}
	if len(set.Degraded) != 1 || !strings.HasPrefix(set.Degraded[0], BranchVector) {
		t.Fatalf("expected vector degradation flag, got %v", set.Degraded)
	}
}

func TestOrchestrator_UnknownModeRejected(t *testing.T) {
	f := setupSearchFixture(t)
	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	if _, err := o.Search(context.Background(), Query{
		Text:  "anything",
		Scope: memory.Scope{UserID: "alice"},
		Mode:  Mode("cosine-only"),
	}); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}

type stubReranker struct {
	scores []float64
	err    error
}

func (r *stubReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.scores) >= len(docs) {
		return r.scores[:len(docs)], nil
	}
	return r.scores, nil
}

func TestOrchestrator_RerankReorders(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves basketball games")
	f.seed(t, "c2", "m2", "alice", "alice watches basketball highlights")

	// The reranker inverts whatever order fusion produced.
	rr := &stubReranker{scores: []float64{0.1, 0.9}}
	o := NewOrchestrator(f.store, f.keyword, f.vector, rr, DefaultConfig(), zerolog.Nop())
	set, err := o.Search(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
		Mode:  ModeRerank,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(set.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(set.Results))
	}
	if set.Results[0].Provenance.RerankScore != 0.9 {
		t.Errorf("expected rerank winner first, got %+v", set.Results[0].Provenance)
	}
}

func TestOrchestrator_RerankShortScoresFallBack(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves basketball games")
	f.seed(t, "c2", "m2", "alice", "alice watches basketball highlights")

	// A capability answering with too few scores is malformed output; the
	// fused order must survive it.
	rr := &stubReranker{scores: []float64{0.9}}
	o := NewOrchestrator(f.store, f.keyword, f.vector, rr, DefaultConfig(), zerolog.Nop())
	set, err := o.Search(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
		Mode:  ModeRerank,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(set.Results) != 2 {
		t.Fatalf("expected fused results kept, got %+v", set.Results)
	}
	for _, r := range set.Results {
		if r.Provenance.RerankScore != 0 {
			t.Errorf("no rerank score should be applied, got %+v", r.Provenance)
		}
	}
	found := false
	for _, d := range set.Degraded {
		if strings.HasPrefix(d, BranchRerank) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected rerank degradation flag, got %v", set.Degraded)
	}
}

func TestOrchestrator_RerankFailureFallsBack(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves basketball")

	rr := &stubReranker{err: errors.New("rerank model down")}
	o := NewOrchestrator(f.store, f.keyword, f.vector, rr, DefaultConfig(), zerolog.Nop())
	set, err := o.Search(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
		Mode:  ModeRerank,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(set.Results) != 1 {
		t.Fatalf("expected fused results kept, got %+v", set.Results)
	}
	found := false
	for _, d := range set.Degraded {
		if strings.HasPrefix(d, BranchRerank) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected rerank degradation flag, got %v", set.Degraded)
	}
}
