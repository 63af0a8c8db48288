package runtime

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/recall/extract"
	"github.com/aschepis/backscratcher/recall/index"
	"github.com/aschepis/backscratcher/recall/integrate"
	"github.com/aschepis/backscratcher/recall/memory"
	"github.com/aschepis/backscratcher/recall/migrations"

	_ "github.com/mattn/go-sqlite3"
)

type fixedGenerator struct {
	response string
}

func (g *fixedGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	return g.response, nil
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1.0}, nil
}

func setupPipeline(t *testing.T, gen *fixedGenerator, cfg Config) (*Pipeline, *memory.Store) {
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

	logger := zerolog.Nop()
	store := memory.NewStore(db, logger)
	kw := index.NewKeywordIndex(db, logger)
	vec := index.NewVectorIndex(staticEmbedder{}, logger)
	writer := index.NewWriter(store, kw, vec, logger)
	extractor := extract.NewExtractor(gen, logger)
	integrator := integrate.NewIntegrator(store, nil, integrate.DefaultConfig(), logger)

	p, err := NewPipeline(store, extractor, integrator, writer, cfg, logger)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p, store
}

func enqueue(t *testing.T, store *memory.Store, id, content string) {
	t.Helper()
	if _, err := store.EnqueueMessage(context.Background(), memory.Message{
		ID: id, CreateTime: time.Unix(1700000000, 0), Sender: "alice", Content: content,
	}); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
}

func TestPipeline_ProcessesMessage(t *testing.T) {
	gen := &fixedGenerator{response: `{"facts": [{"content": "alice loves basketball", "confidence": 0.9}]}`}
	p, store := setupPipeline(t, gen, DefaultConfig())
	ctx := context.Background()

	enqueue(t, store, "m1", "I love basketball")
	p.Tick(ctx)

	state, err := store.MessageState(ctx, "m1")
	if err != nil {
		t.Fatalf("MessageState: %v", err)
	}
	if state.Status != memory.MessageStatusExtracted {
		t.Fatalf("expected extracted, got %s", state.Status)
	}
	if !state.Indexed {
		t.Fatal("expected message fully indexed after one tick")
	}

	cells, err := store.CellsByMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("CellsByMessage: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}
}

func TestPipeline_MalformedOutputRetriesThenFails(t *testing.T) {
	gen := &fixedGenerator{response: `this is not json at all {{{`}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.BaseBackoff = time.Millisecond
	p, store := setupPipeline(t, gen, cfg)
	ctx := context.Background()

	enqueue(t, store, "m1", "garbled input")

	p.Tick(ctx)
	state, err := store.MessageState(ctx, "m1")
	if err != nil {
		t.Fatalf("MessageState: %v", err)
	}
	if state.Status != memory.MessageStatusPending || state.Attempts != 1 {
		t.Fatalf("expected first failure deferred, got %+v", state)
	}

	time.Sleep(5 * time.Millisecond)
	p.Tick(ctx)

	state, err = store.MessageState(ctx, "m1")
	if err != nil {
		t.Fatalf("MessageState: %v", err)
	}
	if state.Status != memory.MessageStatusFailed {
		t.Fatalf("expected failed after max attempts, got %+v", state)
	}
	if state.LastError == "" {
		t.Error("expected cause recorded on the failed message")
	}
}

func TestPipeline_RerunIsIdempotent(t *testing.T) {
	gen := &fixedGenerator{response: `{"facts": [{"content": "alice loves basketball", "confidence": 0.9}]}`}
	p, store := setupPipeline(t, gen, DefaultConfig())
	ctx := context.Background()

	enqueue(t, store, "m1", "I love basketball")
	p.Tick(ctx)
	p.Tick(ctx) // extra ticks must not duplicate anything

	cells, err := store.CellsByMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("CellsByMessage: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell after reruns, got %d", len(cells))
	}

	open, err := store.OpenEpisodes(ctx, memory.Scope{UserID: "alice"}, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("OpenEpisodes: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 episode after reruns, got %d", len(open))
	}
}
