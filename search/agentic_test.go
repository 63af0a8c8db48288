package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/recall/memory"
)

// queueGenerator hands out scripted refinement queries.
type queueGenerator struct {
	queries []string
	calls   int
}

func (g *queueGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	if g.calls >= len(g.queries) {
		return "NONE", nil
	}
	q := g.queries[g.calls]
	g.calls++
	return q, nil
}

func TestRecall_RoundCapGuaranteesTermination(t *testing.T) {
	f := setupSearchFixture(t)
	// Every round finds something new, so the marginal-rate signal never
	// declares sufficiency and only the cap can stop the loop.
	f.seed(t, "c1", "m1", "alice", "alice loves basketball")
	f.seed(t, "c2", "m2", "alice", "alice trains every tuesday evening")
	f.seed(t, "c3", "m3", "alice", "alice bought new running shoes")
	// Keyword-only rounds keep the per-round result sets disjoint; the
	// vector branch would return every neighbour and mask the marginal rate.
	f.embedder.fail = true

	gen := &queueGenerator{queries: []string{
		"tuesday training schedule",
		"running shoes",
		"this query is never reached",
	}}
	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	r := NewRecaller(o, gen, RecallConfig{MaxRounds: 3, SufficiencyRatio: 0.25}, zerolog.Nop())

	res, err := r.Recall(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
	})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(res.Trace.Rounds) != 3 {
		t.Fatalf("expected exactly 3 rounds, got %d", len(res.Trace.Rounds))
	}
	if res.Trace.StoppedBy != "round-cap" {
		t.Errorf("expected round-cap stop, got %s", res.Trace.StoppedBy)
	}
	if res.Trace.Sufficient {
		t.Error("never-sufficient signal must not be reported sufficient")
	}
}

func TestRecall_StopsWhenMarginalRateDrops(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves basketball")
	f.seed(t, "c2", "m2", "alice", "alice watches basketball games")

	// The refinement re-covers the same ground, so round two finds nothing
	// new and the loop stops well before the cap.
	gen := &queueGenerator{queries: []string{"basketball games"}}
	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	r := NewRecaller(o, gen, RecallConfig{MaxRounds: 5, SufficiencyRatio: 0.25}, zerolog.Nop())

	res, err := r.Recall(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
	})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if res.Trace.StoppedBy != "sufficient" {
		t.Fatalf("expected sufficient stop, got %s (rounds=%d)", res.Trace.StoppedBy, len(res.Trace.Rounds))
	}
	if len(res.Trace.Rounds) >= 5 {
		t.Errorf("expected early stop, ran %d rounds", len(res.Trace.Rounds))
	}
}

func TestRecall_NoGeneratorStopsAfterAssessment(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves basketball")

	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	r := NewRecaller(o, nil, DefaultRecallConfig(), zerolog.Nop())

	res, err := r.Recall(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
	})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(res.Trace.Rounds) != 1 {
		t.Fatalf("expected a single round without a refiner, got %d", len(res.Trace.Rounds))
	}
	if res.Trace.StoppedBy != "no-refinement" {
		t.Errorf("expected no-refinement stop, got %s", res.Trace.StoppedBy)
	}
	if len(res.Results) != 1 {
		t.Errorf("expected accumulated results returned, got %d", len(res.Results))
	}
}

func TestRecall_DuplicateRefinementTerminates(t *testing.T) {
	f := setupSearchFixture(t)
	// Nothing indexed: every round returns zero results, sufficiency never
	// triggers, and the generator keeps proposing the original query.
	gen := &queueGenerator{queries: []string{"basketball", "basketball"}}
	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	r := NewRecaller(o, gen, RecallConfig{MaxRounds: 10, SufficiencyRatio: 0.25}, zerolog.Nop())

	res, err := r.Recall(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
	})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if res.Trace.StoppedBy != "no-refinement" {
		t.Errorf("expected no-refinement stop on duplicate sub-query, got %s", res.Trace.StoppedBy)
	}
	if len(res.Trace.Rounds) != 1 {
		t.Errorf("expected 1 round, got %d", len(res.Trace.Rounds))
	}
}

func TestRecall_MergesDuplicatesAcrossRounds(t *testing.T) {
	f := setupSearchFixture(t)
	f.seed(t, "c1", "m1", "alice", "alice loves basketball")
	f.seed(t, "c2", "m2", "alice", "alice trains on tuesdays")

	gen := &queueGenerator{queries: []string{"basketball tuesdays training"}}
	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	r := NewRecaller(o, gen, RecallConfig{MaxRounds: 2, SufficiencyRatio: 0.25}, zerolog.Nop())

	res, err := r.Recall(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
	})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	seen := map[string]int{}
	for _, result := range res.Results {
		seen[result.MemoryID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("memory %s appears %d times; accumulation must dedup", id, n)
		}
	}
}

func TestRecall_RejectsLightweightMode(t *testing.T) {
	f := setupSearchFixture(t)
	o := NewOrchestrator(f.store, f.keyword, f.vector, nil, DefaultConfig(), zerolog.Nop())
	r := NewRecaller(o, nil, DefaultRecallConfig(), zerolog.Nop())

	if _, err := r.Recall(context.Background(), Query{
		Text:  "basketball",
		Scope: memory.Scope{UserID: "alice"},
		Mode:  ModeBM25Lightweight,
	}); err == nil {
		t.Fatal("expected lightweight mode to be rejected for recall")
	}
}

func ExampleParseMode() {
	m, _ := ParseMode("")
	fmt.Println(m)
	// Output: rrf
}
