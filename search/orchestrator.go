// Package search answers natural-language queries against the memory
// indexes: hybrid keyword+vector retrieval with RRF fusion, an optional
// rerank pass, and a bounded multi-round recall loop.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/recall/capability"
	"github.com/aschepis/backscratcher/recall/index"
	"github.com/aschepis/backscratcher/recall/memory"
)

// Config tunes retrieval. Zero values fall back to defaults.
type Config struct {
	RRFK             int           `yaml:"rrf_k"`
	BranchTimeout    time.Duration `yaml:"branch_timeout"`
	Limit            int           `yaml:"limit"`
	RerankCandidates int           `yaml:"rerank_candidates"`
}

func DefaultConfig() Config {
	return Config{
		RRFK:             60,
		BranchTimeout:    3 * time.Second,
		Limit:            10,
		RerankCandidates: 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RRFK <= 0 {
		c.RRFK = d.RRFK
	}
	if c.BranchTimeout <= 0 {
		c.BranchTimeout = d.BranchTimeout
	}
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.RerankCandidates <= 0 {
		c.RerankCandidates = d.RerankCandidates
	}
	return c
}

// Query is one retrieval request. Kind narrows to cells or episodes when
// non-empty.
type Query struct {
	Text  string
	Scope memory.Scope
	Kind  memory.Kind
	Mode  Mode
	Limit int
}

// Orchestrator coordinates the retrieval branches and fuses their output.
type Orchestrator struct {
	store    *memory.Store
	keyword  *index.KeywordIndex
	vector   *index.VectorIndex
	reranker capability.Reranker // optional; rerank mode degrades without it
	cfg      Config
	logger   zerolog.Logger
}

func NewOrchestrator(store *memory.Store, keyword *index.KeywordIndex, vector *index.VectorIndex,
	reranker capability.Reranker, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		keyword:  keyword,
		vector:   vector,
		reranker: reranker,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "search_orchestrator").Logger(),
	}
}

// Search runs one retrieval in the requested mode. The result ordering is
// deterministic for fixed index contents.
func (o *Orchestrator) Search(ctx context.Context, q Query) (*ResultSet, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, errors.New("search: query text is empty")
	}
	mode, err := ParseMode(string(q.Mode))
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = o.cfg.Limit
	}

	o.logger.Debug().
		Str("scope", q.Scope.Key()).
		Str("mode", string(mode)).
		Str("query", q.Text).
		Msg("Search: begin")

	switch mode {
	case ModeBM25Lightweight:
		return o.searchBM25(ctx, q, limit)
	case ModeRRF:
		return o.searchFused(ctx, q, limit, false)
	case ModeRerank:
		return o.searchFused(ctx, q, limit, true)
	default:
		return nil, fmt.Errorf("unknown retrieval mode %q", mode)
	}
}

func (o *Orchestrator) searchBM25(ctx context.Context, q Query, limit int) (*ResultSet, error) {
	hits, err := o.keyword.Search(ctx, q.Scope.Key(), q.Text, q.Kind, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for i, h := range hits {
		results = append(results, Result{
			MemoryID: h.MemoryID,
			Kind:     h.Kind,
			Score:    h.Score,
			Provenance: Provenance{
				Branches:    []string{BranchKeyword},
				KeywordRank: i + 1,
			},
		})
	}
	if err := o.hydrate(ctx, results); err != nil {
		return nil, err
	}
	return &ResultSet{Results: results, Mode: ModeBM25Lightweight}, nil
}

type branchOutput struct {
	ids   []string
	kinds map[string]memory.Kind
	err   error
}

func (o *Orchestrator) searchFused(ctx context.Context, q Query, limit int, rerank bool) (*ResultSet, error) {
	// Over-fetch per branch so fusion has candidates beyond the final cut.
	fetch := limit * 3
	if rerank && fetch < o.cfg.RerankCandidates {
		fetch = o.cfg.RerankCandidates
	}

	var (
		wg       sync.WaitGroup
		kwOut    branchOutput
		vecOut   branchOutput
		scopeKey = q.Scope.Key()
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		bctx, cancel := context.WithTimeout(ctx, o.cfg.BranchTimeout)
		defer cancel()
		hits, err := o.keyword.Search(bctx, scopeKey, q.Text, q.Kind, fetch)
		if err != nil {
			kwOut.err = err
			return
		}
		kwOut.kinds = make(map[string]memory.Kind, len(hits))
		for _, h := range hits {
			kwOut.ids = append(kwOut.ids, h.MemoryID)
			kwOut.kinds[h.MemoryID] = h.Kind
		}
	}()
	go func() {
		defer wg.Done()
		bctx, cancel := context.WithTimeout(ctx, o.cfg.BranchTimeout)
		defer cancel()
		hits, err := o.vector.Search(bctx, scopeKey, q.Text, q.Kind, fetch)
		if err != nil {
			vecOut.err = err
			return
		}
		vecOut.kinds = make(map[string]memory.Kind, len(hits))
		for _, h := range hits {
			vecOut.ids = append(vecOut.ids, h.MemoryID)
			vecOut.kinds[h.MemoryID] = h.Kind
		}
	}()
	wg.Wait()

	var degraded []string
	if kwOut.err != nil {
		o.logger.Warn().Err(kwOut.err).Msg("Search: keyword branch failed, degrading")
		degraded = append(degraded, fmt.Sprintf("%s: %v", BranchKeyword, kwOut.err))
	}
	if vecOut.err != nil {
		o.logger.Warn().Err(vecOut.err).Msg("Search: vector branch failed, degrading")
		degraded = append(degraded, fmt.Sprintf("%s: %v", BranchVector, vecOut.err))
	}
	if kwOut.err != nil && vecOut.err != nil {
		return nil, fmt.Errorf("search: all branches failed: keyword: %v; vector: %v", kwOut.err, vecOut.err)
	}

	fusedEntries := rrfFuse(kwOut.ids, vecOut.ids, o.cfg.RRFK)

	results := make([]Result, 0, len(fusedEntries))
	for _, e := range fusedEntries {
		kind, ok := kwOut.kinds[e.id]
		if !ok {
			kind = vecOut.kinds[e.id]
		}
		prov := Provenance{
			KeywordRank: e.keywordRank,
			VectorRank:  e.vectorRank,
			FusedScore:  e.score,
		}
		if e.keywordRank > 0 {
			prov.Branches = append(prov.Branches, BranchKeyword)
		}
		if e.vectorRank > 0 {
			prov.Branches = append(prov.Branches, BranchVector)
		}
		results = append(results, Result{
			MemoryID:   e.id,
			Kind:       kind,
			Score:      e.score,
			Provenance: prov,
		})
	}

	if rerank {
		results, degraded = o.rerank(ctx, q.Text, results, degraded)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	if err := o.hydrate(ctx, results); err != nil {
		return nil, err
	}

	mode := ModeRRF
	if rerank {
		mode = ModeRerank
	}
	o.logger.Info().
		Str("scope", scopeKey).
		Str("mode", string(mode)).
		Int("results", len(results)).
		Strs("degraded", degraded).
		Msg("Search: done")
	return &ResultSet{Results: results, Mode: mode, Degraded: degraded}, nil
}

// hydrate loads content and message provenance for each result.
func (o *Orchestrator) hydrate(ctx context.Context, results []Result) error {
	cellIDs := lo.FilterMap(results, func(r Result, _ int) (string, bool) {
		return r.MemoryID, r.Kind == memory.KindCell
	})
	episodeIDs := lo.FilterMap(results, func(r Result, _ int) (string, bool) {
		return r.MemoryID, r.Kind == memory.KindEpisode
	})

	cells, err := o.store.Cells(ctx, cellIDs)
	if err != nil {
		return fmt.Errorf("hydrate cells: %w", err)
	}
	episodes, err := o.store.Episodes(ctx, episodeIDs)
	if err != nil {
		return fmt.Errorf("hydrate episodes: %w", err)
	}

	// Episode provenance resolves through member cells to their messages.
	var memberIDs []string
	for _, ep := range episodes {
		memberIDs = append(memberIDs, ep.CellIDs...)
	}
	members, err := o.store.Cells(ctx, memberIDs)
	if err != nil {
		return fmt.Errorf("hydrate episode members: %w", err)
	}

	for i := range results {
		switch results[i].Kind {
		case memory.KindCell:
			if cell, ok := cells[results[i].MemoryID]; ok {
				results[i].Content = cell.Content
				results[i].MessageIDs = []string{cell.MessageID}
			}
		case memory.KindEpisode:
			if ep, ok := episodes[results[i].MemoryID]; ok {
				results[i].Content = ep.Summary
				msgIDs := lo.FilterMap(ep.CellIDs, func(cid string, _ int) (string, bool) {
					cell, ok := members[cid]
					return cell.MessageID, ok
				})
				results[i].MessageIDs = lo.Uniq(msgIDs)
			}
		}
	}
	return nil
}

// rerank reorders the top candidates with the rerank capability. Failure is
// never fatal: the fused order stands and the degradation is flagged. Equal
// rerank scores keep fused order (the sort is stable).
func (o *Orchestrator) rerank(ctx context.Context, query string, results []Result, degraded []string) ([]Result, []string) {
	if len(results) == 0 {
		return results, degraded
	}
	if o.reranker == nil {
		return results, append(degraded, BranchRerank+": no rerank capability configured")
	}

	n := o.cfg.RerankCandidates
	if n > len(results) {
		n = len(results)
	}
	head, tail := results[:n], results[n:]

	// Candidates may not be hydrated yet; fetch contents for scoring.
	docs := make([]Result, len(head))
	copy(docs, head)
	if err := o.hydrate(ctx, docs); err != nil {
		return results, append(degraded, fmt.Sprintf("%s: %v", BranchRerank, err))
	}
	contents := lo.Map(docs, func(r Result, _ int) string { return r.Content })

	scores, err := o.reranker.Rerank(ctx, query, contents)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Search: rerank failed, keeping fused order")
		return results, append(degraded, fmt.Sprintf("%s: %v", BranchRerank, err))
	}
	// The Reranker contract is positional; a capability returning the wrong
	// number of scores is malformed output, not a reason to fail the request.
	if len(scores) != len(head) {
		o.logger.Warn().
			Int("scores", len(scores)).
			Int("candidates", len(head)).
			Msg("Search: rerank returned wrong score count, keeping fused order")
		return results, append(degraded,
			fmt.Sprintf("%s: got %d scores for %d candidates", BranchRerank, len(scores), len(head)))
	}

	for i := range head {
		head[i].Provenance.RerankScore = scores[i]
	}
	sort.SliceStable(head, func(i, j int) bool {
		return head[i].Provenance.RerankScore > head[j].Provenance.RerankScore
	})
	return append(head, tail...), degraded
}
