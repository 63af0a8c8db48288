package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/recall/capability"
)

// RecallConfig bounds the agentic recall loop.
type RecallConfig struct {
	MaxRounds        int     `yaml:"max_rounds"`
	SufficiencyRatio float64 `yaml:"sufficiency_ratio"`
}

func DefaultRecallConfig() RecallConfig {
	return RecallConfig{
		MaxRounds:        3,
		SufficiencyRatio: 0.25,
	}
}

// Round records one retrieval pass for the trace.
type Round struct {
	Query      string `json:"query"`
	NewResults int    `json:"new_results"`
	Total      int    `json:"total"`
}

// RecallTrace is the externally visible execution record of a recall.
type RecallTrace struct {
	Rounds     []Round `json:"rounds"`
	Sufficient bool    `json:"sufficient"`
	StoppedBy  string  `json:"stopped_by"` // "sufficient", "round-cap", "no-refinement", "round-failure", "cancelled"
}

// RecallResult is the accumulated result set plus its trace.
type RecallResult struct {
	Results []Result    `json:"results"`
	Trace   RecallTrace `json:"trace"`
}

// recallState makes the loop's control flow explicit.
type recallState int

const (
	stateInit recallState = iota
	stateRetrieve
	stateAssess
	stateRefine
	stateDone
)

// Recaller runs multi-round retrieval: retrieve, assess whether the
// accumulated set suffices, refine the query, repeat. The round cap
// guarantees termination regardless of the sufficiency signal.
type Recaller struct {
	orch   *Orchestrator
	gen    capability.Generator // optional; without it recall stops after round one assessment
	cfg    RecallConfig
	logger zerolog.Logger
}

func NewRecaller(orch *Orchestrator, gen capability.Generator, cfg RecallConfig, logger zerolog.Logger) *Recaller {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultRecallConfig().MaxRounds
	}
	if cfg.SufficiencyRatio <= 0 {
		cfg.SufficiencyRatio = DefaultRecallConfig().SufficiencyRatio
	}
	return &Recaller{
		orch:   orch,
		gen:    gen,
		cfg:    cfg,
		logger: logger.With().Str("component", "recaller").Logger(),
	}
}

// Recall runs the bounded loop. Cancellation is honoured at round
// boundaries; accumulated results are returned with the trace either way.
func (r *Recaller) Recall(ctx context.Context, q Query) (*RecallResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("recall: query text is empty")
	}
	mode, err := ParseMode(string(q.Mode))
	if err != nil {
		return nil, err
	}
	if mode == ModeBM25Lightweight {
		return nil, fmt.Errorf("recall: mode %q is single-shot only", mode)
	}
	q.Mode = mode

	accumulated := make(map[string]Result)
	trace := RecallTrace{}
	queries := []string{q.Text}
	current := q.Text

	state := stateInit
	for state != stateDone {
		switch state {
		case stateInit:
			state = stateRetrieve

		case stateRetrieve:
			if err := ctx.Err(); err != nil {
				trace.StoppedBy = "cancelled"
				state = stateDone
				break
			}
			sub := q
			sub.Text = current
			set, err := r.orch.Search(ctx, sub)
			if err != nil {
				// First round failing means there is nothing to return;
				// later rounds keep what earlier rounds found.
				if len(trace.Rounds) == 0 {
					return nil, fmt.Errorf("recall: initial retrieval: %w", err)
				}
				r.logger.Warn().Err(err).Str("sub_query", current).Msg("Recall: round failed, keeping accumulated set")
				trace.StoppedBy = "round-failure"
				state = stateDone
				break
			}
			newCount := r.merge(accumulated, set.Results)
			trace.Rounds = append(trace.Rounds, Round{
				Query:      current,
				NewResults: newCount,
				Total:      len(accumulated),
			})
			r.logger.Debug().
				Str("sub_query", current).
				Int("round", len(trace.Rounds)).
				Int("new", newCount).
				Int("total", len(accumulated)).
				Msg("Recall: round complete")
			state = stateAssess

		case stateAssess:
			if r.sufficient(trace.Rounds) {
				trace.Sufficient = true
				trace.StoppedBy = "sufficient"
				state = stateDone
				break
			}
			if len(trace.Rounds) >= r.cfg.MaxRounds {
				trace.StoppedBy = "round-cap"
				state = stateDone
				break
			}
			state = stateRefine

		case stateRefine:
			next, err := r.refine(ctx, q.Text, queries, accumulated)
			if err != nil || next == "" {
				if err != nil {
					r.logger.Warn().Err(err).Msg("Recall: refinement failed, stopping")
				}
				trace.StoppedBy = "no-refinement"
				state = stateDone
				break
			}
			queries = append(queries, next)
			current = next
			state = stateRetrieve
		}
	}

	results := lo.Values(accumulated)
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].MemoryID < results[j].MemoryID
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	r.logger.Info().
		Int("rounds", len(trace.Rounds)).
		Int("results", len(results)).
		Str("stopped_by", trace.StoppedBy).
		Msg("Recall: done")
	return &RecallResult{Results: results, Trace: trace}, nil
}

// merge folds a round's results into the accumulated set, deduplicating by
// memory id. An already-known memory keeps its best score and unions
// provenance. Returns how many ids were new.
func (r *Recaller) merge(acc map[string]Result, results []Result) int {
	newCount := 0
	for _, res := range results {
		existing, ok := acc[res.MemoryID]
		if !ok {
			acc[res.MemoryID] = res
			newCount++
			continue
		}
		if res.Score > existing.Score {
			branches := lo.Uniq(append(existing.Provenance.Branches, res.Provenance.Branches...))
			res.Provenance.Branches = branches
			acc[res.MemoryID] = res
		} else {
			existing.Provenance.Branches = lo.Uniq(append(existing.Provenance.Branches, res.Provenance.Branches...))
			acc[res.MemoryID] = existing
		}
	}
	return newCount
}

// sufficient applies the marginal-new-result rule: when the latest round
// contributes few new ids relative to the accumulated total, more rounds
// are unlikely to help.
func (r *Recaller) sufficient(rounds []Round) bool {
	last := rounds[len(rounds)-1]
	if last.Total == 0 {
		return false
	}
	return float64(last.NewResults)/float64(last.Total) < r.cfg.SufficiencyRatio
}

const refineSystemPrompt = `You refine memory retrieval queries.
Given an original question, the sub-queries already tried, and snippets of
what was retrieved, produce ONE new sub-query that targets an uncovered
aspect of the question. Respond with only the sub-query text, no quotes, no
explanation. If no useful new sub-query exists, respond with NONE.`

// refine asks the generative capability for a new sub-query distinct from
// every prior one. Empty return means stop.
func (r *Recaller) refine(ctx context.Context, original string, prior []string, acc map[string]Result) (string, error) {
	if r.gen == nil {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original question: %s\n\nSub-queries tried:\n", original)
	for _, q := range prior {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	b.WriteString("\nRetrieved so far:\n")
	snippets := 0
	for _, res := range acc {
		if snippets >= 10 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", res.Content)
		snippets++
	}

	out, err := r.gen.Generate(ctx, refineSystemPrompt, b.String())
	if err != nil {
		return "", err
	}
	next := strings.TrimSpace(strings.Trim(strings.TrimSpace(out), `"`))
	if next == "" || strings.EqualFold(next, "NONE") {
		return "", nil
	}
	for _, q := range prior {
		if strings.EqualFold(q, next) {
			return "", nil
		}
	}
	return next, nil
}
