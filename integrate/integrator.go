// Package integrate folds freshly extracted MemCells into the longer-lived
// memory structures: Episodes and Profiles.
package integrate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/recall/capability"
	"github.com/aschepis/backscratcher/recall/memory"
)

// Config controls episode assignment scoring. Weights should sum to 1.
type Config struct {
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	ParticipantWeight   float64       `yaml:"participant_weight"`
	TimeWeight          float64       `yaml:"time_weight"`
	ContentWeight       float64       `yaml:"content_weight"`
	EpisodeWindow       time.Duration `yaml:"episode_window"`
	SummaryMaxLen       int           `yaml:"summary_max_len"`
}

func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.55,
		ParticipantWeight:   0.35,
		TimeWeight:          0.25,
		ContentWeight:       0.40,
		EpisodeWindow:       24 * time.Hour,
		SummaryMaxLen:       600,
	}
}

// Report describes what one Integrate call changed.
type Report struct {
	EpisodesCreated  []string
	EpisodesExtended []string
	ProfileKeys      []string
}

// Failure names one sub-write that did not land.
type Failure struct {
	Kind string // "episode" or "profile"
	Ref  string // episode id or profile key
	Err  error
}

// PartialError reports that some sub-writes failed while others succeeded.
// The pipeline re-runs integration until no failures remain; the succeeded
// writes are idempotent under re-application.
type PartialError struct {
	Failures []Failure
}

func (e *PartialError) Error() string {
	refs := lo.Map(e.Failures, func(f Failure, _ int) string {
		return fmt.Sprintf("%s %s: %v", f.Kind, f.Ref, f.Err)
	})
	return fmt.Sprintf("integrate: %d sub-writes failed: %s", len(e.Failures), strings.Join(refs, "; "))
}

// Integrator serializes integration per scope. Different scopes proceed in
// parallel; within a scope, cells apply in order.
type Integrator struct {
	store    *memory.Store
	embedder capability.Embedder // optional; keyword overlap fallback when nil
	cfg      Config
	locks    sync.Map // scope key -> *sync.Mutex
	logger   zerolog.Logger
}

func NewIntegrator(store *memory.Store, embedder capability.Embedder, cfg Config, logger zerolog.Logger) *Integrator {
	if cfg.SimilarityThreshold == 0 && cfg.ParticipantWeight == 0 && cfg.TimeWeight == 0 && cfg.ContentWeight == 0 {
		cfg = DefaultConfig()
	}
	return &Integrator{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "integrator").Logger(),
	}
}

func (in *Integrator) scopeLock(key string) *sync.Mutex {
	actual, _ := in.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Integrate assigns each cell to an episode and merges structured attributes
// into the sender's profile. Sub-write failures are collected into a
// PartialError rather than aborting the batch.
func (in *Integrator) Integrate(ctx context.Context, scope memory.Scope, cells []memory.MemCell) (Report, error) {
	var report Report
	if len(cells) == 0 {
		return report, nil
	}

	mu := in.scopeLock(scope.Key())
	mu.Lock()
	defer mu.Unlock()

	var failures []Failure
	for _, cell := range cells {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		episodeID, created, err := in.assignEpisode(ctx, scope, cell)
		if err != nil {
			failures = append(failures, Failure{Kind: "episode", Ref: cell.ID, Err: err})
		} else if created {
			report.EpisodesCreated = append(report.EpisodesCreated, episodeID)
		} else {
			report.EpisodesExtended = append(report.EpisodesExtended, episodeID)
		}

		if cell.Attribute != nil {
			key, err := in.applyProfile(ctx, cell)
			if err != nil {
				failures = append(failures, Failure{Kind: "profile", Ref: key, Err: err})
			} else if key != "" {
				report.ProfileKeys = append(report.ProfileKeys, key)
			}
		}
	}
	report.EpisodesExtended = lo.Uniq(report.EpisodesExtended)

	in.logger.Info().
		Str("scope", scope.Key()).
		Int("cells", len(cells)).
		Int("episodes_created", len(report.EpisodesCreated)).
		Int("episodes_extended", len(report.EpisodesExtended)).
		Int("profile_keys", len(report.ProfileKeys)).
		Int("failures", len(failures)).
		Msg("Integrate: batch done")

	if len(failures) > 0 {
		return report, &PartialError{Failures: failures}
	}
	return report, nil
}

// assignEpisode scores the cell against recently-touched open episodes in
// scope and either extends the best match or opens a new one. Returns the
// episode id and whether it was newly created.
func (in *Integrator) assignEpisode(ctx context.Context, scope memory.Scope, cell memory.MemCell) (string, bool, error) {
	since := cell.MessageTime.Add(-in.cfg.EpisodeWindow)
	open, err := in.store.OpenEpisodes(ctx, scope, since)
	if err != nil {
		return "", false, fmt.Errorf("load open episodes: %w", err)
	}
	// A re-integrated cell already sits in an episode; keep it there.
	for _, ep := range open {
		if lo.Contains(ep.CellIDs, cell.ID) {
			return ep.ID, false, nil
		}
	}

	var (
		best      memory.Episode
		bestScore = -1.0
	)
	for _, ep := range open {
		score := in.scoreEpisode(ctx, ep, cell)
		if score > bestScore {
			best, bestScore = ep, score
		}
	}

	if bestScore >= in.cfg.SimilarityThreshold {
		best.Participants = lo.Uniq(append(best.Participants, cell.Sender))
		if cell.MessageTime.Before(best.StartTime) {
			best.StartTime = cell.MessageTime
		}
		if cell.MessageTime.After(best.EndTime) {
			best.EndTime = cell.MessageTime
		}
		best.Summary = rollSummary(best.Summary, cell.Content, in.cfg.SummaryMaxLen)
		if err := in.store.AppendToEpisode(ctx, best, cell.ID); err != nil {
			return "", false, err
		}
		in.logger.Debug().
			Str("episode_id", best.ID).
			Str("cell_id", cell.ID).
			Float64("score", bestScore).
			Msg("Integrate: cell joined episode")
		return best.ID, false, nil
	}

	ep := memory.Episode{
		ID:           uuid.NewString(),
		Scope:        scope,
		Theme:        themeFor(cell),
		CellIDs:      []string{cell.ID},
		Participants: []string{cell.Sender},
		StartTime:    cell.MessageTime,
		EndTime:      cell.MessageTime,
		Summary:      rollSummary("", cell.Content, in.cfg.SummaryMaxLen),
		Open:         true,
	}
	if err := in.store.CreateEpisode(ctx, ep); err != nil {
		return "", false, err
	}
	in.logger.Debug().
		Str("episode_id", ep.ID).
		Str("theme", ep.Theme).
		Float64("best_score", bestScore).
		Msg("Integrate: opened new episode")
	return ep.ID, true, nil
}

func (in *Integrator) scoreEpisode(ctx context.Context, ep memory.Episode, cell memory.MemCell) float64 {
	participant := 0.0
	if lo.Contains(ep.Participants, cell.Sender) {
		participant = 1.0
	}

	gap := cell.MessageTime.Sub(ep.EndTime)
	if gap < 0 {
		gap = -gap
	}
	proximity := 1.0 - float64(gap)/float64(in.cfg.EpisodeWindow)
	if proximity < 0 {
		proximity = 0
	}

	content := in.contentSimilarity(ctx, ep.Summary, cell.Content)

	return in.cfg.ParticipantWeight*participant +
		in.cfg.TimeWeight*proximity +
		in.cfg.ContentWeight*content
}

// contentSimilarity prefers embedding cosine; without an embedder (or when
// it fails mid-batch) it degrades to word-set overlap.
func (in *Integrator) contentSimilarity(ctx context.Context, a, b string) float64 {
	if in.embedder != nil {
		va, errA := in.embedder.Embed(ctx, a)
		vb, errB := in.embedder.Embed(ctx, b)
		if errA == nil && errB == nil {
			return capability.CosineSimilarity(va, vb)
		}
		in.logger.Warn().AnErr("err_a", errA).AnErr("err_b", errB).
			Msg("Integrate: embedder failed, falling back to keyword overlap")
	}
	return keywordOverlap(a, b)
}

func keywordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	common := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			common++
		}
	}
	union := len(wa) + len(wb) - common
	return float64(common) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'")
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

func (in *Integrator) applyProfile(ctx context.Context, cell memory.MemCell) (string, error) {
	attr := cell.Attribute
	entry := memory.ProfileEntry{
		UserID:          cell.Sender,
		Key:             attr.Predicate,
		Value:           attr.Value,
		Confidence:      cell.Confidence,
		SupportingCells: []string{cell.ID},
		ObservedAt:      cell.MessageTime,
	}
	applied, err := in.store.ApplyProfileObservation(ctx, entry)
	if err != nil {
		return attr.Predicate, err
	}
	if !applied {
		return "", nil
	}
	return attr.Predicate, nil
}

func themeFor(cell memory.MemCell) string {
	if cell.Attribute != nil && cell.Attribute.Predicate != "" {
		return cell.Attribute.Predicate
	}
	words := strings.Fields(cell.Content)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " ")
}

func rollSummary(summary, addition string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 600
	}
	if summary == "" {
		summary = addition
	} else {
		summary = summary + " " + addition
	}
	if len(summary) > maxLen {
		// Keep the tail: recent narrative matters more for assignment.
		summary = summary[len(summary)-maxLen:]
		if idx := strings.IndexByte(summary, ' '); idx > 0 {
			summary = summary[idx+1:]
		}
	}
	return summary
}
