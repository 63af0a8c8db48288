// Package runtime hosts the background pipeline that moves queued messages
// through extraction, integration, and indexing.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/recall/extract"
	"github.com/aschepis/backscratcher/recall/index"
	"github.com/aschepis/backscratcher/recall/integrate"
	"github.com/aschepis/backscratcher/recall/memory"
)

// Config tunes the pipeline worker.
type Config struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	BackfillBatch int           `yaml:"backfill_batch"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		BatchSize:     25,
		MaxAttempts:   5,
		BaseBackoff:   30 * time.Second,
		BackfillBatch: 100,
	}
}

// Pipeline polls the message queue and runs extract, integrate, index for
// each due message. Retry scheduling is persisted on the message row so a
// restart resumes where it left off.
type Pipeline struct {
	store      *memory.Store
	extractor  *extract.Extractor
	integrator *integrate.Integrator
	writer     *index.Writer
	cfg        Config
	logger     zerolog.Logger
}

func NewPipeline(store *memory.Store, extractor *extract.Extractor, integrator *integrate.Integrator,
	writer *index.Writer, cfg Config, logger zerolog.Logger) (*Pipeline, error) {
	if store == nil || extractor == nil || integrator == nil || writer == nil {
		return nil, fmt.Errorf("pipeline requires store, extractor, integrator, and writer")
	}
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = d.BaseBackoff
	}
	if cfg.BackfillBatch <= 0 {
		cfg.BackfillBatch = d.BackfillBatch
	}
	return &Pipeline{
		store:      store,
		extractor:  extractor,
		integrator: integrator,
		writer:     writer,
		cfg:        cfg,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Start runs the polling loop until the context is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.logger.Info().Dur("pollInterval", p.cfg.PollInterval).Msg("Starting pipeline")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Pipeline stopped: context cancelled")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle: due messages, then index backfill. Exported so
// callers that manage their own cadence (and tests) can drive the pipeline
// synchronously.
func (p *Pipeline) Tick(ctx context.Context) {
	msgs, err := p.store.DueMessages(ctx, time.Now(), p.cfg.BatchSize)
	if err != nil {
		p.logger.Error().Err(err).Msg("Tick: failed to poll due messages")
		return
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		p.processMessage(ctx, msg)
	}

	if _, err := p.writer.Backfill(ctx, p.cfg.BackfillBatch); err != nil {
		p.logger.Error().Err(err).Msg("Tick: index backfill failed")
	}
}

// processMessage runs one message through the whole pipeline. Every stage is
// idempotent, so a failure anywhere defers the message and the next attempt
// re-runs all stages safely.
func (p *Pipeline) processMessage(ctx context.Context, msg memory.Message) {
	cells, err := p.extractor.Extract(ctx, msg)
	if err != nil {
		p.retryOrFail(ctx, msg.ID, fmt.Errorf("extract: %w", err), errors.Is(err, extract.ErrMalformedOutput))
		return
	}

	if _, err := p.store.InsertMemCells(ctx, cells); err != nil {
		p.retryOrFail(ctx, msg.ID, fmt.Errorf("store cells: %w", err), false)
		return
	}

	// Integrate and index over everything the message has produced, not
	// just this attempt's batch: a retry after a mid-pipeline failure must
	// pick up cells committed by the previous attempt.
	committed, err := p.store.CellsByMessage(ctx, msg.ID)
	if err != nil {
		p.retryOrFail(ctx, msg.ID, fmt.Errorf("load cells: %w", err), false)
		return
	}

	report, err := p.integrator.Integrate(ctx, msg.Scope(), committed)
	if err != nil {
		var partial *integrate.PartialError
		if errors.As(err, &partial) {
			p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("processMessage: partial integration, will retry")
		}
		p.retryOrFail(ctx, msg.ID, fmt.Errorf("integrate: %w", err), false)
		return
	}

	for _, cell := range committed {
		if err := p.writer.IndexCell(ctx, cell); err != nil {
			p.retryOrFail(ctx, msg.ID, fmt.Errorf("index cell %s: %w", cell.ID, err), false)
			return
		}
	}
	episodeIDs := append(report.EpisodesCreated, report.EpisodesExtended...)
	episodes, err := p.store.Episodes(ctx, episodeIDs)
	if err != nil {
		p.retryOrFail(ctx, msg.ID, fmt.Errorf("load episodes: %w", err), false)
		return
	}
	for _, ep := range episodes {
		if err := p.writer.IndexEpisode(ctx, ep); err != nil {
			p.retryOrFail(ctx, msg.ID, fmt.Errorf("index episode %s: %w", ep.ID, err), false)
			return
		}
	}

	if err := p.store.MarkMessageExtracted(ctx, msg.ID); err != nil {
		p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("processMessage: failed to mark extracted")
		return
	}
	p.logger.Info().
		Str("message_id", msg.ID).
		Int("cells", len(committed)).
		Int("episodes", len(episodes)).
		Msg("processMessage: message fully processed")
}

// retryOrFail schedules the next attempt with exponential backoff, or marks
// the message permanently failed once attempts are exhausted. The cause is
// recorded on the row either way so Status can surface it.
func (p *Pipeline) retryOrFail(ctx context.Context, messageID string, cause error, malformed bool) {
	state, err := p.store.MessageState(ctx, messageID)
	if err != nil {
		p.logger.Error().Err(err).Str("message_id", messageID).Msg("retryOrFail: cannot load message state")
		return
	}
	attempts := state.Attempts + 1

	if attempts >= p.cfg.MaxAttempts {
		if err := p.store.FailMessage(ctx, messageID, attempts, cause.Error()); err != nil {
			p.logger.Error().Err(err).Str("message_id", messageID).Msg("retryOrFail: failed to mark message failed")
		}
		return
	}

	delay := p.cfg.BaseBackoff << (attempts - 1)
	if malformed {
		// Malformed output rarely fixes itself; retry sooner but with the
		// same bounded attempt budget.
		delay = p.cfg.BaseBackoff
	}
	next := time.Now().Add(delay)
	if err := p.store.DeferMessage(ctx, messageID, attempts, next, cause.Error()); err != nil {
		p.logger.Error().Err(err).Str("message_id", messageID).Msg("retryOrFail: failed to defer message")
	}
}
