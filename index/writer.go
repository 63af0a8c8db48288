// Package index maintains the two retrieval projections of the memory
// store: an FTS5 keyword index and a chromem vector index, both keyed by
// memory id.
package index

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/recall/memory"
)

// Writer projects committed memories into both indexes, at-least-once.
// A failed store is recorded in index_state and retried by Backfill; the
// surviving store's write is kept.
type Writer struct {
	store   *memory.Store
	keyword *KeywordIndex
	vector  *VectorIndex
	logger  zerolog.Logger
}

func NewWriter(store *memory.Store, keyword *KeywordIndex, vector *VectorIndex, logger zerolog.Logger) *Writer {
	return &Writer{
		store:   store,
		keyword: keyword,
		vector:  vector,
		logger:  logger.With().Str("component", "index_writer").Logger(),
	}
}

// IndexCell projects one committed MemCell.
func (w *Writer) IndexCell(ctx context.Context, cell memory.MemCell) error {
	return w.index(ctx, cell.ID, memory.KindCell, cell.Scope.Key(), cell.Content)
}

// IndexEpisode projects an episode's theme and rolling summary. Called again
// after every extension so the indexed text tracks the summary.
func (w *Writer) IndexEpisode(ctx context.Context, ep memory.Episode) error {
	return w.index(ctx, ep.ID, memory.KindEpisode, ep.Scope.Key(), episodeText(ep))
}

func episodeText(ep memory.Episode) string {
	if ep.Theme == "" {
		return ep.Summary
	}
	return ep.Theme + ": " + ep.Summary
}

// index upserts into both stores and records the outcome. Partial failure is
// not an error to the caller: the gap lands in index_state and Backfill
// closes it. Only a bookkeeping failure bubbles up, since without the record
// a gap would be invisible.
func (w *Writer) index(ctx context.Context, memoryID string, kind memory.Kind, scopeKey, content string) error {
	kwErr := w.keyword.Upsert(ctx, memoryID, kind, scopeKey, content)
	if kwErr != nil {
		w.logger.Warn().Err(kwErr).Str("memory_id", memoryID).Msg("index: keyword upsert failed")
	}
	vecErr := w.vector.Upsert(ctx, memoryID, kind, scopeKey, content)
	if vecErr != nil {
		w.logger.Warn().Err(vecErr).Str("memory_id", memoryID).Msg("index: vector upsert failed")
	}

	if err := w.store.RecordIndexState(ctx, memory.IndexState{
		MemoryID:  memoryID,
		Kind:      kind,
		KeywordOK: kwErr == nil,
		VectorOK:  vecErr == nil,
	}); err != nil {
		return fmt.Errorf("record index state for %s: %w", memoryID, err)
	}
	return nil
}

// Remove drops a memory id from both projections after a soft delete. The
// index_state row is already gone by then, so a half-failed removal is
// retried by the caller, not by Backfill.
func (w *Writer) Remove(ctx context.Context, memoryID, scopeKey string) error {
	if err := w.keyword.Delete(ctx, memoryID); err != nil {
		return fmt.Errorf("remove keyword projection for %s: %w", memoryID, err)
	}
	if err := w.vector.Delete(ctx, scopeKey, memoryID); err != nil {
		return fmt.Errorf("remove vector projection for %s: %w", memoryID, err)
	}
	w.logger.Info().Str("memory_id", memoryID).Msg("Remove: projections dropped")
	return nil
}

// Backfill retries memories with a missing projection. Re-upserting the side
// that already succeeded is harmless since writes are idempotent.
func (w *Writer) Backfill(ctx context.Context, limit int) (int, error) {
	pending, err := w.store.PendingBackfill(ctx, limit)
	if err != nil {
		return 0, err
	}
	healed := 0
	for _, st := range pending {
		if err := ctx.Err(); err != nil {
			return healed, err
		}
		var indexErr error
		switch st.Kind {
		case memory.KindCell:
			cell, err := w.store.Cell(ctx, st.MemoryID)
			if err != nil {
				w.logger.Error().Err(err).Str("memory_id", st.MemoryID).Msg("Backfill: cell vanished")
				continue
			}
			indexErr = w.IndexCell(ctx, cell)
		case memory.KindEpisode:
			ep, err := w.store.Episode(ctx, st.MemoryID)
			if err != nil {
				w.logger.Error().Err(err).Str("memory_id", st.MemoryID).Msg("Backfill: episode vanished")
				continue
			}
			indexErr = w.IndexEpisode(ctx, ep)
		default:
			w.logger.Error().Str("kind", string(st.Kind)).Msg("Backfill: unknown kind")
			continue
		}
		if indexErr != nil {
			return healed, indexErr
		}
		healed++
	}
	if healed > 0 {
		w.logger.Info().Int("healed", healed).Msg("Backfill: projections retried")
	}
	return healed, nil
}
