package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/recall/memory"
)

// KeywordHit is one FTS match. Score is negated bm25, so higher is better.
type KeywordHit struct {
	MemoryID string
	Kind     memory.Kind
	Score    float64
}

// KeywordIndex maintains the FTS5 projection of memories. It shares the
// document store's database file.
type KeywordIndex struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewKeywordIndex(db *sql.DB, logger zerolog.Logger) *KeywordIndex {
	return &KeywordIndex{
		db:     db,
		logger: logger.With().Str("component", "keyword_index").Logger(),
	}
}

// Upsert replaces the indexed content for a memory id. Delete-then-insert in
// one transaction keeps re-indexing idempotent.
func (k *KeywordIndex) Upsert(ctx context.Context, memoryID string, kind memory.Kind, scopeKey, content string) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories_fts WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO memories_fts (content, memory_id, kind, scope_key) VALUES (?, ?, ?, ?)
`, content, memoryID, string(kind), scopeKey); err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}
	return tx.Commit()
}

// Delete removes a memory id from the keyword index.
func (k *KeywordIndex) Delete(ctx context.Context, memoryID string) error {
	if _, err := k.db.ExecContext(ctx,
		`DELETE FROM memories_fts WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	return nil
}

// Search runs an FTS match ranked by bm25. kind narrows to cells or
// episodes when non-empty.
func (k *KeywordIndex) Search(ctx context.Context, scopeKey, query string, kind memory.Kind, limit int) ([]KeywordHit, error) {
	match := MatchExpression(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	sqlQuery := `
SELECT memory_id, kind, bm25(memories_fts)
FROM memories_fts
WHERE memories_fts MATCH ? AND scope_key = ?`
	args := []interface{}{match, scopeKey}
	if kind != "" {
		sqlQuery += ` AND kind = ?`
		args = append(args, string(kind))
	}
	sqlQuery += `
ORDER BY bm25(memories_fts)
LIMIT ?`
	args = append(args, limit)

	rows, err := k.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		k.logger.Error().Err(err).Str("match", match).Msg("Search: FTS query failed")
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var hits []KeywordHit
	for rows.Next() {
		var (
			hit  KeywordHit
			kind string
			rank float64
		)
		if err := rows.Scan(&hit.MemoryID, &kind, &rank); err != nil {
			return nil, err
		}
		hit.Kind = memory.Kind(kind)
		hit.Score = -rank // bm25() is smaller-is-better
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	k.logger.Debug().
		Str("scope", scopeKey).
		Str("match", match).
		Int("hits", len(hits)).
		Msg("Search: keyword results")
	return hits, nil
}

// MatchExpression turns free-form query text into a safe FTS5 match string.
// Each token is quoted and OR-ed so natural-language punctuation cannot
// break the match syntax.
func MatchExpression(query string) string {
	tokens := lo.FilterMap(strings.Fields(query), func(tok string, _ int) (string, bool) {
		tok = strings.Trim(strings.ToLower(tok), ".,;:!?\"'()")
		tok = strings.ReplaceAll(tok, `"`, "")
		if tok == "" {
			return "", false
		}
		return `"` + tok + `"`, true
	})
	return strings.Join(tokens, " OR ")
}
