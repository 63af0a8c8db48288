package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrNotFound is returned when a message, cell, or episode id is unknown.
var ErrNotFound = errors.New("memory: not found")

// Store is the document store for messages, MemCells, Episodes, and Profiles.
// It owns the extraction queue bookkeeping on the messages table; the keyword
// and vector projections live in the index package.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a Store over an already-migrated database.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "memory_store").Logger(),
	}
}

// DB exposes the underlying handle for collaborators sharing the database
// (the FTS keyword index lives in the same file).
func (s *Store) DB() *sql.DB { return s.db }

func now() int64 { return time.Now().Unix() }

// ---------------------------------------------------------------------------
// Message queue
// ---------------------------------------------------------------------------

// EnqueueMessage durably inserts a message into the extraction queue.
// Inserting the same message id twice is a no-op: the first write wins and
// the second returns inserted=false. Callers get "queued", never "indexed".
func (s *Store) EnqueueMessage(ctx context.Context, msg Message) (bool, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return false, errors.New("message id is empty")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return false, errors.New("message content is empty")
	}
	if strings.TrimSpace(msg.Sender) == "" {
		return false, errors.New("message sender is empty")
	}

	query := StatementBuilder().
		Insert("messages").
		Options("OR IGNORE").
		Columns("id", "create_time", "sender", "sender_name", "content",
			"group_id", "scene", "status", "attempts", "next_attempt_at", "enqueued_at").
		Values(msg.ID, msg.CreateTime.Unix(), msg.Sender, msg.SenderName, msg.Content,
			msg.GroupID, msg.Scene, string(MessageStatusPending), 0, 0, now())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("build enqueue query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return false, fmt.Errorf("enqueue message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		s.logger.Debug().Str("message_id", msg.ID).Msg("EnqueueMessage: duplicate id, ignored")
		return false, nil
	}
	s.logger.Info().
		Str("message_id", msg.ID).
		Str("sender", msg.Sender).
		Str("group_id", msg.GroupID).
		Msg("EnqueueMessage: message queued")
	return true, nil
}

// DueMessages returns pending messages whose next attempt time has passed,
// oldest first.
func (s *Store) DueMessages(ctx context.Context, asOf time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := StatementBuilder().
		Select("id", "create_time", "sender", "sender_name", "content", "group_id", "scene").
		From("messages").
		Where(sq.Eq{"status": string(MessageStatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": asOf.Unix()}).
		OrderBy("enqueued_at ASC").
		Limit(uint64(limit))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build due query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("due messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var msgs []Message
	for rows.Next() {
		var (
			m          Message
			createTime int64
			senderName sql.NullString
			groupID    sql.NullString
			scene      sql.NullString
		)
		if err := rows.Scan(&m.ID, &createTime, &m.Sender, &senderName, &m.Content, &groupID, &scene); err != nil {
			return nil, err
		}
		m.CreateTime = time.Unix(createTime, 0)
		m.SenderName = senderName.String
		m.GroupID = groupID.String
		m.Scene = scene.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessageExtracted transitions a message out of the pending queue.
func (s *Store) MarkMessageExtracted(ctx context.Context, messageID string) error {
	return s.setMessageStatus(ctx, messageID, MessageStatusExtracted, 0, time.Time{}, "")
}

// DeferMessage schedules the next extraction attempt after a transient failure.
func (s *Store) DeferMessage(ctx context.Context, messageID string, attempts int, next time.Time, cause string) error {
	s.logger.Warn().
		Str("message_id", messageID).
		Int("attempts", attempts).
		Time("next_attempt_at", next).
		Str("cause", cause).
		Msg("DeferMessage: extraction deferred")
	return s.setMessageStatus(ctx, messageID, MessageStatusPending, attempts, next, cause)
}

// FailMessage marks a message permanently failed after bounded retries.
// Failed messages are surfaced via MessageState, never silently dropped.
func (s *Store) FailMessage(ctx context.Context, messageID string, attempts int, cause string) error {
	s.logger.Error().
		Str("message_id", messageID).
		Int("attempts", attempts).
		Str("cause", cause).
		Msg("FailMessage: extraction failed permanently")
	return s.setMessageStatus(ctx, messageID, MessageStatusFailed, attempts, time.Time{}, cause)
}

func (s *Store) setMessageStatus(ctx context.Context, messageID string, status MessageStatus, attempts int, next time.Time, lastErr string) error {
	var nextUnix int64
	if !next.IsZero() {
		nextUnix = next.Unix()
	}
	query := StatementBuilder().
		Update("messages").
		Set("status", string(status)).
		Set("attempts", attempts).
		Set("next_attempt_at", nextUnix).
		Set("last_error", lastErr).
		Where(sq.Eq{"id": messageID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build status update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	return nil
}

// MessageState reports where a message is in the pipeline. Indexed is true
// once every cell extracted from the message has both index projections.
func (s *Store) MessageState(ctx context.Context, messageID string) (MessageState, error) {
	query := StatementBuilder().
		Select("status", "attempts", "next_attempt_at", "last_error").
		From("messages").
		Where(sq.Eq{"id": messageID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return MessageState{}, fmt.Errorf("build state query: %w", err)
	}

	var (
		state    MessageState
		status   string
		nextUnix int64
		lastErr  sql.NullString
	)
	row := s.db.QueryRowContext(ctx, queryStr, args...)
	if err := row.Scan(&status, &state.Attempts, &nextUnix, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageState{}, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
		}
		return MessageState{}, err
	}
	state.MessageID = messageID
	state.Status = MessageStatus(status)
	if nextUnix > 0 {
		state.NextAttemptAt = time.Unix(nextUnix, 0)
	}
	state.LastError = lastErr.String

	if state.Status == MessageStatusExtracted {
		indexed, err := s.messageFullyIndexed(ctx, messageID)
		if err != nil {
			return MessageState{}, err
		}
		state.Indexed = indexed
	}
	return state, nil
}

// messageFullyIndexed requires both projections for every cell extracted
// from the message AND for every episode those cells joined: the episode
// summary is searchable content derived from the message too.
func (s *Store) messageFullyIndexed(ctx context.Context, messageID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(ok), 0) FROM (
	SELECT CASE WHEN ix.keyword_ok = 1 AND ix.vector_ok = 1 THEN 1 ELSE 0 END AS ok
	FROM memcells mc
	LEFT JOIN index_state ix ON ix.memory_id = mc.id
	WHERE mc.message_id = ? AND mc.deleted_at IS NULL
	UNION ALL
	SELECT CASE WHEN ix.keyword_ok = 1 AND ix.vector_ok = 1 THEN 1 ELSE 0 END AS ok
	FROM (
		SELECT DISTINCT ec.episode_id AS eid
		FROM episode_cells ec
		JOIN memcells mc ON mc.id = ec.cell_id
		WHERE mc.message_id = ? AND mc.deleted_at IS NULL
	) eps
	LEFT JOIN index_state ix ON ix.memory_id = eps.eid
)
`, messageID, messageID)
	var total, indexed int
	if err := row.Scan(&total, &indexed); err != nil {
		return false, err
	}
	// A message that produced no cells has nothing left to index.
	return total == indexed, nil
}

// ---------------------------------------------------------------------------
// MemCells
// ---------------------------------------------------------------------------

// InsertMemCells writes a batch of cells in one transaction and returns the
// subset that was actually new. Duplicates (same message id + content hash)
// are ignored, which is what makes re-extraction idempotent.
func (s *Store) InsertMemCells(ctx context.Context, cells []MemCell) ([]MemCell, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted []MemCell
	for _, cell := range cells {
		var entity, predicate, value interface{}
		if cell.Attribute != nil {
			entity, predicate, value = cell.Attribute.Entity, cell.Attribute.Predicate, cell.Attribute.Value
		}
		query := StatementBuilder().
			Insert("memcells").
			Options("OR IGNORE").
			Columns("id", "message_id", "sender", "message_time", "user_id", "group_id",
				"content", "entity", "predicate", "value", "confidence", "content_hash", "created_at").
			Values(cell.ID, cell.MessageID, cell.Sender, cell.MessageTime.Unix(),
				cell.Scope.UserID, cell.Scope.GroupID, cell.Content,
				entity, predicate, value, cell.Confidence, cell.ContentHash, cell.CreatedAt.Unix())

		queryStr, args, err := query.ToSql()
		if err != nil {
			return nil, fmt.Errorf("build cell insert: %w", err)
		}
		res, err := tx.ExecContext(ctx, queryStr, args...)
		if err != nil {
			return nil, fmt.Errorf("insert memcell: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, cell)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Info().
		Int("offered", len(cells)).
		Int("inserted", len(inserted)).
		Msg("InsertMemCells: batch committed")
	return inserted, nil
}

// CellsByMessage returns all cells extracted from one message.
func (s *Store) CellsByMessage(ctx context.Context, messageID string) ([]MemCell, error) {
	return s.queryCells(ctx, sq.Eq{"message_id": messageID})
}

// Cell returns a single MemCell by id.
func (s *Store) Cell(ctx context.Context, id string) (MemCell, error) {
	cells, err := s.queryCells(ctx, sq.Eq{"id": id})
	if err != nil {
		return MemCell{}, err
	}
	if len(cells) == 0 {
		return MemCell{}, fmt.Errorf("memcell %q: %w", id, ErrNotFound)
	}
	return cells[0], nil
}

// Cells loads a set of cells and returns them keyed by id.
func (s *Store) Cells(ctx context.Context, ids []string) (map[string]MemCell, error) {
	if len(ids) == 0 {
		return map[string]MemCell{}, nil
	}
	cells, err := s.queryCells(ctx, sq.Eq{"id": ids})
	if err != nil {
		return nil, err
	}
	return lo.SliceToMap(cells, func(c MemCell) (string, MemCell) { return c.ID, c }), nil
}

func (s *Store) queryCells(ctx context.Context, where sq.Sqlizer) ([]MemCell, error) {
	query := StatementBuilder().
		Select(selectMemCellColumns()...).
		From("memcells").
		Where(where).
		Where("deleted_at IS NULL").
		OrderBy("created_at ASC", "id ASC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build cell query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query memcells: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var cells []MemCell
	for rows.Next() {
		cell, err := scanMemCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

func selectMemCellColumns() []string {
	return []string{
		"id", "message_id", "sender", "message_time", "user_id", "group_id",
		"content", "entity", "predicate", "value", "confidence", "content_hash", "created_at",
	}
}

func scanMemCell(rows *sql.Rows) (MemCell, error) {
	var (
		cell        MemCell
		messageTime int64
		createdAt   int64
		groupID     sql.NullString
		entity      sql.NullString
		predicate   sql.NullString
		value       sql.NullString
	)
	if err := rows.Scan(&cell.ID, &cell.MessageID, &cell.Sender, &messageTime,
		&cell.Scope.UserID, &groupID, &cell.Content,
		&entity, &predicate, &value, &cell.Confidence, &cell.ContentHash, &createdAt); err != nil {
		return MemCell{}, err
	}
	cell.MessageTime = time.Unix(messageTime, 0)
	cell.CreatedAt = time.Unix(createdAt, 0)
	cell.Scope.GroupID = groupID.String
	if entity.Valid || predicate.Valid || value.Valid {
		cell.Attribute = &Attribute{
			Entity:    entity.String,
			Predicate: predicate.String,
			Value:     value.String,
		}
	}
	return cell, nil
}

// DeleteCell soft-deletes one cell: the row stays for audit with who
// requested the deletion, and its index_state row is dropped so Backfill
// never resurrects the projections. The deleted cell is returned so callers
// can remove it from the indexes.
func (s *Store) DeleteCell(ctx context.Context, cellID, deletedBy string) (MemCell, error) {
	cells, err := s.deleteCells(ctx, sq.Eq{"id": cellID}, deletedBy)
	if err != nil {
		return MemCell{}, err
	}
	if len(cells) == 0 {
		return MemCell{}, fmt.Errorf("memcell %q: %w", cellID, ErrNotFound)
	}
	return cells[0], nil
}

// DeleteCellsByScope soft-deletes every live cell in a scope in one batch.
// Episode references are kept: the narrative survives, but the deleted
// cell's content no longer hydrates or matches.
func (s *Store) DeleteCellsByScope(ctx context.Context, scope Scope, deletedBy string) ([]MemCell, error) {
	return s.deleteCells(ctx, scopeWhere(scope), deletedBy)
}

func (s *Store) deleteCells(ctx context.Context, where sq.Sqlizer, deletedBy string) ([]MemCell, error) {
	cells, err := s.queryCells(ctx, where)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, nil
	}
	ids := lo.Map(cells, func(c MemCell, _ int) string { return c.ID })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	update := StatementBuilder().
		Update("memcells").
		Set("deleted_at", now()).
		Set("deleted_by", deletedBy).
		Where(sq.Eq{"id": ids}).
		Where("deleted_at IS NULL")
	queryStr, args, err := update.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build cell delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return nil, fmt.Errorf("soft-delete memcells: %w", err)
	}

	purge := StatementBuilder().
		Delete("index_state").
		Where(sq.Eq{"memory_id": ids})
	queryStr, args, err = purge.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build index_state purge: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return nil, fmt.Errorf("purge index state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Info().
		Int("deleted", len(cells)).
		Str("deleted_by", deletedBy).
		Msg("DeleteCells: cells soft-deleted")
	return cells, nil
}

// ---------------------------------------------------------------------------
// Episodes
// ---------------------------------------------------------------------------

// OpenEpisodes returns the open episodes for a scope touched since the given
// cutoff, most recently updated first. CellIDs are populated in narrative
// order.
func (s *Store) OpenEpisodes(ctx context.Context, scope Scope, since time.Time) ([]Episode, error) {
	query := StatementBuilder().
		Select(selectEpisodeColumns()...).
		From("episodes").
		Where(scopeWhere(scope)).
		Where(sq.Eq{"open": 1}).
		Where(sq.GtOrEq{"updated_at": since.Unix()}).
		OrderBy("updated_at DESC")

	return s.queryEpisodes(ctx, query)
}

// Episode returns one episode with its cell references.
func (s *Store) Episode(ctx context.Context, id string) (Episode, error) {
	query := StatementBuilder().
		Select(selectEpisodeColumns()...).
		From("episodes").
		Where(sq.Eq{"id": id})
	eps, err := s.queryEpisodes(ctx, query)
	if err != nil {
		return Episode{}, err
	}
	if len(eps) == 0 {
		return Episode{}, fmt.Errorf("episode %q: %w", id, ErrNotFound)
	}
	return eps[0], nil
}

// Episodes loads a set of episodes keyed by id.
func (s *Store) Episodes(ctx context.Context, ids []string) (map[string]Episode, error) {
	if len(ids) == 0 {
		return map[string]Episode{}, nil
	}
	query := StatementBuilder().
		Select(selectEpisodeColumns()...).
		From("episodes").
		Where(sq.Eq{"id": ids})
	eps, err := s.queryEpisodes(ctx, query)
	if err != nil {
		return nil, err
	}
	return lo.SliceToMap(eps, func(e Episode) (string, Episode) { return e.ID, e }), nil
}

// CreateEpisode opens a new episode seeded with its first cell.
func (s *Store) CreateEpisode(ctx context.Context, ep Episode) error {
	if len(ep.CellIDs) == 0 {
		return errors.New("episode must be created with at least one cell")
	}
	participants, err := json.Marshal(ep.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := StatementBuilder().
		Insert("episodes").
		Columns("id", "user_id", "group_id", "theme", "participants",
			"start_time", "end_time", "summary", "open", "updated_at").
		Values(ep.ID, ep.Scope.UserID, ep.Scope.GroupID, ep.Theme, string(participants),
			ep.StartTime.Unix(), ep.EndTime.Unix(), ep.Summary, 1, now())
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build episode insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}

	for pos, cellID := range ep.CellIDs {
		if err := insertEpisodeCell(ctx, tx, ep.ID, cellID, pos); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info().
		Str("episode_id", ep.ID).
		Str("theme", ep.Theme).
		Str("scope", ep.Scope.Key()).
		Msg("CreateEpisode: episode opened")
	return nil
}

// AppendToEpisode appends one cell at the end of an episode's narrative and
// refreshes its participants, time range, and rolling summary in the same
// transaction. The unique constraint on cell_id enforces that a MemCell
// belongs to at most one episode.
func (s *Store) AppendToEpisode(ctx context.Context, ep Episode, cellID string) error {
	participants, err := json.Marshal(ep.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position)+1, 0) FROM episode_cells WHERE episode_id = ?`,
		ep.ID).Scan(&next); err != nil {
		return fmt.Errorf("next position: %w", err)
	}
	if err := insertEpisodeCell(ctx, tx, ep.ID, cellID, next); err != nil {
		return err
	}

	query := StatementBuilder().
		Update("episodes").
		Set("participants", string(participants)).
		Set("start_time", ep.StartTime.Unix()).
		Set("end_time", ep.EndTime.Unix()).
		Set("summary", ep.Summary).
		Set("updated_at", now()).
		Where(sq.Eq{"id": ep.ID})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build episode update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("update episode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug().
		Str("episode_id", ep.ID).
		Str("cell_id", cellID).
		Int("position", next).
		Msg("AppendToEpisode: cell appended")
	return nil
}

func insertEpisodeCell(ctx context.Context, tx *sql.Tx, episodeID, cellID string, pos int) error {
	query := StatementBuilder().
		Insert("episode_cells").
		Columns("episode_id", "cell_id", "position").
		Values(episodeID, cellID, pos)
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build episode_cells insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert episode cell (cell may already belong to an episode): %w", err)
	}
	return nil
}

func selectEpisodeColumns() []string {
	return []string{
		"id", "user_id", "group_id", "theme", "participants",
		"start_time", "end_time", "summary", "open", "updated_at",
	}
}

func scopeWhere(scope Scope) sq.Sqlizer {
	if scope.GroupID != "" {
		return sq.Eq{"group_id": scope.GroupID}
	}
	return sq.And{sq.Eq{"user_id": scope.UserID}, sq.Eq{"group_id": ""}}
}

func (s *Store) queryEpisodes(ctx context.Context, query sq.SelectBuilder) ([]Episode, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build episode query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var eps []Episode
	for rows.Next() {
		var (
			ep           Episode
			groupID      sql.NullString
			participants string
			start, end   int64
			open         int
			updatedAt    int64
		)
		if err := rows.Scan(&ep.ID, &ep.Scope.UserID, &groupID, &ep.Theme, &participants,
			&start, &end, &ep.Summary, &open, &updatedAt); err != nil {
			return nil, err
		}
		ep.Scope.GroupID = groupID.String
		ep.StartTime = time.Unix(start, 0)
		ep.EndTime = time.Unix(end, 0)
		ep.Open = open == 1
		ep.UpdatedAt = time.Unix(updatedAt, 0)
		if err := json.Unmarshal([]byte(participants), &ep.Participants); err != nil {
			ep.Participants = nil
		}
		eps = append(eps, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range eps {
		cellIDs, err := s.episodeCellIDs(ctx, eps[i].ID)
		if err != nil {
			return nil, err
		}
		eps[i].CellIDs = cellIDs
	}
	return eps, nil
}

func (s *Store) episodeCellIDs(ctx context.Context, episodeID string) ([]string, error) {
	query := StatementBuilder().
		Select("cell_id").
		From("episode_cells").
		Where(sq.Eq{"episode_id": episodeID}).
		OrderBy("position ASC")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build episode cells query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query episode cells: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

// ApplyProfileObservation merges one attribute observation into a user's
// profile under the living-profile rule: a later observation always wins; an
// observation with the same timestamp wins only with strictly higher
// confidence. Returns whether the observation was applied. The whole
// compare-and-set runs in one transaction.
func (s *Store) ApplyProfileObservation(ctx context.Context, entry ProfileEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curValue      string
		curConfidence float64
		curSupport    string
		curObserved   int64
		exists        = true
	)
	err = tx.QueryRowContext(ctx, `
SELECT value, confidence, supporting_cells, observed_at
FROM profiles WHERE user_id = ? AND attr_key = ?
`, entry.UserID, entry.Key).Scan(&curValue, &curConfidence, &curSupport, &curObserved)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("read profile entry: %w", err)
	}

	if exists {
		obs := entry.ObservedAt.Unix()
		switch {
		case obs > curObserved:
			// later observation wins
		case obs == curObserved && entry.Confidence > curConfidence:
			// same instant: confidence is the tie-break
		default:
			s.logger.Debug().
				Str("user_id", entry.UserID).
				Str("key", entry.Key).
				Time("observed_at", entry.ObservedAt).
				Msg("ApplyProfileObservation: stale observation kept out")
			return false, tx.Commit()
		}
		// Same value re-observed: the new entry also inherits the prior
		// supporting cells so provenance accumulates.
		if curValue == entry.Value {
			var prior []string
			_ = json.Unmarshal([]byte(curSupport), &prior)
			entry.SupportingCells = lo.Uniq(append(prior, entry.SupportingCells...))
		}
	}

	support, err := json.Marshal(entry.SupportingCells)
	if err != nil {
		return false, fmt.Errorf("marshal supporting cells: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO profiles (user_id, attr_key, value, confidence, supporting_cells, observed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, attr_key) DO UPDATE SET
	value = excluded.value,
	confidence = excluded.confidence,
	supporting_cells = excluded.supporting_cells,
	observed_at = excluded.observed_at
`, entry.UserID, entry.Key, entry.Value, entry.Confidence, string(support), entry.ObservedAt.Unix()); err != nil {
		return false, fmt.Errorf("upsert profile entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	s.logger.Info().
		Str("user_id", entry.UserID).
		Str("key", entry.Key).
		Float64("confidence", entry.Confidence).
		Msg("ApplyProfileObservation: profile updated")
	return true, nil
}

// Profile returns all attribute entries for a user, sorted by key.
func (s *Store) Profile(ctx context.Context, userID string) ([]ProfileEntry, error) {
	query := StatementBuilder().
		Select("user_id", "attr_key", "value", "confidence", "supporting_cells", "observed_at").
		From("profiles").
		Where(sq.Eq{"user_id": userID})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build profile query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var entries []ProfileEntry
	for rows.Next() {
		var (
			e        ProfileEntry
			support  string
			observed int64
		)
		if err := rows.Scan(&e.UserID, &e.Key, &e.Value, &e.Confidence, &support, &observed); err != nil {
			return nil, err
		}
		e.ObservedAt = time.Unix(observed, 0)
		if err := json.Unmarshal([]byte(support), &e.SupportingCells); err != nil {
			e.SupportingCells = nil
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// ---------------------------------------------------------------------------
// Index state (backfill bookkeeping)
// ---------------------------------------------------------------------------

// IndexState records which projections of a memory id have succeeded.
type IndexState struct {
	MemoryID  string
	Kind      Kind
	KeywordOK bool
	VectorOK  bool
}

// RecordIndexState upserts the projection outcome for a memory id. A store
// that already succeeded stays succeeded (writes are idempotent, so a later
// partial retry must not un-mark the surviving store).
func (s *Store) RecordIndexState(ctx context.Context, st IndexState) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO index_state (memory_id, kind, keyword_ok, vector_ok, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (memory_id) DO UPDATE SET
	keyword_ok = MAX(index_state.keyword_ok, excluded.keyword_ok),
	vector_ok  = MAX(index_state.vector_ok, excluded.vector_ok),
	updated_at = excluded.updated_at
`, st.MemoryID, string(st.Kind), boolToInt(st.KeywordOK), boolToInt(st.VectorOK), now())
	if err != nil {
		return fmt.Errorf("record index state: %w", err)
	}
	return nil
}

// PendingBackfill lists memory ids with at least one missing projection.
func (s *Store) PendingBackfill(ctx context.Context, limit int) ([]IndexState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT memory_id, kind, keyword_ok, vector_ok
FROM index_state
WHERE keyword_ok = 0 OR vector_ok = 0
ORDER BY updated_at ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending backfill: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var states []IndexState
	for rows.Next() {
		var (
			st       IndexState
			kind     string
			kwOK     int
			vecOK    int
		)
		if err := rows.Scan(&st.MemoryID, &kind, &kwOK, &vecOK); err != nil {
			return nil, err
		}
		st.Kind = Kind(kind)
		st.KeywordOK = kwOK == 1
		st.VectorOK = vecOK == 1
		states = append(states, st)
	}
	return states, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
