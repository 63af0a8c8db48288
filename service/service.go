// Package service is the in-process API surface of the memory daemon:
// message intake, search, agentic recall, profile reads, and pipeline
// status. A network transport would sit directly on top of these methods.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/recall/index"
	"github.com/aschepis/backscratcher/recall/memory"
	"github.com/aschepis/backscratcher/recall/search"
)

// DataSource selects which memory structure a search reads.
type DataSource string

const (
	DataSourceEpisode DataSource = "episode"
	DataSourceFact    DataSource = "fact"
	DataSourceProfile DataSource = "profile"
)

// MemoryScope selects personal or group-shared memory.
type MemoryScope string

const (
	MemoryScopePersonal MemoryScope = "personal"
	MemoryScopeShared   MemoryScope = "shared"
)

// Receipt acknowledges a stored message. Status is always "queued": the
// message is durable but extraction and indexing are asynchronous, so it is
// not yet searchable. Duplicate submissions get "duplicate".
type Receipt struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// SearchRequest is one synchronous retrieval call.
type SearchRequest struct {
	Query       string      `json:"query"`
	UserID      string      `json:"user_id"`
	GroupID     string      `json:"group_id,omitempty"`
	DataSource  DataSource  `json:"data_source,omitempty"`
	MemoryScope MemoryScope `json:"memory_scope,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// RecallRequest is one agentic recall call.
type RecallRequest struct {
	Query       string      `json:"query"`
	UserID      string      `json:"user_id"`
	GroupID     string      `json:"group_id,omitempty"`
	MemoryScope MemoryScope `json:"memory_scope,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// Service wires the store and the retrieval engine behind a stable API.
type Service struct {
	store    *memory.Store
	orch     *search.Orchestrator
	recaller *search.Recaller
	writer   *index.Writer
	logger   zerolog.Logger
}

func New(store *memory.Store, orch *search.Orchestrator, recaller *search.Recaller, writer *index.Writer, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		orch:     orch,
		recaller: recaller,
		writer:   writer,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// StoreMessage validates and durably enqueues a message, returning once it
// is queued. Re-submitting the same message id is acknowledged without a
// second insert.
func (s *Service) StoreMessage(ctx context.Context, msg memory.Message) (Receipt, error) {
	inserted, err := s.store.EnqueueMessage(ctx, msg)
	if err != nil {
		return Receipt{}, err
	}
	status := "queued"
	if !inserted {
		status = "duplicate"
	}
	return Receipt{MessageID: msg.ID, Status: status}, nil
}

// Status reports where a message is in the pipeline so callers can wait for
// "extracted"+indexed before searching.
func (s *Service) Status(ctx context.Context, messageID string) (memory.MessageState, error) {
	return s.store.MessageState(ctx, messageID)
}

// Search answers one query against the requested data source and scope.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*search.ResultSet, error) {
	scope, err := resolveScope(req.UserID, req.GroupID, req.MemoryScope)
	if err != nil {
		return nil, err
	}
	mode, err := search.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	switch req.DataSource {
	case DataSourceProfile:
		return s.searchProfile(ctx, req, mode)
	case DataSourceEpisode:
		return s.orch.Search(ctx, search.Query{
			Text: req.Query, Scope: scope, Kind: memory.KindEpisode, Mode: mode, Limit: req.Limit,
		})
	case DataSourceFact, "":
		return s.orch.Search(ctx, search.Query{
			Text: req.Query, Scope: scope, Kind: memory.KindCell, Mode: mode, Limit: req.Limit,
		})
	default:
		return nil, fmt.Errorf("unknown data source %q", req.DataSource)
	}
}

// Recall runs the bounded multi-round retrieval loop.
func (s *Service) Recall(ctx context.Context, req RecallRequest) (*search.RecallResult, error) {
	scope, err := resolveScope(req.UserID, req.GroupID, req.MemoryScope)
	if err != nil {
		return nil, err
	}
	mode, err := search.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	return s.recaller.Recall(ctx, search.Query{
		Text: req.Query, Scope: scope, Mode: mode, Limit: req.Limit,
	})
}

// DeleteMemCell soft-deletes one memory cell and drops it from both
// retrieval projections. The row stays behind for audit with who requested
// the deletion.
func (s *Service) DeleteMemCell(ctx context.Context, cellID, requestedBy string) error {
	if strings.TrimSpace(cellID) == "" {
		return errors.New("cell id is empty")
	}
	cell, err := s.store.DeleteCell(ctx, cellID, requestedBy)
	if err != nil {
		return err
	}
	return s.removeProjections(ctx, []memory.MemCell{cell})
}

// DeleteMemCellsByUser soft-deletes every personal cell of a user and
// returns how many were removed.
func (s *Service) DeleteMemCellsByUser(ctx context.Context, userID, requestedBy string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("user id is empty")
	}
	cells, err := s.store.DeleteCellsByScope(ctx, memory.Scope{UserID: userID}, requestedBy)
	if err != nil {
		return 0, err
	}
	return len(cells), s.removeProjections(ctx, cells)
}

// DeleteMemCellsByGroup soft-deletes every shared cell of a group and
// returns how many were removed.
func (s *Service) DeleteMemCellsByGroup(ctx context.Context, groupID, requestedBy string) (int, error) {
	if strings.TrimSpace(groupID) == "" {
		return 0, errors.New("group id is empty")
	}
	cells, err := s.store.DeleteCellsByScope(ctx, memory.Scope{GroupID: groupID}, requestedBy)
	if err != nil {
		return 0, err
	}
	return len(cells), s.removeProjections(ctx, cells)
}

func (s *Service) removeProjections(ctx context.Context, cells []memory.MemCell) error {
	if s.writer == nil {
		return nil
	}
	for _, cell := range cells {
		if err := s.writer.Remove(ctx, cell.ID, cell.Scope.Key()); err != nil {
			return err
		}
	}
	return nil
}

// Profile returns a user's full living profile.
func (s *Service) Profile(ctx context.Context, userID string) ([]memory.ProfileEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is empty")
	}
	return s.store.Profile(ctx, userID)
}

// searchProfile answers profile queries straight from the profile table;
// no index round-trip is needed for structured attributes. The set echoes
// the requested mode since no retrieval branch ran.
func (s *Service) searchProfile(ctx context.Context, req SearchRequest, mode search.Mode) (*search.ResultSet, error) {
	entries, err := s.store.Profile(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	terms := queryTerms(req.Query)
	results := lo.FilterMap(entries, func(e memory.ProfileEntry, _ int) (search.Result, bool) {
		if len(terms) > 0 && !matchesTerms(e, terms) {
			return search.Result{}, false
		}
		return search.Result{
			MemoryID: "profile:" + e.UserID + ":" + e.Key,
			Content:  e.Key + ": " + e.Value,
			Score:    e.Confidence,
		}, true
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return &search.ResultSet{Results: results, Mode: mode}, nil
}

func queryTerms(query string) []string {
	return lo.FilterMap(strings.Fields(strings.ToLower(query)), func(t string, _ int) (string, bool) {
		t = strings.Trim(t, ".,;:!?\"'")
		return t, len(t) > 2
	})
}

func matchesTerms(e memory.ProfileEntry, terms []string) bool {
	haystack := strings.ToLower(e.Key + " " + e.Value)
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}

func resolveScope(userID, groupID string, ms MemoryScope) (memory.Scope, error) {
	if strings.TrimSpace(userID) == "" {
		return memory.Scope{}, errors.New("user id is empty")
	}
	switch ms {
	case MemoryScopeShared:
		if strings.TrimSpace(groupID) == "" {
			return memory.Scope{}, errors.New("shared scope requires a group id")
		}
		return memory.Scope{UserID: userID, GroupID: groupID}, nil
	case MemoryScopePersonal, "":
		return memory.Scope{UserID: userID}, nil
	default:
		return memory.Scope{}, fmt.Errorf("unknown memory scope %q", ms)
	}
}
