package search

import "fmt"

// Mode selects the retrieval strategy. The set is closed: anything else is
// rejected at the API boundary.
type Mode string

const (
	// ModeRRF fans out to keyword and vector retrieval concurrently and
	// fuses with reciprocal rank fusion. The default.
	ModeRRF Mode = "rrf"
	// ModeBM25Lightweight hits only the keyword index, no model calls.
	ModeBM25Lightweight Mode = "bm25-lightweight"
	// ModeRerank runs RRF and then reorders the top candidates with the
	// rerank capability.
	ModeRerank Mode = "rerank"
)

// ParseMode validates a mode string; empty selects the default.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeRRF, nil
	case ModeRRF, ModeBM25Lightweight, ModeRerank:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown retrieval mode %q", s)
	}
}
