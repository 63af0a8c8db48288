package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// MessageStatus tracks a message through the extraction queue.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusExtracted MessageStatus = "extracted"
	MessageStatusFailed    MessageStatus = "failed"
)

// Kind describes what a memory id refers to in the indexes.
type Kind string

const (
	KindCell    Kind = "cell"
	KindEpisode Kind = "episode"
)

// Scope identifies whose memory a unit belongs to. A scope with an empty
// GroupID is personal; otherwise the memory is shared within the group.
type Scope struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id,omitempty"`
}

// Key returns a stable string form used for locking and index partitioning.
func (s Scope) Key() string {
	if s.GroupID == "" {
		return "user:" + s.UserID
	}
	return "group:" + s.GroupID
}

// Shared reports whether the scope is group-shared rather than personal.
func (s Scope) Shared() bool { return s.GroupID != "" }

// Message is a raw conversational message as accepted by the message sink.
// The ID is caller-supplied and is the dedup key for extraction.
type Message struct {
	ID         string    `json:"message_id"`
	CreateTime time.Time `json:"create_time"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	GroupID    string    `json:"group_id,omitempty"`
	Scene      string    `json:"scene,omitempty"`
}

// Scope derives the memory scope a message's extractions belong to.
func (m Message) Scope() Scope {
	return Scope{UserID: m.Sender, GroupID: m.GroupID}
}

// MessageState is the queue-side view of a stored message.
type MessageState struct {
	MessageID     string        `json:"message_id"`
	Status        MessageStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Indexed       bool          `json:"indexed"`
}

// Attribute is an optional structured (entity, predicate, value) triple
// extracted alongside a MemCell's textual content.
type Attribute struct {
	Entity    string `json:"entity"`
	Predicate string `json:"predicate"`
	Value     string `json:"value"`
}

// MemCell is the atomic extracted memory unit derived from one message.
// MemCells are immutable once written: corrections supersede, never edit.
type MemCell struct {
	ID          string     `json:"id"`
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	MessageTime time.Time  `json:"message_time"`
	Scope       Scope      `json:"scope"`
	Content     string     `json:"content"`
	Attribute   *Attribute `json:"attribute,omitempty"`
	Confidence  float64    `json:"confidence"`
	ContentHash string     `json:"content_hash"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Episode is a themed, time-bounded cluster of MemCells sharing participants.
// CellIDs are in insertion order, which is the narrative order.
type Episode struct {
	ID           string    `json:"id"`
	Scope        Scope     `json:"scope"`
	Theme        string    `json:"theme"`
	CellIDs      []string  `json:"cell_ids"`
	Participants []string  `json:"participants"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Summary      string    `json:"summary"`
	Open         bool      `json:"open"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProfileEntry is one versioned attribute fact in a user's living profile.
// Entries are monotonic in ObservedAt per (UserID, Key).
type ProfileEntry struct {
	UserID          string    `json:"user_id"`
	Key             string    `json:"key"`
	Value           string    `json:"value"`
	Confidence      float64   `json:"confidence"`
	SupportingCells []string  `json:"supporting_cells"`
	ObservedAt      time.Time `json:"observed_at"`
}

// HashContent computes the dedup hash for an extracted cell. Extraction is
// idempotent per message: the same message id + content pair hashes equal.
func HashContent(messageID, content string) string {
	h := sha256.Sum256([]byte(messageID + "\x00" + content))
	return hex.EncodeToString(h[:])
}
