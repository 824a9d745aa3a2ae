package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

type TokenCredit struct {
	UserID          int64     `json:"user_id"`
	TotalTokens     int64     `json:"total_tokens"`
	UsedTokens      int64     `json:"used_tokens"`
	RemainingTokens int64     `json:"remaining_tokens"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LedgerEntry records one token debit. The ledger is append-only.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Feature   string    `json:"feature"`
	Tokens    int64     `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID          string    `json:"id"` // UUID
	UserID      int64     `json:"user_id"`
	Title       *string   `json:"title"` // Nullable
	Model       string    `json:"model"`
	TotalTokens int64     `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"` // UUID
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	DocumentIDs    []int64   `json:"document_ids,omitempty"` // assistant messages only
	Tokens         int64     `json:"tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationTurn is one user/assistant exchange to persist. An empty
// ConversationID creates a new conversation; otherwise the existing
// conversation must be owned by UserID.
type ConversationTurn struct {
	UserID           int64
	ConversationID   string
	Title            string // used only when creating; dated fallback when empty
	Model            string
	TurnTokens       int64
	UserMessage      Message
	AssistantMessage Message
}

// LawChunk is one retrievable span of statute text.
type LawChunk struct {
	ID        int64     `json:"id"`
	LawID     string    `json:"law_id"`
	Title     string    `json:"title"`
	LineRange string    `json:"line_range"` // e.g. "120-145"
	SourceURL string    `json:"source_url"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
}

// ScoredChunk pairs a chunk with its similarity to one specific query
// embedding. Scores are query-relative and never cached across queries.
type ScoredChunk struct {
	Chunk      LawChunk `json:"chunk"`
	Similarity float32  `json:"similarity"`
}
