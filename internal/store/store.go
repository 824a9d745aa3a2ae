package store

import "errors"

var (
	// ErrAccountNotFound means a debit targeted a principal with no
	// credit record. Treated as a provisioning bug, never retried.
	ErrAccountNotFound = errors.New("token credit account not found")

	// ErrNotFoundOrForbidden means a conversation update targeted a
	// conversation that does not exist or is owned by another user.
	ErrNotFoundOrForbidden = errors.New("conversation not found or not owned by user")
)

// Store is the storage contract shared by the SQLite and Postgres
// backends. DebitTokens and SaveConversationTurn each run as a single
// transaction inside the implementation.
type Store interface {
	Close() error

	GetUserByExternalID(externalUserID string) (*User, error)
	CreateUser(externalUserID, passwordHash, role string, starterTokens int64) (*User, error)

	GetTokenCredit(userID int64) (*TokenCredit, error)
	// DebitTokens atomically moves tokens from remaining to used and
	// appends one ledger entry, returning the new remaining balance.
	DebitTokens(userID int64, feature string, tokens int64) (int64, error)
	GetLedgerEntries(userID int64, limit int) ([]LedgerEntry, error)

	ListConversations(userID int64) ([]Conversation, error)
	GetConversation(conversationID string, userID int64) (*Conversation, error)
	GetMessages(conversationID string, limit, offset int) ([]Message, error)
	// SaveConversationTurn creates or updates the conversation and
	// appends the turn's two messages, returning the conversation id.
	SaveConversationTurn(turn *ConversationTurn) (string, error)

	AddChunk(chunk *LawChunk) error
	ClearChunks() error
	CountChunks() (int64, error)
	// SearchChunks returns up to limit chunks ordered most-similar
	// first against the given query embedding. filter matches chunk
	// metadata fields (currently "law_id"). Fewer results than limit
	// is valid; an empty result means no relevant chunks.
	SearchChunks(embedding []float32, limit int, filter map[string]string) ([]ScoredChunk, error)
}
