package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"lawbase.hk/legal-assistant/internal/utils"
)

// SQLiteStore keeps chunk embeddings as JSON text and ranks them with an
// in-process cosine scan. Chunks are cached in memory after first load;
// ingestion invalidates the cache.
type SQLiteStore struct {
	db *sql.DB

	mu          sync.Mutex
	chunkCache  []LawChunk
	cacheLoaded bool
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'free',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS token_credits (
        user_id INTEGER PRIMARY KEY,
        total_tokens INTEGER NOT NULL DEFAULT 0,
        used_tokens INTEGER NOT NULL DEFAULT 0,
        remaining_tokens INTEGER NOT NULL DEFAULT 0,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS token_ledger (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        feature TEXT NOT NULL,
        tokens INTEGER NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        title TEXT,
        model TEXT NOT NULL DEFAULT '',
        total_tokens INTEGER NOT NULL DEFAULT 0,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        document_ids TEXT, -- JSON array of chunk ids, assistant messages only
        tokens INTEGER NOT NULL DEFAULT 0,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE TABLE IF NOT EXISTS law_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        law_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        line_range TEXT NOT NULL DEFAULT '',
        source_url TEXT NOT NULL DEFAULT '',
        content TEXT NOT NULL,
        embedding_json TEXT -- JSON string of []float32
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, role, created_at FROM users WHERE external_user_id = ?", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, passwordHash, role string, starterTokens int64) (*User, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO users (external_user_id, password_hash, role) VALUES (?, ?, ?)", externalUserID, passwordHash, role)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()

	_, err = tx.Exec("INSERT INTO token_credits (user_id, total_tokens, used_tokens, remaining_tokens, updated_at) VALUES (?, ?, 0, ?, ?)",
		id, starterTokens, starterTokens, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to insert token credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user creation: %w", err)
	}
	return s.getUserByID(id)
}

func (s *SQLiteStore) getUserByID(id int64) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, role, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Token accounting methods

func (s *SQLiteStore) GetTokenCredit(userID int64) (*TokenCredit, error) {
	var credit TokenCredit
	err := s.db.QueryRow("SELECT user_id, total_tokens, used_tokens, remaining_tokens, updated_at FROM token_credits WHERE user_id = ?", userID).
		Scan(&credit.UserID, &credit.TotalTokens, &credit.UsedTokens, &credit.RemainingTokens, &credit.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query token credit: %w", err)
	}
	return &credit, nil
}

func (s *SQLiteStore) DebitTokens(userID int64, feature string, tokens int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin debit tx: %w", err)
	}
	defer tx.Rollback()

	// Atomic decrement, not read-then-write: concurrent debits must not
	// both observe the same remaining balance.
	res, err := tx.Exec(
		"UPDATE token_credits SET used_tokens = used_tokens + ?, remaining_tokens = remaining_tokens - ?, updated_at = ? WHERE user_id = ?",
		tokens, tokens, time.Now(), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to update token credit: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return 0, ErrAccountNotFound
	}

	_, err = tx.Exec("INSERT INTO token_ledger (user_id, feature, tokens, created_at) VALUES (?, ?, ?, ?)",
		userID, feature, tokens, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	var remaining int64
	if err := tx.QueryRow("SELECT remaining_tokens FROM token_credits WHERE user_id = ?", userID).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("failed to read remaining balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit debit: %w", err)
	}
	return remaining, nil
}

func (s *SQLiteStore) GetLedgerEntries(userID int64, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.Query("SELECT id, user_id, feature, tokens, created_at FROM token_ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Feature, &e.Tokens, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Conversation methods

func (s *SQLiteStore) ListConversations(userID int64) ([]Conversation, error) {
	rows, err := s.db.Query("SELECT id, user_id, title, model, total_tokens, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var conv Conversation
		var title sql.NullString
		if err := rows.Scan(&conv.ID, &conv.UserID, &title, &conv.Model, &conv.TotalTokens, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		if title.Valid {
			conv.Title = &title.String
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (s *SQLiteStore) GetConversation(conversationID string, userID int64) (*Conversation, error) {
	var conv Conversation
	var title sql.NullString
	err := s.db.QueryRow("SELECT id, user_id, title, model, total_tokens, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?", conversationID, userID).
		Scan(&conv.ID, &conv.UserID, &title, &conv.Model, &conv.TotalTokens, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if title.Valid {
		conv.Title = &title.String
	}
	return &conv, nil
}

func (s *SQLiteStore) GetMessages(conversationID string, limit, offset int) ([]Message, error) {
	query := "SELECT id, conversation_id, role, content, document_ids, tokens, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var docIDs sql.NullString
	if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &docIDs, &msg.Tokens, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}
	if docIDs.Valid && docIDs.String != "" {
		if err := json.Unmarshal([]byte(docIDs.String), &msg.DocumentIDs); err != nil {
			log.Printf("Warning: failed to unmarshal document_ids for message %s: %v", msg.ID, err)
		}
	}
	return &msg, nil
}

// SaveConversationTurn runs create-or-ownership-check plus the two message
// appends as one transaction.
func (s *SQLiteStore) SaveConversationTurn(turn *ConversationTurn) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin turn tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	conversationID := turn.ConversationID

	if conversationID == "" {
		conversationID = uuid.NewString()
		title := turn.Title
		if title == "" {
			title = fmt.Sprintf("Conversation %s", now.Format("2006-01-02"))
		}
		_, err = tx.Exec("INSERT INTO conversations (id, user_id, title, model, total_tokens, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			conversationID, turn.UserID, title, turn.Model, turn.TurnTokens, now, now)
		if err != nil {
			return "", fmt.Errorf("failed to insert conversation: %w", err)
		}
	} else {
		res, err := tx.Exec("UPDATE conversations SET total_tokens = total_tokens + ?, model = ?, updated_at = ? WHERE id = ? AND user_id = ?",
			turn.TurnTokens, turn.Model, now, conversationID, turn.UserID)
		if err != nil {
			return "", fmt.Errorf("failed to update conversation: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return "", ErrNotFoundOrForbidden
		}
	}

	insertMessage := func(msg *Message) error {
		msg.ID = uuid.NewString()
		msg.ConversationID = conversationID
		msg.CreatedAt = now

		var docIDs interface{}
		if len(msg.DocumentIDs) > 0 {
			b, err := json.Marshal(msg.DocumentIDs)
			if err != nil {
				return fmt.Errorf("failed to marshal document ids: %w", err)
			}
			docIDs = string(b)
		}
		_, err := tx.Exec("INSERT INTO messages (id, conversation_id, role, content, document_ids, tokens, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			msg.ID, msg.ConversationID, msg.Role, msg.Content, docIDs, msg.Tokens, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	}

	// Only the newest user/assistant pair is appended; earlier turns were
	// persisted by prior calls.
	if err := insertMessage(&turn.UserMessage); err != nil {
		return "", err
	}
	if err := insertMessage(&turn.AssistantMessage); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit turn: %w", err)
	}
	return conversationID, nil
}

// Chunk methods

func (s *SQLiteStore) AddChunk(chunk *LawChunk) error {
	embeddingBytes, err := json.Marshal(chunk.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	res, err := s.db.Exec("INSERT INTO law_chunks (law_id, title, line_range, source_url, content, embedding_json) VALUES (?, ?, ?, ?, ?, ?)",
		chunk.LawID, chunk.Title, chunk.LineRange, chunk.SourceURL, chunk.Content, string(embeddingBytes))
	if err != nil {
		return fmt.Errorf("failed to insert law chunk: %w", err)
	}
	chunk.ID, _ = res.LastInsertId()

	s.invalidateChunkCache()
	return nil
}

func (s *SQLiteStore) ClearChunks() error {
	if _, err := s.db.Exec("DELETE FROM law_chunks"); err != nil {
		return fmt.Errorf("failed to delete law chunks: %w", err)
	}
	s.invalidateChunkCache()
	return nil
}

func (s *SQLiteStore) CountChunks() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM law_chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count law chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) invalidateChunkCache() {
	s.mu.Lock()
	s.chunkCache = nil
	s.cacheLoaded = false
	s.mu.Unlock()
}

func (s *SQLiteStore) loadChunks() ([]LawChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cacheLoaded {
		return s.chunkCache, nil
	}

	rows, err := s.db.Query("SELECT id, law_id, title, line_range, source_url, content, embedding_json FROM law_chunks ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query law chunks: %w", err)
	}
	defer rows.Close()

	var chunks []LawChunk
	for rows.Next() {
		var chunk LawChunk
		var embeddingJSON sql.NullString
		if err := rows.Scan(&chunk.ID, &chunk.LawID, &chunk.Title, &chunk.LineRange, &chunk.SourceURL, &chunk.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan law chunk row: %w", err)
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &chunk.Embedding); err != nil {
				log.Printf("Warning: failed to unmarshal embedding for chunk %d: %v. Chunk will be skipped in search.", chunk.ID, err)
				chunk.Embedding = nil
			}
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.chunkCache = chunks
	s.cacheLoaded = true
	return chunks, nil
}

func (s *SQLiteStore) SearchChunks(embedding []float32, limit int, filter map[string]string) ([]ScoredChunk, error) {
	chunks, err := s.loadChunks()
	if err != nil {
		return nil, err
	}

	var scored []ScoredChunk
	for _, chunk := range chunks {
		if lawID, ok := filter["law_id"]; ok && chunk.LawID != lawID {
			continue
		}
		if len(chunk.Embedding) == 0 {
			continue
		}
		cosine, err := utils.CosineSimilarity(embedding, chunk.Embedding)
		if err != nil {
			log.Printf("Error calculating similarity for chunk %d: %v. Skipping.", chunk.ID, err)
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: chunk, Similarity: utils.SimilarityScore(cosine)})
	}

	// Descending similarity; ties keep storage order.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
