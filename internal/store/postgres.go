package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/pgvector/pgvector-go"
)

// PostgresStore implements the same contract as SQLiteStore with chunk
// retrieval pushed into pgvector (cosine distance operator).
type PostgresStore struct {
	db   *sql.DB
	dims int
}

func NewPostgresStore(connString string, embeddingDims int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("unable to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	store := &PostgresStore{db: db, dims: embeddingDims}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (pg *PostgresStore) Close() error {
	return pg.db.Close()
}

func (pg *PostgresStore) initSchema() error {
	schema := fmt.Sprintf(`
    CREATE EXTENSION IF NOT EXISTS vector;

    CREATE TABLE IF NOT EXISTS users (
        id BIGSERIAL PRIMARY KEY,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'free',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE TABLE IF NOT EXISTS token_credits (
        user_id BIGINT PRIMARY KEY REFERENCES users (id),
        total_tokens BIGINT NOT NULL DEFAULT 0,
        used_tokens BIGINT NOT NULL DEFAULT 0,
        remaining_tokens BIGINT NOT NULL DEFAULT 0,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE TABLE IF NOT EXISTS token_ledger (
        id BIGSERIAL PRIMARY KEY,
        user_id BIGINT NOT NULL REFERENCES users (id),
        feature TEXT NOT NULL,
        tokens BIGINT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY,
        user_id BIGINT NOT NULL REFERENCES users (id),
        title TEXT,
        model TEXT NOT NULL DEFAULT '',
        total_tokens BIGINT NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        seq BIGSERIAL,
        conversation_id TEXT NOT NULL REFERENCES conversations (id),
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        document_ids TEXT,
        tokens BIGINT NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );

    CREATE TABLE IF NOT EXISTS law_chunks (
        id BIGSERIAL PRIMARY KEY,
        law_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        line_range TEXT NOT NULL DEFAULT '',
        source_url TEXT NOT NULL DEFAULT '',
        content TEXT NOT NULL,
        embedding vector(%d)
    );
    `, pg.dims)
	_, err := pg.db.Exec(schema)
	return err
}

func (pg *PostgresStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := pg.db.QueryRow("SELECT id, external_user_id, password_hash, role, created_at FROM users WHERE external_user_id = $1", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (pg *PostgresStore) CreateUser(externalUserID, passwordHash, role string, starterTokens int64) (*User, error) {
	tx, err := pg.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var user User
	err = tx.QueryRow(
		"INSERT INTO users (external_user_id, password_hash, role) VALUES ($1, $2, $3) RETURNING id, external_user_id, password_hash, role, created_at",
		externalUserID, passwordHash, role).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	_, err = tx.Exec("INSERT INTO token_credits (user_id, total_tokens, used_tokens, remaining_tokens) VALUES ($1, $2, 0, $2)",
		user.ID, starterTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to insert token credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user creation: %w", err)
	}
	return &user, nil
}

func (pg *PostgresStore) GetTokenCredit(userID int64) (*TokenCredit, error) {
	var credit TokenCredit
	err := pg.db.QueryRow("SELECT user_id, total_tokens, used_tokens, remaining_tokens, updated_at FROM token_credits WHERE user_id = $1", userID).
		Scan(&credit.UserID, &credit.TotalTokens, &credit.UsedTokens, &credit.RemainingTokens, &credit.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query token credit: %w", err)
	}
	return &credit, nil
}

func (pg *PostgresStore) DebitTokens(userID int64, feature string, tokens int64) (int64, error) {
	tx, err := pg.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin debit tx: %w", err)
	}
	defer tx.Rollback()

	var remaining int64
	err = tx.QueryRow(
		"UPDATE token_credits SET used_tokens = used_tokens + $1, remaining_tokens = remaining_tokens - $1, updated_at = now() WHERE user_id = $2 RETURNING remaining_tokens",
		tokens, userID).Scan(&remaining)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to update token credit: %w", err)
	}

	_, err = tx.Exec("INSERT INTO token_ledger (user_id, feature, tokens) VALUES ($1, $2, $3)", userID, feature, tokens)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit debit: %w", err)
	}
	return remaining, nil
}

func (pg *PostgresStore) GetLedgerEntries(userID int64, limit int) ([]LedgerEntry, error) {
	rows, err := pg.db.Query("SELECT id, user_id, feature, tokens, created_at FROM token_ledger WHERE user_id = $1 ORDER BY id DESC LIMIT $2", userID, limit)
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

func (pg *PostgresStore) ListConversations(userID int64) ([]Conversation, error) {
	rows, err := pg.db.Query("SELECT id, user_id, title, model, total_tokens, created_at, updated_at FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC", userID)
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

func (pg *PostgresStore) GetConversation(conversationID string, userID int64) (*Conversation, error) {
	var conv Conversation
	var title sql.NullString
	err := pg.db.QueryRow("SELECT id, user_id, title, model, total_tokens, created_at, updated_at FROM conversations WHERE id = $1 AND user_id = $2", conversationID, userID).
		Scan(&conv.ID, &conv.UserID, &title, &conv.Model, &conv.TotalTokens, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if title.Valid {
		conv.Title = &title.String
	}
	return &conv, nil
}

func (pg *PostgresStore) GetMessages(conversationID string, limit, offset int) ([]Message, error) {
	rows, err := pg.db.Query(
		"SELECT id, conversation_id, role, content, document_ids, tokens, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, seq ASC LIMIT $2 OFFSET $3",
		conversationID, limit, offset)
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

func (pg *PostgresStore) SaveConversationTurn(turn *ConversationTurn) (string, error) {
	tx, err := pg.db.Begin()
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
		_, err = tx.Exec("INSERT INTO conversations (id, user_id, title, model, total_tokens, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $6)",
			conversationID, turn.UserID, title, turn.Model, turn.TurnTokens, now)
		if err != nil {
			return "", fmt.Errorf("failed to insert conversation: %w", err)
		}
	} else {
		res, err := tx.Exec("UPDATE conversations SET total_tokens = total_tokens + $1, model = $2, updated_at = $3 WHERE id = $4 AND user_id = $5",
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
		_, err := tx.Exec("INSERT INTO messages (id, conversation_id, role, content, document_ids, tokens, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
			msg.ID, msg.ConversationID, msg.Role, msg.Content, docIDs, msg.Tokens, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	}

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

func (pg *PostgresStore) AddChunk(chunk *LawChunk) error {
	if len(chunk.Embedding) == 0 {
		return fmt.Errorf("chunk embedding cannot be empty")
	}

	vec := pgvector.NewVector(chunk.Embedding)
	err := pg.db.QueryRow(
		"INSERT INTO law_chunks (law_id, title, line_range, source_url, content, embedding) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		chunk.LawID, chunk.Title, chunk.LineRange, chunk.SourceURL, chunk.Content, vec).Scan(&chunk.ID)
	if err != nil {
		return fmt.Errorf("failed to insert law chunk: %w", err)
	}
	return nil
}

func (pg *PostgresStore) ClearChunks() error {
	if _, err := pg.db.Exec("DELETE FROM law_chunks"); err != nil {
		return fmt.Errorf("failed to delete law chunks: %w", err)
	}
	return nil
}

func (pg *PostgresStore) CountChunks() (int64, error) {
	var n int64
	if err := pg.db.QueryRow("SELECT COUNT(*) FROM law_chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count law chunks: %w", err)
	}
	return n, nil
}

func (pg *PostgresStore) SearchChunks(embedding []float32, limit int, filter map[string]string) ([]ScoredChunk, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vec := pgvector.NewVector(embedding)
	query := `
		SELECT id, law_id, title, line_range, source_url, content, 1 - (embedding <=> $1) AS similarity
		FROM law_chunks`
	args := []interface{}{vec}
	if lawID, ok := filter["law_id"]; ok {
		query += " WHERE law_id = $2"
		args = append(args, lawID)
	}
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT %d", limit)

	rows, err := pg.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute chunk search: %w", err)
	}
	defer rows.Close()

	var scored []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.LawID, &sc.Chunk.Title, &sc.Chunk.LineRange, &sc.Chunk.SourceURL, &sc.Chunk.Content, &sc.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan scored chunk: %w", err)
		}
		if sc.Similarity < 0 {
			sc.Similarity = 0
		}
		scored = append(scored, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk results: %w", err)
	}
	return scored, nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*SQLiteStore)(nil)
