package storage

// tokens.go contains SQLiteStore methods for API token CRUD operations.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Token is an issued API token. TokenHash is a bcrypt hash; the raw token
// is never stored.
type Token struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	LastSeen  time.Time
}

// SaveToken persists a token, replacing any row with the same ID.
func (s *SQLiteStore) SaveToken(token *Token) error {
	if token == nil {
		return errors.New("token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving token %s for user %s", token.ID, token.UserID)

	const query = `
		INSERT OR REPLACE INTO api_tokens
			(id, user_id, token_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.CreatedAt.Format(time.RFC3339Nano),
		token.LastSeen.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	return nil
}

// ListTokens returns all tokens, oldest first.
func (s *SQLiteStore) ListTokens() ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, user_id, token_hash, created_at, last_seen
		FROM api_tokens
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}

	return tokens, nil
}

// DeleteToken removes a token. Deleting a missing token is not an error.
func (s *SQLiteStore) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: deleting token %s", id)

	if _, err := s.db.Exec("DELETE FROM api_tokens WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen timestamp for a token.
// Returns ErrTokenNotFound if the token does not exist.
func (s *SQLiteStore) UpdateLastSeen(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("UPDATE api_tokens SET last_seen = ? WHERE id = ?", t.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrTokenNotFound
	}

	return nil
}

func scanToken(rows *sql.Rows) (*Token, error) {
	var (
		token     Token
		createdAt string
		lastSeen  string
	)
	if err := rows.Scan(&token.ID, &token.UserID, &token.TokenHash, &createdAt, &lastSeen); err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}

	var err error
	token.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	token.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	return &token, nil
}
