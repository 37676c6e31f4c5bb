package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/portalchat/chatsync/internal/chat"
)

// SaveUser inserts or replaces a directory entry.
func (s *SQLiteStore) SaveUser(u chat.User) error {
	if u.ID == "" {
		return errors.New("user id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving user %s", u.ID)

	const query = `
		INSERT INTO users (id, first_name, last_name, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			role = excluded.role
	`

	if _, err := s.db.Exec(query, u.ID, u.FirstName, u.LastName, u.Role, time.Now().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// GetUser returns ErrUserNotFound if id is unknown.
func (s *SQLiteStore) GetUser(id string) (chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u chat.User
	err := s.db.QueryRow(
		"SELECT id, first_name, last_name, role FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, ErrUserNotFound
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListUsers returns the whole directory ordered by creation.
func (s *SQLiteStore) ListUsers() ([]chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, first_name, last_name, role FROM users ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := []chat.User{}
	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Role); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, nil
}
