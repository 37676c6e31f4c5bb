package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 3

// initSchema creates the required tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	migrations := []func() error{
		s.migrateToV1,
		s.migrateToV2,
		s.migrateToV3,
	}
	for i, migrate := range migrations {
		target := i + 1
		if version >= target {
			continue
		}
		if err := migrate(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", target, err)
		}
		if err := s.recordMigration(target); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// migrateToV1 creates the chat_messages table.
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// seq preserves append order within a thread; the portal returns messages
	// in the order they were accepted, not by timestamp.
	const messagesTable = `
		CREATE TABLE IF NOT EXISTS chat_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_type TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			attachment_name TEXT,
			attachment_url TEXT,
			UNIQUE (chat_type, chat_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread ON chat_messages(chat_type, chat_id, seq);
	`

	if _, err := s.db.Exec(messagesTable); err != nil {
		return fmt.Errorf("create chat_messages table: %w", err)
	}
	return nil
}

// migrateToV2 adds the users table backing /api/users/.
func (s *SQLiteStore) migrateToV2() error {
	log.Printf("storage: applying migration to schema version 2")

	const usersTable = `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(usersTable); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

// migrateToV3 adds the api_tokens table. Only bcrypt hashes are stored; the
// raw token is shown once at creation.
func (s *SQLiteStore) migrateToV3() error {
	log.Printf("storage: applying migration to schema version 3")

	const tokensTable = `
		CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_user ON api_tokens(user_id);
	`

	if _, err := s.db.Exec(tokensTable); err != nil {
		return fmt.Errorf("create api_tokens table: %w", err)
	}
	return nil
}
