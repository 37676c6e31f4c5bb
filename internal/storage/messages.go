package storage

// messages.go contains SQLiteStore methods for chat thread persistence.

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/portalchat/chatsync/internal/chat"
)

// ListMessages returns the thread's messages in append order.
// A thread that has never been written to is empty, not an error.
func (s *SQLiteStore) ListMessages(key chat.ThreadKey) ([]chat.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, author_id, timestamp, text, attachment_name, attachment_url
		FROM chat_messages
		WHERE chat_type = ? AND chat_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.Query(query, string(key.Type), key.ID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []chat.ChatMessage{}
	for rows.Next() {
		var (
			msg     chat.ChatMessage
			attName sql.NullString
			attURL  sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.AuthorID, &msg.Timestamp, &msg.Text, &attName, &attURL); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if attName.Valid || attURL.Valid {
			msg.Attachment = &chat.Attachment{Name: attName.String, URL: attURL.String}
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return msgs, nil
}

// AppendMessage adds msg to the end of the thread. A message whose id is
// already in the thread is ignored and inserted is false.
func (s *SQLiteStore) AppendMessage(key chat.ThreadKey, msg chat.ChatMessage) (inserted bool, err error) {
	if msg.ID == "" {
		return false, fmt.Errorf("message id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT OR IGNORE INTO chat_messages
			(chat_type, chat_id, id, author_id, timestamp, text, attachment_name, attachment_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var attName, attURL sql.NullString
	if msg.Attachment != nil {
		attName = sql.NullString{String: msg.Attachment.Name, Valid: true}
		attURL = sql.NullString{String: msg.Attachment.URL, Valid: true}
	}

	result, err := s.db.Exec(query,
		string(key.Type), key.ID,
		msg.ID, msg.AuthorID, msg.Timestamp, msg.Text,
		attName, attURL,
	)
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		log.Printf("storage: message %s already in %s, ignored", msg.ID, key)
		return false, nil
	}
	return true, nil
}

// DeleteMessage removes one message. found is false when the id was not in
// the thread.
func (s *SQLiteStore) DeleteMessage(key chat.ThreadKey, id string) (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"DELETE FROM chat_messages WHERE chat_type = ? AND chat_id = ? AND id = ?",
		string(key.Type), key.ID, id,
	)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}
