package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/portalchat/chatsync/internal/chat"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var storyKey = chat.ThreadKey{Type: chat.ResourceStory, ID: "s1"}

// TestNewSQLiteStore verifies that a store can be created with an in-memory database.
func TestNewSQLiteStore(t *testing.T) {
	store := newTestStore(t)

	msgs, err := store.ListMessages(storyKey)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("expected empty non-nil list, got %v", msgs)
	}
}

// TestSchemaVersionRecorded verifies each migration is recorded once and
// reopening a file database does not reapply them.
func TestSchemaVersionRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	for i := 0; i < 2; i++ {
		store, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("open #%d failed: %v", i, err)
		}
		var count, max int
		if err := store.db.QueryRow("SELECT COUNT(*), MAX(version) FROM schema_version").Scan(&count, &max); err != nil {
			t.Fatalf("query schema_version: %v", err)
		}
		if count != currentSchemaVersion || max != currentSchemaVersion {
			t.Errorf("open #%d: count=%d max=%d, want %d", i, count, max, currentSchemaVersion)
		}
		store.Close()
	}
}

// TestAppendAndListMessages verifies append order and attachment round trip.
func TestAppendAndListMessages(t *testing.T) {
	store := newTestStore(t)

	first := chat.ChatMessage{ID: "m2", AuthorID: "u1", Timestamp: "2024-05-01T10:00:00Z", Text: "hello"}
	second := chat.ChatMessage{
		ID: "m1", AuthorID: "u2", Timestamp: "2024-05-01T09:00:00Z", Text: "",
		Attachment: &chat.Attachment{Name: "a.png", URL: "data:image/png;base64,AA=="},
	}

	for _, m := range []chat.ChatMessage{first, second} {
		inserted, err := store.AppendMessage(storyKey, m)
		if err != nil {
			t.Fatalf("AppendMessage(%s) failed: %v", m.ID, err)
		}
		if !inserted {
			t.Errorf("AppendMessage(%s) inserted = false", m.ID)
		}
	}

	got, err := store.ListMessages(storyKey)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Append order wins over timestamps.
	if got[0].ID != "m2" || got[1].ID != "m1" {
		t.Errorf("order = [%s %s], want [m2 m1]", got[0].ID, got[1].ID)
	}
	if got[0].Attachment != nil {
		t.Errorf("m2 attachment = %+v, want nil", got[0].Attachment)
	}
	if got[1].Attachment == nil || got[1].Attachment.Name != "a.png" {
		t.Errorf("m1 attachment = %+v", got[1].Attachment)
	}
}

// TestAppendMessageDuplicateIgnored verifies insert-or-ignore by (thread, id).
func TestAppendMessageDuplicateIgnored(t *testing.T) {
	store := newTestStore(t)
	msg := chat.ChatMessage{ID: "m1", AuthorID: "u1", Timestamp: "2024-05-01T10:00:00Z", Text: "one"}

	if _, err := store.AppendMessage(storyKey, msg); err != nil {
		t.Fatal(err)
	}
	msg.Text = "changed"
	inserted, err := store.AppendMessage(storyKey, msg)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate append reported inserted")
	}

	// Same id in a different thread is a different message.
	other := chat.ThreadKey{Type: chat.ResourceProject, ID: "s1"}
	inserted, err = store.AppendMessage(other, msg)
	if err != nil || !inserted {
		t.Errorf("append to other thread: inserted=%v err=%v", inserted, err)
	}

	got, _ := store.ListMessages(storyKey)
	if len(got) != 1 || got[0].Text != "one" {
		t.Errorf("story thread = %+v, want original message only", got)
	}
}

func TestAppendMessageRequiresID(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AppendMessage(storyKey, chat.ChatMessage{Text: "x"}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestDeleteMessage(t *testing.T) {
	store := newTestStore(t)
	store.AppendMessage(storyKey, chat.ChatMessage{ID: "m1", AuthorID: "u1", Timestamp: "t"})
	store.AppendMessage(storyKey, chat.ChatMessage{ID: "m2", AuthorID: "u1", Timestamp: "t"})

	found, err := store.DeleteMessage(storyKey, "m1")
	if err != nil || !found {
		t.Fatalf("DeleteMessage(m1) = %v, %v", found, err)
	}
	found, err = store.DeleteMessage(storyKey, "m1")
	if err != nil || found {
		t.Errorf("second DeleteMessage(m1) = %v, %v; want false, nil", found, err)
	}

	got, _ := store.ListMessages(storyKey)
	if len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("remaining = %+v, want [m2]", got)
	}
}

func TestUsers(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetUser("u1"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser on empty store err = %v, want ErrUserNotFound", err)
	}

	if err := store.SaveUser(chat.User{ID: "u1", FirstName: "Ada", LastName: "Lovelace", Role: "PM"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveUser(chat.User{ID: "u2", FirstName: "Alan", LastName: "Turing", Role: "Dev"}); err != nil {
		t.Fatal(err)
	}
	// Upsert keeps a single row.
	if err := store.SaveUser(chat.User{ID: "u1", FirstName: "Ada", LastName: "King", Role: "PM"}); err != nil {
		t.Fatal(err)
	}

	u, err := store.GetUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.LastName != "King" {
		t.Errorf("LastName = %q, want King", u.LastName)
	}

	users, err := store.ListUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Errorf("len(users) = %d, want 2", len(users))
	}

	if err := store.SaveUser(chat.User{}); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestTokens(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	tok := &Token{ID: "t1", UserID: "u1", TokenHash: "hash", CreatedAt: now, LastSeen: now}
	if err := store.SaveToken(tok); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	later := now.Add(time.Hour)
	if err := store.UpdateLastSeen("t1", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}
	if err := store.UpdateLastSeen("missing", later); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("UpdateLastSeen(missing) err = %v, want ErrTokenNotFound", err)
	}

	tokens, err := store.ListTokens()
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 {
		t.Fatalf("len(tokens) = %d, want 1", len(tokens))
	}
	if !tokens[0].LastSeen.Equal(later) {
		t.Errorf("LastSeen = %v, want %v", tokens[0].LastSeen, later)
	}
	if tokens[0].UserID != "u1" || tokens[0].TokenHash != "hash" {
		t.Errorf("token = %+v", tokens[0])
	}

	if err := store.DeleteToken("t1"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteToken("t1"); err != nil {
		t.Errorf("idempotent DeleteToken err = %v", err)
	}
	tokens, _ = store.ListTokens()
	if len(tokens) != 0 {
		t.Errorf("tokens after delete = %d", len(tokens))
	}

	if err := store.SaveToken(nil); err == nil {
		t.Error("expected error for nil token")
	}
}

// TestConcurrentAppend verifies concurrent writers do not lose messages.
func TestConcurrentAppend(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := chat.ChatMessage{ID: fmt.Sprintf("m%d", i), AuthorID: "u1", Timestamp: "t"}
			if _, err := store.AppendMessage(storyKey, msg); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.ListMessages(storyKey)
	if len(got) != 20 {
		t.Errorf("len = %d, want 20", len(got))
	}
}
