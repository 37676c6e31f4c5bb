// Package store holds the client's in-memory, per-thread chat logs.
//
// Each thread is an ordered, id-deduplicated list of messages. The order is
// the server's append order as delivered by the last authoritative refetch,
// followed by any optimistic entries the server has not confirmed yet.
//
// Concurrency: all methods are safe for concurrent use. Stale asynchronous
// results are rejected with a per-thread generation counter: callers take a
// generation before an awaited call and apply the result with LoadIfCurrent.
// Every local mutation also advances the generation, so a refetch that
// started before a delete can never resurrect the deleted message.
package store

import (
	"log"
	"sync"
	"time"

	"github.com/portalchat/chatsync/internal/chat"
)

// LoadMode selects how Load merges a message list into a thread.
type LoadMode int

const (
	// ReplaceAll overwrites the thread with an authoritative list.
	ReplaceAll LoadMode = iota

	// AppendIfAbsent appends only messages whose id is not present yet.
	AppendIfAbsent
)

func (m LoadMode) String() string {
	switch m {
	case ReplaceAll:
		return "replace"
	case AppendIfAbsent:
		return "append-if-absent"
	default:
		return "unknown"
	}
}

// DefaultMatchWindow is how far apart an optimistic message and a server
// message may be timestamped and still be treated as the same send.
const DefaultMatchWindow = 2 * time.Minute

// thread is the per-thread state. Guarded by Store.mu.
type thread struct {
	msgs        []chat.ChatMessage
	ids         map[string]struct{}
	unconfirmed map[string]struct{}
	loaded      bool
}

func newThread() *thread {
	return &thread{
		ids:         make(map[string]struct{}),
		unconfirmed: make(map[string]struct{}),
	}
}

// Store is the per-thread message cache.
type Store struct {
	mu          sync.RWMutex
	threads     map[chat.ThreadKey]*thread
	generations map[chat.ThreadKey]uint64 // survives Teardown
	matchWindow time.Duration
}

// New creates an empty store. A matchWindow <= 0 uses DefaultMatchWindow.
func New(matchWindow time.Duration) *Store {
	if matchWindow <= 0 {
		matchWindow = DefaultMatchWindow
	}
	return &Store{
		threads:     make(map[chat.ThreadKey]*thread),
		generations: make(map[chat.ThreadKey]uint64),
		matchWindow: matchWindow,
	}
}

// threadLocked returns the thread for key, creating it. Caller holds mu.
func (s *Store) threadLocked(key chat.ThreadKey) *thread {
	t, ok := s.threads[key]
	if !ok {
		t = newThread()
		s.threads[key] = t
	}
	return t
}

// Load merges msgs into the thread according to mode.
// ReplaceAll also marks the thread loaded and reconciles optimistic entries.
// AppendIfAbsent advances the generation when it adds anything.
func (s *Store) Load(key chat.ThreadKey, msgs []chat.ChatMessage, mode LoadMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(key, msgs, mode)
}

func (s *Store) loadLocked(key chat.ThreadKey, msgs []chat.ChatMessage, mode LoadMode) {
	t := s.threadLocked(key)

	switch mode {
	case ReplaceAll:
		s.replaceLocked(t, msgs)
		t.loaded = true
	case AppendIfAbsent:
		added := false
		for _, m := range msgs {
			if _, exists := t.ids[m.ID]; exists || m.ID == "" {
				continue
			}
			t.msgs = append(t.msgs, m)
			t.ids[m.ID] = struct{}{}
			added = true
		}
		// A refetch that began before this insert must not replace it away.
		if added {
			s.generations[key]++
		}
	default:
		log.Printf("store: ignoring load with unknown mode %d for %s", mode, key)
	}
}

// replaceLocked installs an authoritative list and carries forward optimistic
// entries the list does not account for.
func (s *Store) replaceLocked(t *thread, msgs []chat.ChatMessage) {
	auth := make([]chat.ChatMessage, 0, len(msgs))
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		auth = append(auth, m)
	}

	claimed := make(map[int]bool)
	var pending []chat.ChatMessage
	for _, m := range t.msgs {
		if _, isOptimistic := t.unconfirmed[m.ID]; !isOptimistic {
			continue
		}
		if _, confirmed := ids[m.ID]; confirmed {
			delete(t.unconfirmed, m.ID)
			continue
		}
		if j := s.matchIndex(auth, m, claimed); j >= 0 {
			claimed[j] = true
			delete(t.unconfirmed, m.ID)
			continue
		}
		pending = append(pending, m)
	}

	for _, m := range pending {
		ids[m.ID] = struct{}{}
	}
	t.msgs = append(auth, pending...)
	t.ids = ids
}

// matchIndex finds an unclaimed authoritative message that is the same send
// as the optimistic entry m: same author, same text, close timestamps.
func (s *Store) matchIndex(auth []chat.ChatMessage, m chat.ChatMessage, claimed map[int]bool) int {
	mt := m.Time()
	for j, a := range auth {
		if claimed[j] || a.AuthorID != m.AuthorID || a.Text != m.Text {
			continue
		}
		if !sameAttachment(a.Attachment, m.Attachment) {
			continue
		}
		at := a.Time()
		if mt.IsZero() || at.IsZero() {
			continue
		}
		delta := at.Sub(mt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.matchWindow {
			return j
		}
	}
	return -1
}

func sameAttachment(a, b *chat.Attachment) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Name == b.Name
}

// InsertOptimistic appends msg before server confirmation and tracks it as
// unconfirmed. A message whose id is already present is ignored.
func (s *Store) InsertOptimistic(key chat.ThreadKey, msg chat.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(key)
	if _, exists := t.ids[msg.ID]; exists || msg.ID == "" {
		return false
	}
	t.msgs = append(t.msgs, msg)
	t.ids[msg.ID] = struct{}{}
	t.unconfirmed[msg.ID] = struct{}{}
	s.generations[key]++
	return true
}

// Confirm clears the unconfirmed flag for id, e.g. after a durable retry.
func (s *Store) Confirm(key chat.ThreadKey, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[key]; ok {
		if _, pending := t.unconfirmed[id]; pending {
			delete(t.unconfirmed, id)
			s.generations[key]++
		}
	}
}

// Remove deletes one message. It reports whether the id was present.
func (s *Store) Remove(key chat.ThreadKey, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[key]
	if !ok {
		return false
	}
	if _, exists := t.ids[id]; !exists {
		return false
	}
	for i, m := range t.msgs {
		if m.ID == id {
			t.msgs = append(t.msgs[:i:i], t.msgs[i+1:]...)
			break
		}
	}
	delete(t.ids, id)
	delete(t.unconfirmed, id)
	s.generations[key]++
	return true
}

// Get returns the message with id.
func (s *Store) Get(key chat.ThreadKey, id string) (chat.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[key]
	if !ok {
		return chat.ChatMessage{}, false
	}
	for _, m := range t.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return chat.ChatMessage{}, false
}

// Messages returns a copy of the full ordered list.
func (s *Store) Messages(key chat.ThreadKey) []chat.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[key]
	if !ok {
		return nil
	}
	out := make([]chat.ChatMessage, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Window returns the most recent count messages that pass filter (nil
// passes everything), in original order, and whether older matches exist.
func (s *Store) Window(key chat.ThreadKey, filter func(chat.ChatMessage) bool, count int) ([]chat.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[key]
	if !ok {
		return nil, false
	}

	candidates := t.msgs
	if filter != nil {
		candidates = make([]chat.ChatMessage, 0, len(t.msgs))
		for _, m := range t.msgs {
			if filter(m) {
				candidates = append(candidates, m)
			}
		}
	}

	if count < 0 {
		count = 0
	}
	start := len(candidates) - count
	if start < 0 {
		start = 0
	}
	out := make([]chat.ChatMessage, len(candidates)-start)
	copy(out, candidates[start:])
	return out, start > 0
}

// Len returns the number of messages in the thread.
func (s *Store) Len(key chat.ThreadKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.threads[key]; ok {
		return len(t.msgs)
	}
	return 0
}

// Loaded reports whether an authoritative list has been loaded for key.
func (s *Store) Loaded(key chat.ThreadKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[key]
	return ok && t.loaded
}

// IsUnconfirmed reports whether id is an optimistic entry not yet seen in
// an authoritative list.
func (s *Store) IsUnconfirmed(key chat.ThreadKey, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[key]
	if !ok {
		return false
	}
	_, pending := t.unconfirmed[id]
	return pending
}

// Unconfirmed returns the optimistic entries still awaiting confirmation,
// in thread order.
func (s *Store) Unconfirmed(key chat.ThreadKey) []chat.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[key]
	if !ok {
		return nil
	}
	var out []chat.ChatMessage
	for _, m := range t.msgs {
		if _, pending := t.unconfirmed[m.ID]; pending {
			out = append(out, m)
		}
	}
	return out
}

// BeginGeneration advances the thread's generation and returns it. Results
// of work started under an older generation are stale.
func (s *Store) BeginGeneration(key chat.ThreadKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[key]++
	return s.generations[key]
}

// Generation returns the current generation for key.
func (s *Store) Generation(key chat.ThreadKey) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generations[key]
}

// LoadIfCurrent applies an authoritative list only if gen is still the
// thread's current generation. It reports whether the list was applied.
func (s *Store) LoadIfCurrent(key chat.ThreadKey, gen uint64, msgs []chat.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generations[key] != gen {
		log.Printf("store: discarding stale refetch for %s (generation %d, current %d)", key, gen, s.generations[key])
		return false
	}
	s.loadLocked(key, msgs, ReplaceAll)
	return true
}

// Teardown drops the thread's in-memory state and invalidates any in-flight
// work for it. Nothing is deleted server-side.
func (s *Store) Teardown(key chat.ThreadKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, key)
	s.generations[key]++
}
