// Package delivery decides how each chat operation reaches the server and
// applies the outcome to the message store.
//
// Sends take the push channel when it is open and the draft has no
// attachment; everything else goes through the durable REST path. Inbound
// push frames are treated as signals only: the thread is refetched and the
// server's list replaces the local one.
package delivery

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portalchat/chatsync/internal/api"
	"github.com/portalchat/chatsync/internal/attachment"
	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/conn"
	apperrors "github.com/portalchat/chatsync/internal/errors"
	"github.com/portalchat/chatsync/internal/logx"
	"github.com/portalchat/chatsync/internal/store"
)

const (
	// DefaultBulkParallelism caps concurrent deletes in BulkDelete.
	DefaultBulkParallelism = 4

	// maxRefetchAttempts bounds how often a refetch is retried after a
	// local mutation made its result stale.
	maxRefetchAttempts = 3

	changeBufferSize = 64
)

// Durable is the REST path. *api.Client implements it.
type Durable interface {
	FetchThread(ctx context.Context, key chat.ThreadKey) ([]chat.ChatMessage, error)
	CreateMessage(ctx context.Context, key chat.ThreadKey, msg chat.ChatMessage) (chat.ChatMessage, error)
	DeleteMessage(ctx context.Context, key chat.ThreadKey, messageID string) error
}

// Connector opens push channels. *conn.Manager implements it.
type Connector interface {
	Connect(key chat.ThreadKey) conn.Channel
}

// Draft is what the user composed.
type Draft struct {
	Text string
	File *attachment.Source
}

// BulkResult summarizes a BulkDelete.
type BulkResult struct {
	Succeeded int
	Failed    int
	FailedIDs []string
}

// Options configures a Coordinator.
type Options struct {
	// UserID is the session user; it authors sends and gates edit/delete.
	UserID string

	// MaxAttachmentBytes is the client-side ceiling. 0 uses the default.
	MaxAttachmentBytes int64

	// BulkParallelism caps concurrent deletes. 0 uses the default.
	BulkParallelism int

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// threadState is an active thread's push wiring.
type threadState struct {
	ch     conn.Channel
	perms  chat.Permissions
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns every store mutation. It is safe for concurrent use.
type Coordinator struct {
	store     *store.Store
	durable   Durable
	connector Connector
	encoder   attachment.Encoder
	opts      Options

	mu      sync.Mutex
	threads map[chat.ThreadKey]*threadState
	locks   map[chat.ThreadKey]*sync.Mutex

	changes chan chat.ThreadKey
}

// New creates a Coordinator. connector may be nil, in which case every send
// takes the durable path and no inbound signals arrive. encoder may be nil
// to use attachment.DataURLEncoder.
func New(st *store.Store, durable Durable, connector Connector, encoder attachment.Encoder, opts Options) *Coordinator {
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = attachment.DefaultMaxBytes
	}
	if opts.BulkParallelism <= 0 {
		opts.BulkParallelism = DefaultBulkParallelism
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "msg-" + uuid.NewString() }
	}
	if encoder == nil {
		encoder = attachment.DataURLEncoder{MaxBytes: opts.MaxAttachmentBytes}
	}
	return &Coordinator{
		store:     st,
		durable:   durable,
		connector: connector,
		encoder:   encoder,
		opts:      opts,
		threads:   make(map[chat.ThreadKey]*threadState),
		locks:     make(map[chat.ThreadKey]*sync.Mutex),
		changes:   make(chan chat.ThreadKey, changeBufferSize),
	}
}

// Store returns the store the coordinator writes to.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// UserID returns the session user.
func (c *Coordinator) UserID() string {
	return c.opts.UserID
}

// Changes emits a thread key whenever that thread's contents changed in the
// background (refetches). Sends are dropped if nobody is listening.
func (c *Coordinator) Changes() <-chan chat.ThreadKey {
	return c.changes
}

func (c *Coordinator) notify(key chat.ThreadKey) {
	select {
	case c.changes <- key:
	default:
	}
}

// threadLock returns the mutex serializing decide-then-mutate sections for key.
func (c *Coordinator) threadLock(key chat.ThreadKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func (c *Coordinator) active(key chat.ThreadKey) *threadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads[key]
}

// IsActive reports whether key has been activated and not deactivated.
func (c *Coordinator) IsActive(key chat.ThreadKey) bool {
	return c.active(key) != nil
}

// mutate runs fn against the store only if key's activation is still st.
// A thread deactivated since st was captured is left alone.
func (c *Coordinator) mutate(key chat.ThreadKey, st *threadState, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.threads[key] != st {
		logx.Debugf("delivery: dropping mutation for %s, thread no longer active", key)
		return false
	}
	fn()
	return true
}

// checkCanChat requires an activation granting chat. A thread that was never
// activated has no declared permissions and is refused.
func (c *Coordinator) checkCanChat(st *threadState) error {
	if st == nil {
		return apperrors.PermissionDenied("chat in a thread that is not active")
	}
	if !st.perms.CanChat {
		return apperrors.PermissionDenied("chat in this thread")
	}
	return nil
}

// failed classifies a durable error. Auth errors keep their code so the
// caller can prompt for sign-in.
func failed(op string, err error) error {
	if apperrors.IsCode(err, apperrors.CodeAuthInvalid) {
		return err
	}
	return apperrors.DeliveryFailed(op, err)
}

// Activate opens the thread's push channel, starts forwarding its signals
// into refetches, and performs the initial load. Activating an active
// thread only updates its permissions and loads it if it is not loaded.
func (c *Coordinator) Activate(ctx context.Context, key chat.ThreadKey, perms chat.Permissions) error {
	if err := key.Validate(); err != nil {
		return apperrors.InvalidMessage(err.Error())
	}
	if !perms.CanView {
		return apperrors.PermissionDenied("view this chat")
	}

	c.mu.Lock()
	if st, ok := c.threads[key]; ok {
		st.perms = perms
		c.mu.Unlock()
		return c.Fetch(ctx, key, false)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	st := &threadState{perms: perms, cancel: cancel, done: make(chan struct{})}
	if c.connector != nil {
		st.ch = c.connector.Connect(key)
	}
	c.threads[key] = st
	c.mu.Unlock()

	if st.ch != nil {
		go c.pump(pumpCtx, key, st)
	} else {
		close(st.done)
	}

	log.Printf("delivery: activated %s", key)
	return c.Refetch(ctx, key)
}

// Deactivate closes the push channel and drops the thread's local state.
// In-flight work for the thread is discarded.
func (c *Coordinator) Deactivate(key chat.ThreadKey) {
	c.mu.Lock()
	st, ok := c.threads[key]
	delete(c.threads, key)
	c.mu.Unlock()
	if !ok {
		return
	}

	st.cancel()
	if st.ch != nil {
		st.ch.Close()
	}
	<-st.done

	c.mu.Lock()
	c.store.Teardown(key)
	c.mu.Unlock()
	log.Printf("delivery: deactivated %s", key)
}

// Close deactivates every active thread.
func (c *Coordinator) Close() {
	c.mu.Lock()
	keys := make([]chat.ThreadKey, 0, len(c.threads))
	for k := range c.threads {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.Deactivate(k)
	}
}

// pump turns push events into refetches until the thread is deactivated.
func (c *Coordinator) pump(ctx context.Context, key chat.ThreadKey, st *threadState) {
	defer close(st.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("delivery: pump for %s panicked: %v", key, r)
		}
	}()

	wasOpen := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-st.ch.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case conn.EventInbound:
				if ev.Frame.Type != chat.FrameTypeChatMessage {
					logx.Debugf("delivery: ignoring %q frame on %s", ev.Frame.Type, key)
					continue
				}
				c.refetchInBackground(ctx, key)
			case conn.EventState:
				if ev.State != conn.Open {
					continue
				}
				if wasOpen {
					log.Printf("delivery: %s reconnected, catching up", key)
					c.refetchInBackground(ctx, key)
				}
				wasOpen = true
			}
		}
	}
}

func (c *Coordinator) refetchInBackground(ctx context.Context, key chat.ThreadKey) {
	if err := c.Refetch(ctx, key); err != nil && ctx.Err() == nil {
		log.Printf("delivery: background refetch of %s failed: %v", key, err)
	}
}

// Fetch loads the thread once. With force it always refetches.
func (c *Coordinator) Fetch(ctx context.Context, key chat.ThreadKey, force bool) error {
	if !force && c.store.Loaded(key) {
		return nil
	}
	return c.Refetch(ctx, key)
}

// Refetch replaces the thread with the server's list. The thread must be
// active with view permission. A result made stale
// by a local mutation is discarded and the fetch is repeated; a result made
// stale by deactivation is discarded for good.
func (c *Coordinator) Refetch(ctx context.Context, key chat.ThreadKey) error {
	st := c.active(key)
	if st == nil || !st.perms.CanView {
		return apperrors.PermissionDenied("view this chat")
	}

	for attempt := 0; attempt < maxRefetchAttempts; attempt++ {
		gen := c.store.BeginGeneration(key)
		msgs, err := c.durable.FetchThread(ctx, key)
		if err != nil {
			return failed("load messages", err)
		}

		applied := false
		stillActive := c.mutate(key, st, func() {
			applied = c.store.LoadIfCurrent(key, gen, msgs)
		})
		if applied {
			c.notify(key)
			return nil
		}
		if !stillActive {
			return nil
		}
	}
	log.Printf("delivery: refetch of %s kept racing local changes, giving up after %d attempts", key, maxRefetchAttempts)
	return nil
}

// SendMessage delivers a draft. Text-only drafts go over the push channel
// when it is open and are shown optimistically; drafts with an attachment,
// or any draft while disconnected, are created over REST and the server's
// copy is shown.
func (c *Coordinator) SendMessage(ctx context.Context, key chat.ThreadKey, draft Draft) (chat.ChatMessage, error) {
	if strings.TrimSpace(draft.Text) == "" && draft.File == nil {
		return chat.ChatMessage{}, apperrors.EmptyDraft()
	}
	if err := key.Validate(); err != nil {
		return chat.ChatMessage{}, apperrors.InvalidMessage(err.Error())
	}

	lock := c.threadLock(key)
	lock.Lock()
	defer lock.Unlock()

	st := c.active(key)
	if err := c.checkCanChat(st); err != nil {
		return chat.ChatMessage{}, err
	}

	msg := chat.ChatMessage{
		ID:        c.opts.NewID(),
		AuthorID:  c.opts.UserID,
		Timestamp: chat.FormatTimestamp(c.opts.Now()),
		Text:      draft.Text,
	}

	if draft.File != nil {
		att, err := c.encode(ctx, *draft.File)
		if err != nil {
			return chat.ChatMessage{}, err
		}
		msg.Attachment = &att
	}

	if msg.Attachment == nil && st != nil && st.ch != nil {
		if st.ch.Send(chat.NewChatFrame(key, msg)) {
			c.mutate(key, st, func() {
				c.store.InsertOptimistic(key, msg)
			})
			return msg, nil
		}
		log.Printf("delivery: %v, sending %s over REST", apperrors.ConnectionUnavailable(key.String()), msg.ID)
	}

	saved, err := c.durable.CreateMessage(ctx, key, msg)
	if err != nil {
		return chat.ChatMessage{}, failed("send message", err)
	}
	c.mutate(key, st, func() {
		c.store.Load(key, []chat.ChatMessage{saved}, store.AppendIfAbsent)
	})
	return saved, nil
}

// encode enforces the size ceiling before anything is read, then resolves
// the attachment reference.
func (c *Coordinator) encode(ctx context.Context, src attachment.Source) (chat.Attachment, error) {
	if err := attachment.CheckSize(src, c.opts.MaxAttachmentBytes); err != nil {
		return chat.Attachment{}, err
	}
	att, err := c.encoder.Encode(ctx, src)
	if err != nil {
		var coded *apperrors.CodedError
		if errors.As(err, &coded) {
			return chat.Attachment{}, err
		}
		return chat.Attachment{}, apperrors.AttachmentReadFailed(src.Name, err)
	}
	if att.URL == "" || att.URL == "data:" {
		return chat.Attachment{}, apperrors.AttachmentReadFailed(src.Name, errors.New("encoder returned no data"))
	}
	if att.Name == "" {
		att.Name = src.Name
	}
	return att, nil
}

// ownMessage looks up id and checks the session user wrote it.
func (c *Coordinator) ownMessage(key chat.ThreadKey, id string) (chat.ChatMessage, error) {
	msg, ok := c.store.Get(key, id)
	if !ok {
		return chat.ChatMessage{}, apperrors.MessageNotFound(id)
	}
	if msg.AuthorID != c.opts.UserID {
		return chat.ChatMessage{}, apperrors.NotOwner(id)
	}
	return msg, nil
}

// deleteDurably deletes one message; a 404 means it is already gone.
func (c *Coordinator) deleteDurably(ctx context.Context, key chat.ThreadKey, id string) error {
	err := c.durable.DeleteMessage(ctx, key, id)
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// EditMessage replaces a message's text. Authorship alone grants the right,
// regardless of chat permission. Messages are immutable on the
// server, so the original is deleted and a new message is created with a
// new id and the current time. If the create fails the original is gone.
func (c *Coordinator) EditMessage(ctx context.Context, key chat.ThreadKey, id, text string) (chat.ChatMessage, error) {
	lock := c.threadLock(key)
	lock.Lock()
	defer lock.Unlock()

	st := c.active(key)
	orig, err := c.ownMessage(key, id)
	if err != nil {
		return chat.ChatMessage{}, err
	}
	if strings.TrimSpace(text) == "" && orig.Attachment == nil {
		return chat.ChatMessage{}, apperrors.EmptyDraft()
	}

	if err := c.deleteDurably(ctx, key, id); err != nil {
		return chat.ChatMessage{}, failed("edit message", err)
	}
	c.mutate(key, st, func() {
		c.store.Remove(key, id)
	})

	now := c.opts.Now()
	if t := orig.Time(); t.After(now) {
		now = t
	}
	replacement := chat.ChatMessage{
		ID:         c.opts.NewID(),
		AuthorID:   c.opts.UserID,
		Timestamp:  chat.FormatTimestamp(now),
		Text:       text,
		Attachment: orig.Attachment,
	}

	saved, err := c.durable.CreateMessage(ctx, key, replacement)
	if err != nil {
		return chat.ChatMessage{}, apperrors.Wrap(apperrors.CodeDeliveryFailed,
			"the original message was deleted but the edited copy could not be saved, please send it again", err)
	}
	c.mutate(key, st, func() {
		c.store.Load(key, []chat.ChatMessage{saved}, store.AppendIfAbsent)
	})
	return saved, nil
}

// DeleteMessage deletes one of the user's messages. Like edits, deletes are
// gated on authorship, not chat permission.
func (c *Coordinator) DeleteMessage(ctx context.Context, key chat.ThreadKey, id string) error {
	lock := c.threadLock(key)
	lock.Lock()
	defer lock.Unlock()

	st := c.active(key)
	if _, err := c.ownMessage(key, id); err != nil {
		return err
	}
	if err := c.deleteDurably(ctx, key, id); err != nil {
		return failed("delete message", err)
	}
	c.mutate(key, st, func() {
		c.store.Remove(key, id)
	})
	return nil
}

// BulkDelete deletes several messages with bounded parallelism. It is not
// atomic: successes are removed, failures stay, and a bulk.partial_failure
// error reports the split.
func (c *Coordinator) BulkDelete(ctx context.Context, key chat.ThreadKey, ids []string) (BulkResult, error) {
	lock := c.threadLock(key)
	lock.Lock()
	defer lock.Unlock()

	st := c.active(key)

	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	ok := make([]bool, len(unique))
	sem := make(chan struct{}, c.opts.BulkParallelism)
	var wg sync.WaitGroup
	for i, id := range unique {
		if _, err := c.ownMessage(key, id); err != nil {
			log.Printf("delivery: bulk delete skipping %s: %v", id, err)
			continue
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("delivery: bulk delete of %s panicked: %v", id, r)
				}
			}()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if err := c.deleteDurably(ctx, key, id); err != nil {
				log.Printf("delivery: bulk delete of %s failed: %v", id, err)
				return
			}
			ok[i] = true
		}(i, id)
	}
	wg.Wait()

	var result BulkResult
	for i, id := range unique {
		if ok[i] {
			result.Succeeded++
			c.mutate(key, st, func() {
				c.store.Remove(key, id)
			})
			continue
		}
		result.Failed++
		result.FailedIDs = append(result.FailedIDs, id)
	}

	if result.Failed > 0 {
		return result, apperrors.PartialBulkFailure(result.Succeeded, result.Failed)
	}
	return result, nil
}

// RetryUnconfirmed resends an optimistic message over REST, keeping its id.
func (c *Coordinator) RetryUnconfirmed(ctx context.Context, key chat.ThreadKey, id string) error {
	lock := c.threadLock(key)
	lock.Lock()
	defer lock.Unlock()

	st := c.active(key)
	if err := c.checkCanChat(st); err != nil {
		return err
	}
	msg, ok := c.store.Get(key, id)
	if !ok || !c.store.IsUnconfirmed(key, id) {
		return apperrors.MessageNotFound(id)
	}
	if _, err := c.durable.CreateMessage(ctx, key, msg); err != nil {
		return failed("resend message", err)
	}
	c.mutate(key, st, func() {
		c.store.Confirm(key, id)
	})
	return nil
}

// DiscardUnconfirmed drops an optimistic message locally.
func (c *Coordinator) DiscardUnconfirmed(key chat.ThreadKey, id string) error {
	lock := c.threadLock(key)
	lock.Lock()
	defer lock.Unlock()

	if !c.store.IsUnconfirmed(key, id) {
		return apperrors.MessageNotFound(id)
	}
	c.mutate(key, c.active(key), func() {
		c.store.Remove(key, id)
	})
	return nil
}
