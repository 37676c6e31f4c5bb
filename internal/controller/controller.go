// Package controller holds one chat view's UI state: the filter, the page
// window, auto-scroll, message selection, and the confirm/edit dialogs. It
// never touches the store directly; reads go through Window and every
// change goes through the Deliverer.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/portalchat/chatsync/internal/attachment"
	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/delivery"
	apperrors "github.com/portalchat/chatsync/internal/errors"
)

// Defaults for Options fields left at zero.
const (
	DefaultPageSize        = 50
	DefaultPageIncrement   = 50
	DefaultScrollThreshold = 50
)

// User-facing banners.
const (
	BannerNoView = "You do not have permission to view this chat."
	BannerNoChat = "Chat is disabled. You do not have permission to send messages."
)

// Deliverer is the subset of the delivery coordinator the controller uses.
type Deliverer interface {
	Activate(ctx context.Context, key chat.ThreadKey, perms chat.Permissions) error
	Deactivate(key chat.ThreadKey)
	SendMessage(ctx context.Context, key chat.ThreadKey, draft delivery.Draft) (chat.ChatMessage, error)
	EditMessage(ctx context.Context, key chat.ThreadKey, id, text string) (chat.ChatMessage, error)
	DeleteMessage(ctx context.Context, key chat.ThreadKey, id string) error
	BulkDelete(ctx context.Context, key chat.ThreadKey, ids []string) (delivery.BulkResult, error)
	RetryUnconfirmed(ctx context.Context, key chat.ThreadKey, id string) error
	DiscardUnconfirmed(key chat.ThreadKey, id string) error
}

// MessageSource is the read side of the store.
type MessageSource interface {
	Window(key chat.ThreadKey, filter func(chat.ChatMessage) bool, count int) ([]chat.ChatMessage, bool)
	Messages(key chat.ThreadKey) []chat.ChatMessage
	Get(key chat.ThreadKey, id string) (chat.ChatMessage, bool)
	IsUnconfirmed(key chat.ThreadKey, id string) bool
	Loaded(key chat.ThreadKey) bool
}

// ToastKind classifies a notification.
type ToastKind string

const (
	ToastSuccess ToastKind = "success"
	ToastError   ToastKind = "error"
	ToastInfo    ToastKind = "info"
)

// Notifier shows transient messages to the user.
type Notifier interface {
	Notify(kind ToastKind, text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(kind ToastKind, text string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(kind ToastKind, text string) { f(kind, text) }

// Key is a navigation key in selection mode.
type Key int

const (
	KeyUp Key = iota
	KeyDown
	KeyEnter
	KeyEscape
)

// Options configures paging and scrolling.
type Options struct {
	PageSize        int
	PageIncrement   int
	ScrollThreshold int
}

// MessageView is one rendered row.
type MessageView struct {
	Message     chat.ChatMessage
	AuthorName  string
	AuthorRole  string
	Initials    string
	Own         bool
	Selected    bool
	Focused     bool
	Unconfirmed bool
	IsImage     bool
}

// ViewState is everything a renderer needs.
type ViewState struct {
	Key            chat.ThreadKey
	Messages       []MessageView
	More           bool
	Loaded         bool
	AutoScroll     bool
	SelectionMode  bool
	SelectedCount  int
	ConfirmingBulk int // selected count while the bulk confirm is shown, else 0
	PendingDelete  string
	Editing        string
	Filter         string
	CanChat        bool
	Banner         string
}

// Controller is one chat view's state machine. Its methods are safe to call
// from multiple goroutines; network calls run without the lock held.
type Controller struct {
	deliverer Deliverer
	source    MessageSource
	directory chat.Directory
	notifier  Notifier
	userID    string
	opts      Options

	mu             sync.Mutex
	key            chat.ThreadKey
	active         bool
	perms          chat.Permissions
	filter         string
	displayCount   int
	autoScroll     bool
	selectionMode  bool
	selected       map[string]bool
	focusID        string
	confirmingBulk bool
	pendingDelete  string
	editingID      string
}

// New creates a controller with no thread selected.
func New(deliverer Deliverer, source MessageSource, directory chat.Directory, notifier Notifier, userID string, opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageIncrement <= 0 {
		opts.PageIncrement = DefaultPageIncrement
	}
	if opts.ScrollThreshold <= 0 {
		opts.ScrollThreshold = DefaultScrollThreshold
	}
	if notifier == nil {
		notifier = NotifierFunc(func(kind ToastKind, text string) {
			log.Printf("controller: [%s] %s", kind, text)
		})
	}
	return &Controller{
		deliverer:    deliverer,
		source:       source,
		directory:    directory,
		notifier:     notifier,
		userID:       userID,
		opts:         opts,
		displayCount: opts.PageSize,
		autoScroll:   true,
		selected:     make(map[string]bool),
	}
}

// resetLocked clears all per-thread view state.
func (c *Controller) resetLocked() {
	c.filter = ""
	c.displayCount = c.opts.PageSize
	c.autoScroll = true
	c.selectionMode = false
	c.selected = make(map[string]bool)
	c.focusID = ""
	c.confirmingBulk = false
	c.pendingDelete = ""
	c.editingID = ""
}

// Switch leaves the current thread and shows key. Without view permission
// the thread is not activated and the view shows a banner instead.
func (c *Controller) Switch(ctx context.Context, key chat.ThreadKey, perms chat.Permissions) error {
	c.mu.Lock()
	prev, wasActive := c.key, c.active
	c.resetLocked()
	c.key = key
	c.perms = perms
	c.active = false
	c.mu.Unlock()

	if wasActive {
		c.deliverer.Deactivate(prev)
	}
	if !perms.CanView {
		return nil
	}

	err := c.deliverer.Activate(ctx, key, perms)

	c.mu.Lock()
	current := c.key == key
	if current && !apperrors.IsCode(err, apperrors.CodePermissionDenied) {
		c.active = true
	}
	c.mu.Unlock()

	if !current {
		// Switched away while activating.
		c.deliverer.Deactivate(key)
		return nil
	}
	if err != nil {
		c.toastError(err)
		return err
	}
	return nil
}

// Close deactivates the current thread.
func (c *Controller) Close() {
	c.mu.Lock()
	key, wasActive := c.key, c.active
	c.active = false
	c.resetLocked()
	c.mu.Unlock()
	if wasActive {
		c.deliverer.Deactivate(key)
	}
}

// Key returns the current thread.
func (c *Controller) Key() chat.ThreadKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// SetFilter changes the search query. Matching is case-insensitive against
// the message text and the author's full name.
func (c *Controller) SetFilter(query string) {
	c.mu.Lock()
	c.filter = query
	c.mu.Unlock()
}

func (c *Controller) filterFuncLocked() func(chat.ChatMessage) bool {
	q := strings.ToLower(strings.TrimSpace(c.filter))
	if q == "" {
		return nil
	}
	return func(m chat.ChatMessage) bool {
		if strings.Contains(strings.ToLower(m.Text), q) {
			return true
		}
		if c.directory != nil {
			if u, ok := c.directory.Lookup(m.AuthorID); ok {
				return strings.Contains(strings.ToLower(u.FullName()), q)
			}
		}
		return false
	}
}

// LoadMore grows the window by one page and stops auto-scroll so the view
// stays on the older messages.
func (c *Controller) LoadMore() {
	c.mu.Lock()
	c.displayCount += c.opts.PageIncrement
	c.autoScroll = false
	c.mu.Unlock()
}

// Scrolled reports the viewport's distance from the bottom in pixels (or
// rows). Auto-scroll follows whether the user is near the bottom.
func (c *Controller) Scrolled(offsetFromBottom int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selectionMode {
		return
	}
	c.autoScroll = offsetFromBottom <= c.opts.ScrollThreshold
}

func (c *Controller) isOwnLocked(id string) bool {
	m, ok := c.source.Get(c.key, id)
	return ok && m.AuthorID == c.userID
}

func (c *Controller) enterSelectionLocked() {
	if !c.selectionMode {
		c.selectionMode = true
		c.autoScroll = false
	}
}

func (c *Controller) exitSelectionLocked() {
	c.selectionMode = false
	c.selected = make(map[string]bool)
	c.focusID = ""
	c.confirmingBulk = false
	c.autoScroll = true
}

// ModifierClick toggles id in the selection, entering selection mode. Only
// the user's own messages can be selected; anything else is a no-op. The
// right follows authorship, not chat permission.
func (c *Controller) ModifierClick(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isOwnLocked(id) {
		return false
	}
	c.enterSelectionLocked()
	c.toggleLocked(id)
	c.focusID = id
	return true
}

func (c *Controller) toggleLocked(id string) {
	if c.selected[id] {
		delete(c.selected, id)
	} else {
		c.selected[id] = true
	}
}

// HandleKey applies selection-mode keyboard navigation.
func (c *Controller) HandleKey(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch k {
	case KeyEscape:
		c.pendingDelete = ""
		c.exitSelectionLocked()
	case KeyEnter:
		if c.focusID == "" || !c.isOwnLocked(c.focusID) {
			return
		}
		c.enterSelectionLocked()
		c.toggleLocked(c.focusID)
	case KeyUp, KeyDown:
		own := c.ownWindowIDsLocked()
		if len(own) == 0 {
			return
		}
		idx := -1
		for i, id := range own {
			if id == c.focusID {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			idx = len(own) - 1
		case k == KeyUp && idx > 0:
			idx--
		case k == KeyDown && idx < len(own)-1:
			idx++
		}
		c.focusID = own[idx]
	}
}

func (c *Controller) ownWindowIDsLocked() []string {
	msgs, _ := c.source.Window(c.key, c.filterFuncLocked(), c.displayCount)
	var ids []string
	for _, m := range msgs {
		if m.AuthorID == c.userID {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Selected returns the selected ids in thread order.
func (c *Controller) Selected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedIDsLocked()
}

func (c *Controller) selectedIDsLocked() []string {
	order := make(map[string]int)
	for i, m := range c.source.Messages(c.key) {
		order[m.ID] = i
	}
	ids := make([]string, 0, len(c.selected))
	for id := range c.selected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		oi, iok := order[ids[i]]
		oj, jok := order[ids[j]]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// RequestBulkDelete shows the bulk confirm for the current selection.
func (c *Controller) RequestBulkDelete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selectionMode || len(c.selected) == 0 {
		return false
	}
	c.confirmingBulk = true
	return true
}

// CancelBulkDelete hides the bulk confirm and keeps the selection.
func (c *Controller) CancelBulkDelete() {
	c.mu.Lock()
	c.confirmingBulk = false
	c.mu.Unlock()
}

// ConfirmBulkDelete deletes the selection. On partial failure the failed
// messages stay selected so the user can retry them.
func (c *Controller) ConfirmBulkDelete(ctx context.Context) (delivery.BulkResult, error) {
	c.mu.Lock()
	if !c.confirmingBulk {
		c.mu.Unlock()
		return delivery.BulkResult{}, nil
	}
	key := c.key
	ids := c.selectedIDsLocked()
	c.confirmingBulk = false
	c.mu.Unlock()

	result, err := c.deliverer.BulkDelete(ctx, key, ids)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != key {
		return result, err
	}
	switch {
	case err == nil:
		c.exitSelectionLocked()
		c.notifier.Notify(ToastInfo, fmt.Sprintf("Deleted %d message(s).", result.Succeeded))
	case apperrors.IsCode(err, apperrors.CodeBulkPartialFailure):
		c.selected = make(map[string]bool, len(result.FailedIDs))
		for _, id := range result.FailedIDs {
			c.selected[id] = true
		}
		c.notifier.Notify(ToastError, toastText(err))
	default:
		c.notifier.Notify(ToastError, toastText(err))
	}
	return result, err
}

// RequestDelete opens the single-message delete confirm.
func (c *Controller) RequestDelete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isOwnLocked(id) {
		return false
	}
	c.pendingDelete = id
	return true
}

// CancelDelete closes the delete confirm.
func (c *Controller) CancelDelete() {
	c.mu.Lock()
	c.pendingDelete = ""
	c.mu.Unlock()
}

// ConfirmDelete deletes the pending message.
func (c *Controller) ConfirmDelete(ctx context.Context) error {
	c.mu.Lock()
	key, id := c.key, c.pendingDelete
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	err := c.deliverer.DeleteMessage(ctx, key, id)

	c.mu.Lock()
	if c.key == key && c.pendingDelete == id {
		c.pendingDelete = ""
	}
	delete(c.selected, id)
	c.mu.Unlock()

	if err != nil {
		c.toastError(err)
		return err
	}
	c.notifier.Notify(ToastInfo, "Message deleted.")
	return nil
}

// BeginEdit starts editing one of the user's messages.
func (c *Controller) BeginEdit(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isOwnLocked(id) {
		return false
	}
	c.editingID = id
	return true
}

// CancelEdit abandons the edit.
func (c *Controller) CancelEdit() {
	c.mu.Lock()
	c.editingID = ""
	c.mu.Unlock()
}

// SubmitEdit saves the edit. The edit stays open on failure.
func (c *Controller) SubmitEdit(ctx context.Context, text string) (chat.ChatMessage, error) {
	c.mu.Lock()
	key, id := c.key, c.editingID
	c.mu.Unlock()
	if id == "" {
		return chat.ChatMessage{}, apperrors.MessageNotFound("")
	}

	msg, err := c.deliverer.EditMessage(ctx, key, id, text)
	if err != nil {
		c.toastError(err)
		return chat.ChatMessage{}, err
	}

	c.mu.Lock()
	if c.editingID == id {
		c.editingID = ""
	}
	if c.selected[id] {
		delete(c.selected, id)
	}
	c.mu.Unlock()
	return msg, nil
}

// Send composes and delivers a message. Attachments that are too large or
// unreadable, and failed deliveries, are reported as error toasts.
func (c *Controller) Send(ctx context.Context, text string, file *attachment.Source) (chat.ChatMessage, error) {
	c.mu.Lock()
	key, perms := c.key, c.perms
	c.mu.Unlock()

	if !perms.CanChat {
		err := apperrors.PermissionDenied("send messages")
		c.toastError(err)
		return chat.ChatMessage{}, err
	}

	msg, err := c.deliverer.SendMessage(ctx, key, delivery.Draft{Text: text, File: file})
	if err != nil {
		if !apperrors.IsCode(err, apperrors.CodeDeliveryEmptyDraft) {
			c.toastError(err)
		}
		return chat.ChatMessage{}, err
	}

	c.mu.Lock()
	if c.key == key && !c.selectionMode {
		c.autoScroll = true
	}
	c.mu.Unlock()

	if file != nil {
		c.notifier.Notify(ToastSuccess, "File uploaded successfully")
	}
	return msg, nil
}

// Retry resends an unconfirmed message.
func (c *Controller) Retry(ctx context.Context, id string) error {
	key := c.Key()
	if err := c.deliverer.RetryUnconfirmed(ctx, key, id); err != nil {
		c.toastError(err)
		return err
	}
	return nil
}

// Discard drops an unconfirmed message.
func (c *Controller) Discard(id string) error {
	key := c.Key()
	if err := c.deliverer.DiscardUnconfirmed(key, id); err != nil {
		c.toastError(err)
		return err
	}
	return nil
}

// View renders the current state.
func (c *Controller) View() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()

	vs := ViewState{
		Key:           c.key,
		AutoScroll:    c.autoScroll,
		SelectionMode: c.selectionMode,
		SelectedCount: len(c.selected),
		PendingDelete: c.pendingDelete,
		Editing:       c.editingID,
		Filter:        c.filter,
		CanChat:       c.perms.CanChat,
	}
	if c.confirmingBulk {
		vs.ConfirmingBulk = len(c.selected)
	}

	if !c.perms.CanView {
		vs.Banner = BannerNoView
		return vs
	}
	if !c.perms.CanChat {
		vs.Banner = BannerNoChat
	}

	msgs, more := c.source.Window(c.key, c.filterFuncLocked(), c.displayCount)
	vs.More = more
	vs.Loaded = c.source.Loaded(c.key)
	vs.Messages = make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		mv := MessageView{
			Message:     m,
			AuthorName:  m.AuthorID,
			Own:         m.AuthorID == c.userID,
			Selected:    c.selected[m.ID],
			Focused:     m.ID == c.focusID,
			Unconfirmed: c.source.IsUnconfirmed(c.key, m.ID),
		}
		if c.directory != nil {
			if u, ok := c.directory.Lookup(m.AuthorID); ok {
				if name := u.FullName(); name != "" {
					mv.AuthorName = name
				}
				mv.AuthorRole = u.Role
				mv.Initials = u.Initials()
			}
		}
		if m.Attachment != nil {
			mv.IsImage = attachment.IsImage(m.Attachment.Name)
		}
		vs.Messages = append(vs.Messages, mv)
	}
	return vs
}

func (c *Controller) toastError(err error) {
	if !apperrors.IsSurfaced(apperrors.GetCode(err)) {
		log.Printf("controller: %v", err)
		return
	}
	c.notifier.Notify(ToastError, toastText(err))
}

// toastText turns an error into a sentence for display.
func toastText(err error) string {
	var coded *apperrors.CodedError
	msg := err.Error()
	if errors.As(err, &coded) {
		msg = coded.Message
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "Something went wrong."
	}
	r, size := utf8.DecodeRuneInString(msg)
	msg = string(unicode.ToUpper(r)) + msg[size:]
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return msg
}
