package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/portalchat/chatsync/internal/attachment"
	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/delivery"
	apperrors "github.com/portalchat/chatsync/internal/errors"
	"github.com/portalchat/chatsync/internal/store"
)

const me = "u-me"

var (
	storyKey   = chat.ThreadKey{Type: chat.ResourceStory, ID: "s1"}
	projectKey = chat.ThreadKey{Type: chat.ResourceProject, ID: "p1"}
	t0         = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
)

// fakeDeliverer applies operations straight to a store.
type fakeDeliverer struct {
	st   *store.Store
	seed map[chat.ThreadKey][]chat.ChatMessage

	mu          sync.Mutex
	activated   []chat.ThreadKey
	deactivated []chat.ThreadKey
	failDelete  map[string]bool
	sendErr     error
	seq         int
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		st:         store.New(0),
		seed:       make(map[chat.ThreadKey][]chat.ChatMessage),
		failDelete: make(map[string]bool),
	}
}

func (f *fakeDeliverer) Activate(ctx context.Context, key chat.ThreadKey, perms chat.Permissions) error {
	f.mu.Lock()
	f.activated = append(f.activated, key)
	f.mu.Unlock()
	f.st.Load(key, f.seed[key], store.ReplaceAll)
	return nil
}

func (f *fakeDeliverer) Deactivate(key chat.ThreadKey) {
	f.mu.Lock()
	f.deactivated = append(f.deactivated, key)
	f.mu.Unlock()
	f.st.Teardown(key)
}

func (f *fakeDeliverer) SendMessage(ctx context.Context, key chat.ThreadKey, draft delivery.Draft) (chat.ChatMessage, error) {
	if f.sendErr != nil {
		return chat.ChatMessage{}, f.sendErr
	}
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("new-%d", f.seq)
	f.mu.Unlock()
	msg := chat.ChatMessage{ID: id, AuthorID: me, Text: draft.Text, Timestamp: chat.FormatTimestamp(t0)}
	f.st.Load(key, []chat.ChatMessage{msg}, store.AppendIfAbsent)
	return msg, nil
}

func (f *fakeDeliverer) EditMessage(ctx context.Context, key chat.ThreadKey, id, text string) (chat.ChatMessage, error) {
	f.st.Remove(key, id)
	msg := chat.ChatMessage{ID: id + "-edited", AuthorID: me, Text: text, Timestamp: chat.FormatTimestamp(t0)}
	f.st.Load(key, []chat.ChatMessage{msg}, store.AppendIfAbsent)
	return msg, nil
}

func (f *fakeDeliverer) DeleteMessage(ctx context.Context, key chat.ThreadKey, id string) error {
	if f.failDelete[id] {
		return apperrors.DeliveryFailed("delete message", fmt.Errorf("HTTP 500"))
	}
	f.st.Remove(key, id)
	return nil
}

func (f *fakeDeliverer) BulkDelete(ctx context.Context, key chat.ThreadKey, ids []string) (delivery.BulkResult, error) {
	var r delivery.BulkResult
	for _, id := range ids {
		if f.failDelete[id] {
			r.Failed++
			r.FailedIDs = append(r.FailedIDs, id)
			continue
		}
		f.st.Remove(key, id)
		r.Succeeded++
	}
	if r.Failed > 0 {
		return r, apperrors.PartialBulkFailure(r.Succeeded, r.Failed)
	}
	return r, nil
}

func (f *fakeDeliverer) RetryUnconfirmed(ctx context.Context, key chat.ThreadKey, id string) error {
	return nil
}

func (f *fakeDeliverer) DiscardUnconfirmed(key chat.ThreadKey, id string) error {
	f.st.Remove(key, id)
	return nil
}

type toast struct {
	kind ToastKind
	text string
}

type recordingNotifier struct {
	mu     sync.Mutex
	toasts []toast
}

func (n *recordingNotifier) Notify(kind ToastKind, text string) {
	n.mu.Lock()
	n.toasts = append(n.toasts, toast{kind, text})
	n.mu.Unlock()
}

func (n *recordingNotifier) last() toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.toasts) == 0 {
		return toast{}
	}
	return n.toasts[len(n.toasts)-1]
}

var directory = chat.NewStaticDirectory([]chat.User{
	{ID: me, FirstName: "Mia", LastName: "Edwards", Role: "Developer"},
	{ID: "u-other", FirstName: "Olu", LastName: "Tran", Role: "Designer"},
})

func seedMessages(n int, author func(i int) string, text func(i int) string) []chat.ChatMessage {
	msgs := make([]chat.ChatMessage, n)
	for i := range msgs {
		msgs[i] = chat.ChatMessage{
			ID:        fmt.Sprintf("m%03d", i),
			AuthorID:  author(i),
			Text:      text(i),
			Timestamp: chat.FormatTimestamp(t0.Add(time.Duration(i) * time.Second)),
		}
	}
	return msgs
}

func newTestController(t *testing.T, seed []chat.ChatMessage, perms chat.Permissions) (*Controller, *fakeDeliverer, *recordingNotifier) {
	t.Helper()
	d := newFakeDeliverer()
	d.seed[storyKey] = seed
	n := &recordingNotifier{}
	c := New(d, d.st, directory, n, me, Options{})
	if err := c.Switch(context.Background(), storyKey, perms); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	return c, d, n
}

func viewIDs(vs ViewState) []string {
	ids := make([]string, len(vs.Messages))
	for i, m := range vs.Messages {
		ids[i] = m.Message.ID
	}
	return ids
}

// TestPaging verifies the window over 120 messages and LoadMore.
func TestPaging(t *testing.T) {
	seed := seedMessages(120, func(int) string { return "u-other" }, func(i int) string { return fmt.Sprintf("msg %d", i) })
	c, _, _ := newTestController(t, seed, chat.FullAccess)

	vs := c.View()
	if len(vs.Messages) != 50 || !vs.More {
		t.Fatalf("initial window = %d more=%v, want 50 more=true", len(vs.Messages), vs.More)
	}
	if vs.Messages[0].Message.ID != "m070" || vs.Messages[49].Message.ID != "m119" {
		t.Errorf("window spans %s..%s, want m070..m119", vs.Messages[0].Message.ID, vs.Messages[49].Message.ID)
	}
	if !vs.AutoScroll {
		t.Error("auto-scroll should start on")
	}

	c.LoadMore()
	vs = c.View()
	if len(vs.Messages) != 100 || !vs.More {
		t.Errorf("after LoadMore = %d more=%v, want 100 more=true", len(vs.Messages), vs.More)
	}
	if vs.AutoScroll {
		t.Error("LoadMore should disable auto-scroll")
	}

	c.LoadMore()
	vs = c.View()
	if len(vs.Messages) != 120 || vs.More {
		t.Errorf("after second LoadMore = %d more=%v, want 120 more=false", len(vs.Messages), vs.More)
	}
}

// TestFilter verifies filtering by text and by author name before windowing.
func TestFilter(t *testing.T) {
	seed := seedMessages(120,
		func(i int) string {
			if i%3 == 0 {
				return me
			}
			return "u-other"
		},
		func(i int) string {
			if i%10 == 0 {
				return "Release NOTES"
			}
			return "chatter"
		})
	c, _, _ := newTestController(t, seed, chat.FullAccess)

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantMore  bool
	}{
		{"text match is case-insensitive", "release notes", 12, false},
		{"author full name", "mia edwards", 40, false},
		{"author partial", "TRAN", 50, true},
		{"no match", "zzz", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.SetFilter(tt.query)
			vs := c.View()
			if len(vs.Messages) != tt.wantCount || vs.More != tt.wantMore {
				t.Errorf("filter %q = %d more=%v, want %d more=%v", tt.query, len(vs.Messages), vs.More, tt.wantCount, tt.wantMore)
			}
		})
	}
}

// TestSelectOthersMessageIsNoop verifies only own messages are selectable.
func TestSelectOthersMessageIsNoop(t *testing.T) {
	seed := []chat.ChatMessage{
		{ID: "mine", AuthorID: me, Text: "a"},
		{ID: "theirs", AuthorID: "u-other", Text: "b"},
	}
	c, _, _ := newTestController(t, seed, chat.FullAccess)

	if c.ModifierClick("theirs") {
		t.Error("ModifierClick on another author's message returned true")
	}
	vs := c.View()
	if vs.SelectionMode || vs.SelectedCount != 0 {
		t.Errorf("selection changed: mode=%v count=%d", vs.SelectionMode, vs.SelectedCount)
	}

	if !c.ModifierClick("mine") {
		t.Fatal("ModifierClick on own message returned false")
	}
	vs = c.View()
	if !vs.SelectionMode || vs.SelectedCount != 1 {
		t.Errorf("selection = mode=%v count=%d, want true 1", vs.SelectionMode, vs.SelectedCount)
	}
	if vs.AutoScroll {
		t.Error("selection mode should disable auto-scroll")
	}

	c.ModifierClick("mine")
	if c.View().SelectedCount != 0 {
		t.Error("second click did not deselect")
	}
}

// TestBulkDeletePartialFailure verifies failed ids stay selected.
func TestBulkDeletePartialFailure(t *testing.T) {
	seed := seedMessages(5, func(int) string { return me }, func(int) string { return "x" })
	c, d, n := newTestController(t, seed, chat.FullAccess)
	d.failDelete["m001"] = true
	d.failDelete["m003"] = true

	for _, m := range seed {
		c.ModifierClick(m.ID)
	}
	if !c.RequestBulkDelete() {
		t.Fatal("RequestBulkDelete returned false with a selection")
	}
	if got := c.View().ConfirmingBulk; got != 5 {
		t.Errorf("ConfirmingBulk = %d, want 5", got)
	}

	result, err := c.ConfirmBulkDelete(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeBulkPartialFailure) {
		t.Fatalf("code = %q, want %q", apperrors.GetCode(err), apperrors.CodeBulkPartialFailure)
	}
	if result.Succeeded != 3 || result.Failed != 2 {
		t.Errorf("result = %+v", result)
	}

	vs := c.View()
	if !vs.SelectionMode || vs.SelectedCount != 2 || vs.ConfirmingBulk != 0 {
		t.Errorf("after partial failure: mode=%v selected=%d confirming=%d", vs.SelectionMode, vs.SelectedCount, vs.ConfirmingBulk)
	}
	if got := c.Selected(); len(got) != 2 || got[0] != "m001" || got[1] != "m003" {
		t.Errorf("Selected = %v, want [m001 m003]", got)
	}
	if len(vs.Messages) != 2 {
		t.Errorf("view has %d messages, want 2", len(vs.Messages))
	}
	if last := n.last(); last.kind != ToastError || last.text != "Deleted 3 message(s), 2 failed." {
		t.Errorf("toast = %+v", last)
	}

	// Retry after fixing the failures clears selection mode.
	delete(d.failDelete, "m001")
	delete(d.failDelete, "m003")
	c.RequestBulkDelete()
	if _, err := c.ConfirmBulkDelete(context.Background()); err != nil {
		t.Fatalf("second ConfirmBulkDelete failed: %v", err)
	}
	vs = c.View()
	if vs.SelectionMode || vs.SelectedCount != 0 || !vs.AutoScroll {
		t.Errorf("after success: mode=%v selected=%d autoscroll=%v", vs.SelectionMode, vs.SelectedCount, vs.AutoScroll)
	}
}

// TestCancelBulkDeleteKeepsSelection verifies cancel only leaves the confirm.
func TestCancelBulkDeleteKeepsSelection(t *testing.T) {
	seed := seedMessages(2, func(int) string { return me }, func(int) string { return "x" })
	c, _, _ := newTestController(t, seed, chat.FullAccess)
	c.ModifierClick("m000")
	c.RequestBulkDelete()
	c.CancelBulkDelete()

	vs := c.View()
	if vs.ConfirmingBulk != 0 || vs.SelectedCount != 1 {
		t.Errorf("after cancel: confirming=%d selected=%d", vs.ConfirmingBulk, vs.SelectedCount)
	}
	if c.RequestBulkDelete() && c.View().ConfirmingBulk != 1 {
		t.Error("bulk confirm did not reopen")
	}
}

// TestKeyboardNavigation verifies focus moves among own messages only.
func TestKeyboardNavigation(t *testing.T) {
	seed := []chat.ChatMessage{
		{ID: "a", AuthorID: me},
		{ID: "b", AuthorID: "u-other"},
		{ID: "c", AuthorID: me},
		{ID: "d", AuthorID: "u-other"},
		{ID: "e", AuthorID: me},
	}
	c, _, _ := newTestController(t, seed, chat.FullAccess)

	focused := func() string {
		for _, m := range c.View().Messages {
			if m.Focused {
				return m.Message.ID
			}
		}
		return ""
	}

	steps := []struct {
		key  Key
		want string
	}{
		{KeyUp, "e"},
		{KeyUp, "c"},
		{KeyUp, "a"},
		{KeyUp, "a"},
		{KeyDown, "c"},
	}
	for i, s := range steps {
		c.HandleKey(s.key)
		if got := focused(); got != s.want {
			t.Fatalf("step %d: focus = %q, want %q", i, got, s.want)
		}
	}

	c.HandleKey(KeyEnter)
	if got := c.Selected(); len(got) != 1 || got[0] != "c" {
		t.Errorf("Selected = %v, want [c]", got)
	}
	c.HandleKey(KeyEscape)
	vs := c.View()
	if vs.SelectionMode || vs.SelectedCount != 0 || focused() != "" {
		t.Errorf("escape left mode=%v selected=%d focus=%q", vs.SelectionMode, vs.SelectedCount, focused())
	}
}

// TestAutoScroll verifies the scroll threshold.
func TestAutoScroll(t *testing.T) {
	c, _, _ := newTestController(t, nil, chat.FullAccess)

	tests := []struct {
		offset int
		want   bool
	}{
		{0, true},
		{120, false},
		{50, true},
		{51, false},
		{10, true},
	}
	for _, tt := range tests {
		c.Scrolled(tt.offset)
		if got := c.View().AutoScroll; got != tt.want {
			t.Errorf("Scrolled(%d): AutoScroll = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

// TestSwitch verifies switching tears down the old thread and resets state.
func TestSwitch(t *testing.T) {
	seed := seedMessages(3, func(int) string { return me }, func(int) string { return "x" })
	c, d, _ := newTestController(t, seed, chat.FullAccess)
	c.SetFilter("x")
	c.ModifierClick("m000")

	if err := c.Switch(context.Background(), projectKey, chat.FullAccess); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if len(d.deactivated) != 1 || d.deactivated[0] != storyKey {
		t.Errorf("deactivated = %v, want [%s]", d.deactivated, storyKey)
	}
	vs := c.View()
	if vs.Key != projectKey || vs.Filter != "" || vs.SelectionMode || vs.SelectedCount != 0 {
		t.Errorf("state not reset: %+v", vs)
	}

	if err := c.Switch(context.Background(), storyKey, chat.Permissions{}); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if n := len(d.activated); n != 2 {
		t.Errorf("activations = %d, want 2 (no activation without view)", n)
	}
	if vs := c.View(); vs.Banner != BannerNoView || len(vs.Messages) != 0 {
		t.Errorf("no-view state = %+v", vs)
	}
}

// TestChatDisabledBanner verifies read-only threads: sending is refused,
// but the user keeps select, edit and delete rights on their own messages.
func TestChatDisabledBanner(t *testing.T) {
	seed := []chat.ChatMessage{
		{ID: "mine", AuthorID: me, Text: "a"},
		{ID: "theirs", AuthorID: "u-other", Text: "b"},
	}
	c, d, n := newTestController(t, seed, chat.Permissions{CanView: true})

	vs := c.View()
	if vs.Banner != BannerNoChat || vs.CanChat {
		t.Errorf("banner = %q canChat=%v", vs.Banner, vs.CanChat)
	}
	if _, err := c.Send(context.Background(), "hi", nil); !apperrors.IsCode(err, apperrors.CodePermissionDenied) {
		t.Errorf("Send code = %q", apperrors.GetCode(err))
	}
	if last := n.last(); last.kind != ToastError {
		t.Errorf("toast = %+v, want error", last)
	}

	if !c.ModifierClick("mine") {
		t.Error("own message not selectable without chat permission")
	}
	c.HandleKey(KeyEscape)
	if c.ModifierClick("theirs") || c.BeginEdit("theirs") || c.RequestDelete("theirs") {
		t.Error("action allowed on another user's message")
	}

	if !c.BeginEdit("mine") {
		t.Fatal("own message not editable without chat permission")
	}
	if _, err := c.SubmitEdit(context.Background(), "a2"); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	if _, ok := d.st.Get(storyKey, "mine-edited"); !ok {
		t.Error("edited copy missing")
	}

	if !c.RequestDelete("mine-edited") {
		t.Fatal("own message not deletable without chat permission")
	}
	if err := c.ConfirmDelete(context.Background()); err != nil {
		t.Fatalf("ConfirmDelete failed: %v", err)
	}
	if _, ok := d.st.Get(storyKey, "mine-edited"); ok {
		t.Error("deleted message still present")
	}
}

// TestSendToasts verifies the attachment toasts.
func TestSendToasts(t *testing.T) {
	c, d, n := newTestController(t, nil, chat.FullAccess)

	src := attachment.FromBytes("a.png", []byte("png"))
	if _, err := c.Send(context.Background(), "", &src); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if last := n.last(); last.kind != ToastSuccess || last.text != "File uploaded successfully" {
		t.Errorf("toast = %+v", last)
	}

	d.sendErr = apperrors.AttachmentTooLarge("big.mov", 11<<20, 10<<20)
	if _, err := c.Send(context.Background(), "", &src); err == nil {
		t.Fatal("Send succeeded with too-large error")
	}
	if last := n.last(); last.kind != ToastError {
		t.Errorf("toast = %+v, want error", last)
	}

	d.sendErr = apperrors.DeliveryFailed("send message", fmt.Errorf("timeout"))
	c.Send(context.Background(), "hi", nil)
	if last := n.last(); last.text != "Failed to send message, please try again." {
		t.Errorf("toast text = %q", last.text)
	}
}

// TestDeleteAndEditFlow covers the single delete confirm and edit.
func TestDeleteAndEditFlow(t *testing.T) {
	seed := []chat.ChatMessage{
		{ID: "m1", AuthorID: me, Text: "first"},
		{ID: "m2", AuthorID: me, Text: "second"},
		{ID: "x", AuthorID: "u-other", Text: "theirs"},
	}
	c, _, n := newTestController(t, seed, chat.FullAccess)

	if c.RequestDelete("x") {
		t.Error("RequestDelete allowed on another author's message")
	}
	if !c.RequestDelete("m1") || c.View().PendingDelete != "m1" {
		t.Fatal("RequestDelete did not open confirm")
	}
	if err := c.ConfirmDelete(context.Background()); err != nil {
		t.Fatalf("ConfirmDelete failed: %v", err)
	}
	if vs := c.View(); vs.PendingDelete != "" || len(vs.Messages) != 2 {
		t.Errorf("after delete: pending=%q messages=%d", vs.PendingDelete, len(vs.Messages))
	}
	if last := n.last(); last.text != "Message deleted." {
		t.Errorf("toast = %+v", last)
	}

	if !c.BeginEdit("m2") || c.View().Editing != "m2" {
		t.Fatal("BeginEdit did not start editing")
	}
	msg, err := c.SubmitEdit(context.Background(), "second, revised")
	if err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	if msg.Text != "second, revised" || c.View().Editing != "" {
		t.Errorf("edit result = %+v editing=%q", msg, c.View().Editing)
	}
}

// TestViewAuthorResolution verifies names, roles and flags in the view.
func TestViewAuthorResolution(t *testing.T) {
	seed := []chat.ChatMessage{
		{ID: "a", AuthorID: me, Text: "hi", Attachment: &chat.Attachment{Name: "shot.PNG", URL: "data:image/png;base64,AA=="}},
		{ID: "b", AuthorID: "ghost", Text: "who"},
	}
	c, _, _ := newTestController(t, seed, chat.FullAccess)

	vs := c.View()
	if vs.Messages[0].AuthorName != "Mia Edwards" || vs.Messages[0].AuthorRole != "Developer" || !vs.Messages[0].Own {
		t.Errorf("row 0 = %+v", vs.Messages[0])
	}
	if !vs.Messages[0].IsImage {
		t.Error("png attachment not flagged as image")
	}
	if vs.Messages[1].AuthorName != "ghost" || vs.Messages[1].Own {
		t.Errorf("row 1 = %+v", vs.Messages[1])
	}
	if got := viewIDs(vs); len(got) != 2 {
		t.Errorf("ids = %v", got)
	}
}
