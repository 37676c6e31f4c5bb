package tui

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/controller"
	"github.com/portalchat/chatsync/internal/delivery"
	"github.com/portalchat/chatsync/internal/store"
)

const me = "u-me"

var threadKey = chat.ThreadKey{Type: chat.ResourceStory, ID: "42"}

// memDurable is an in-memory REST backend.
type memDurable struct {
	mu       sync.Mutex
	messages []chat.ChatMessage
}

func (d *memDurable) FetchThread(ctx context.Context, key chat.ThreadKey) ([]chat.ChatMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]chat.ChatMessage(nil), d.messages...), nil
}

func (d *memDurable) CreateMessage(ctx context.Context, key chat.ThreadKey, msg chat.ChatMessage) (chat.ChatMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
	return msg, nil
}

func (d *memDurable) DeleteMessage(ctx context.Context, key chat.ThreadKey, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, m := range d.messages {
		if m.ID == id {
			d.messages = append(d.messages[:i], d.messages[i+1:]...)
			break
		}
	}
	return nil
}

func (d *memDurable) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, m := range d.messages {
		out = append(out, m.Text)
	}
	return out
}

func newTestModel(t *testing.T, durable *memDurable, perms chat.Permissions) *Model {
	t.Helper()
	coord := delivery.New(store.New(0), durable, nil, nil, delivery.Options{UserID: me})
	t.Cleanup(coord.Close)

	dir := chat.NewStaticDirectory([]chat.User{
		{ID: me, FirstName: "Ada", LastName: "Lovelace", Role: "PM"},
		{ID: "u-other", FirstName: "Alan", LastName: "Turing"},
	})
	toasts := NewToasts()
	ctrl := controller.New(coord, coord.Store(), dir, toasts, me, controller.Options{ScrollThreshold: 3})

	m := NewModel(context.Background(), Options{
		Controller: ctrl,
		Toasts:     toasts,
		Changes:    coord.Changes(),
		Key:        threadKey,
		Perms:      perms,
	})
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m.Update(m.switchCmd()())
	return m
}

// press feeds a key to the model and runs any command it returns, the way
// the bubbletea runtime would for a single message.
func press(m *Model, msg tea.KeyMsg) {
	_, cmd := m.Update(msg)
	if cmd == nil {
		return
	}
	if res, ok := cmd().(opResultMsg); ok {
		m.Update(res)
	}
}

func typeText(m *Model, text string) {
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

func TestModelSendsOnEnter(t *testing.T) {
	durable := &memDurable{}
	m := newTestModel(t, durable, chat.FullAccess)

	typeText(m, "hello there")
	press(m, tea.KeyMsg{Type: tea.KeyEnter})

	if got := durable.texts(); len(got) != 1 || got[0] != "hello there" {
		t.Fatalf("durable texts = %v, want [hello there]", got)
	}
	if m.input.Value() != "" {
		t.Errorf("input not cleared: %q", m.input.Value())
	}
	if !strings.Contains(m.viewport.View(), "hello there") {
		t.Errorf("viewport missing sent message:\n%s", m.viewport.View())
	}
}

func TestModelEmptyEnterDoesNothing(t *testing.T) {
	durable := &memDurable{}
	m := newTestModel(t, durable, chat.FullAccess)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Error("expected no command for an empty draft")
	}
	if len(durable.texts()) != 0 {
		t.Error("empty draft was sent")
	}
}

func TestModelFilterCommand(t *testing.T) {
	durable := &memDurable{messages: []chat.ChatMessage{
		{ID: "a", AuthorID: "u-other", Timestamp: "2026-02-02T08:00:00Z", Text: "deploy is green"},
		{ID: "b", AuthorID: "u-other", Timestamp: "2026-02-02T08:01:00Z", Text: "lunch?"},
	}}
	m := newTestModel(t, durable, chat.FullAccess)

	typeText(m, "/filter deploy")
	press(m, tea.KeyMsg{Type: tea.KeyEnter})

	vs := m.ctrl.View()
	if vs.Filter != "deploy" {
		t.Fatalf("filter = %q, want deploy", vs.Filter)
	}
	if len(vs.Messages) != 1 || vs.Messages[0].Message.ID != "a" {
		t.Errorf("filtered messages = %+v", vs.Messages)
	}
	if !strings.Contains(m.View(), `filter: "deploy"`) {
		t.Error("header does not show the filter")
	}
}

func TestModelDeleteWithConfirm(t *testing.T) {
	durable := &memDurable{messages: []chat.ChatMessage{
		{ID: "mine", AuthorID: me, Timestamp: "2026-02-02T08:00:00Z", Text: "oops"},
	}}
	m := newTestModel(t, durable, chat.FullAccess)

	press(m, tea.KeyMsg{Type: tea.KeyUp})
	press(m, tea.KeyMsg{Type: tea.KeyCtrlD})

	if m.ctrl.View().PendingDelete != "mine" {
		t.Fatal("delete confirm not shown")
	}
	if !strings.Contains(m.View(), "Delete this message? (y/n)") {
		t.Error("confirm prompt not rendered")
	}

	press(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("y")})

	if got := durable.texts(); len(got) != 0 {
		t.Errorf("durable still has %v", got)
	}
	if m.ctrl.View().PendingDelete != "" {
		t.Error("confirm still open after delete")
	}
}

func TestModelDeleteCancelled(t *testing.T) {
	durable := &memDurable{messages: []chat.ChatMessage{
		{ID: "mine", AuthorID: me, Timestamp: "2026-02-02T08:00:00Z", Text: "keep me"},
	}}
	m := newTestModel(t, durable, chat.FullAccess)

	press(m, tea.KeyMsg{Type: tea.KeyUp})
	press(m, tea.KeyMsg{Type: tea.KeyCtrlD})
	press(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})

	if m.ctrl.View().PendingDelete != "" {
		t.Error("confirm still open after cancel")
	}
	if got := durable.texts(); len(got) != 1 {
		t.Errorf("message deleted on cancel: %v", got)
	}
}

func TestModelEditFlow(t *testing.T) {
	durable := &memDurable{messages: []chat.ChatMessage{
		{ID: "mine", AuthorID: me, Timestamp: "2026-02-02T08:00:00Z", Text: "teh typo"},
	}}
	m := newTestModel(t, durable, chat.FullAccess)

	press(m, tea.KeyMsg{Type: tea.KeyUp})
	press(m, tea.KeyMsg{Type: tea.KeyCtrlE})

	if m.ctrl.View().Editing != "mine" {
		t.Fatal("edit not started")
	}
	if m.input.Value() != "teh typo" {
		t.Fatalf("input = %q, want the original text", m.input.Value())
	}

	m.input.SetValue("the typo")
	press(m, tea.KeyMsg{Type: tea.KeyEnter})

	if got := durable.texts(); len(got) != 1 || got[0] != "the typo" {
		t.Errorf("durable texts = %v, want [the typo]", got)
	}
	if m.ctrl.View().Editing != "" {
		t.Error("still editing after submit")
	}
}

func TestModelReadOnly(t *testing.T) {
	m := newTestModel(t, &memDurable{}, chat.Permissions{CanView: true})

	if m.input.Focused() {
		t.Error("input focused without chat permission")
	}
	if !strings.Contains(m.View(), controller.BannerNoChat) {
		t.Error("read-only banner not rendered")
	}
}

func TestModelReadOnlyKeepsOwnMessageActions(t *testing.T) {
	durable := &memDurable{messages: []chat.ChatMessage{
		{ID: "mine", AuthorID: me, Timestamp: "2026-02-02T08:00:00Z", Text: "teh typo"},
	}}
	m := newTestModel(t, durable, chat.Permissions{CanView: true})

	press(m, tea.KeyMsg{Type: tea.KeyUp})
	press(m, tea.KeyMsg{Type: tea.KeyCtrlE})
	if m.ctrl.View().Editing != "mine" {
		t.Fatal("edit not started in a read-only thread")
	}
	if !m.input.Focused() {
		t.Error("input not focused while editing")
	}

	m.input.SetValue("the typo")
	press(m, tea.KeyMsg{Type: tea.KeyEnter})
	if got := durable.texts(); len(got) != 1 || got[0] != "the typo" {
		t.Fatalf("durable texts = %v, want [the typo]", got)
	}
	if m.input.Focused() {
		t.Error("input still focused after the edit in a read-only thread")
	}

	press(m, tea.KeyMsg{Type: tea.KeyUp})
	press(m, tea.KeyMsg{Type: tea.KeyCtrlD})
	press(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("y")})
	if got := durable.texts(); len(got) != 0 {
		t.Errorf("durable still has %v", got)
	}
}

func TestModelNoViewPermission(t *testing.T) {
	durable := &memDurable{messages: []chat.ChatMessage{
		{ID: "a", AuthorID: "u-other", Timestamp: "2026-02-02T08:00:00Z", Text: "secret"},
	}}
	m := newTestModel(t, durable, chat.Permissions{})

	out := m.View()
	if strings.Contains(out, "secret") {
		t.Error("message rendered without view permission")
	}
	if !strings.Contains(out, controller.BannerNoView) {
		t.Error("no-view banner not rendered")
	}
}

func TestModelToastExpires(t *testing.T) {
	m := newTestModel(t, &memDurable{}, chat.FullAccess)

	m.Update(toastMsg{kind: controller.ToastInfo, text: "Message deleted."})
	if !strings.Contains(m.View(), "Message deleted.") {
		t.Fatal("toast not rendered")
	}

	// A stale expiry leaves a newer toast in place.
	m.Update(toastMsg{kind: controller.ToastError, text: "Second."})
	m.Update(toastExpiredMsg{seq: m.toastSeq - 1})
	if m.toast.text != "Second." {
		t.Errorf("toast = %q, want Second.", m.toast.text)
	}

	m.Update(toastExpiredMsg{seq: m.toastSeq})
	if m.toast.text != "" {
		t.Errorf("toast not cleared: %q", m.toast.text)
	}
}

func TestToastsNeverBlock(t *testing.T) {
	toasts := NewToasts()
	done := make(chan struct{})
	go func() {
		for i := 0; i < toastBufferSize*2; i++ {
			toasts.Notify(controller.ToastInfo, "hi")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
}

func TestRenderMessages(t *testing.T) {
	vs := controller.ViewState{
		Loaded: true,
		Messages: []controller.MessageView{
			{
				Message:    chat.ChatMessage{ID: "1", AuthorID: "u1", Timestamp: "2026-02-02T08:00:00Z", Text: "see attached", Attachment: &chat.Attachment{Name: "shot.png"}},
				AuthorName: "Ada Lovelace",
				AuthorRole: "PM",
				Initials:   "AL",
				IsImage:    true,
			},
			{
				Message:     chat.ChatMessage{ID: "2", AuthorID: me, Timestamp: "2026-02-02T08:01:00Z", Attachment: &chat.Attachment{Name: "notes.pdf"}},
				AuthorName:  "Me",
				Own:         true,
				Focused:     true,
				Selected:    true,
				Unconfirmed: true,
			},
		},
	}

	out := renderMessages(vs, 80)
	for _, want := range []string{"Ada Lovelace", "PM", "AL", "see attached", "[image] shot.png", "[file] notes.pdf", "> ", "●", "not delivered"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderMessagesEmptyStates(t *testing.T) {
	tests := []struct {
		name string
		vs   controller.ViewState
		want string
	}{
		{"loading", controller.ViewState{}, "Loading messages..."},
		{"empty", controller.ViewState{Loaded: true}, "No messages yet."},
		{"no matches", controller.ViewState{Loaded: true, Filter: "zzz"}, "No messages match the filter."},
		{"no view", controller.ViewState{Banner: controller.BannerNoView}, controller.BannerNoView},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderMessages(tt.vs, 80); !strings.Contains(got, tt.want) {
				t.Errorf("renderMessages() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
