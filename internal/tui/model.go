// Package tui is the terminal chat view. It renders a controller.Controller
// with bubbletea and turns key presses into controller calls.
package tui

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/controller"
)

const (
	headerHeight = 1
	footerHeight = 3
	toastTTL     = 4 * time.Second
)

// Options wires a Model.
type Options struct {
	Controller *controller.Controller
	Toasts     *Toasts
	Changes    <-chan chat.ThreadKey
	Key        chat.ThreadKey
	Perms      chat.Permissions
}

// Model is the bubbletea model for one chat thread.
type Model struct {
	ctx     context.Context
	ctrl    *controller.Controller
	toasts  *Toasts
	changes <-chan chat.ThreadKey
	key     chat.ThreadKey
	perms   chat.Permissions

	viewport viewport.Model
	input    textinput.Model
	width    int
	height   int

	contentLines int

	toast    toastMsg
	toastSeq int
}

// NewModel builds a Model. The thread is activated by Init.
func NewModel(ctx context.Context, opts Options) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message (/help for commands)"
	input.Prompt = "> "
	input.Focus()

	vp := viewport.New(0, 0)

	return &Model{
		ctx:      ctx,
		ctrl:     opts.Controller,
		toasts:   opts.Toasts,
		changes:  opts.Changes,
		key:      opts.Key,
		perms:    opts.Perms,
		viewport: vp,
		input:    input,
	}
}

// Run opens the thread and blocks until the user quits or ctx ends.
func Run(ctx context.Context, opts Options) error {
	model := NewModel(ctx, opts)
	defer opts.Controller.Close()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init activates the thread and starts listening for changes and toasts.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.switchCmd()}
	if m.changes != nil {
		cmds = append(cmds, waitForChange(m.changes))
	}
	if m.toasts != nil {
		cmds = append(cmds, waitForToast(m.toasts))
	}
	return tea.Batch(cmds...)
}

func (m *Model) switchCmd() tea.Cmd {
	ctx, ctrl, key, perms := m.ctx, m.ctrl, m.key, m.perms
	return func() tea.Msg {
		return opResultMsg{op: "open", err: ctrl.Switch(ctx, key, perms)}
	}
}

// runOp runs fn off the UI goroutine and reports back with an opResultMsg.
func (m *Model) runOp(op string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return opResultMsg{op: op, err: fn(ctx)}
	}
}

// resize lays out the viewport between the header and the footer.
func (m *Model) resize() {
	m.viewport.Width = m.width
	h := m.height - headerHeight - footerHeight
	if h < 1 {
		h = 1
	}
	m.viewport.Height = h
	m.input.Width = m.width - len(m.input.Prompt) - 1
	m.refresh()
}

// refresh re-renders the thread into the viewport and follows the bottom
// when auto-scroll is on.
func (m *Model) refresh() {
	vs := m.ctrl.View()
	content := renderMessages(vs, m.width)
	m.contentLines = strings.Count(content, "\n") + 1
	m.viewport.SetContent(content)
	if vs.AutoScroll {
		m.viewport.GotoBottom()
	}
	// Editing an own message stays possible in read-only threads.
	if vs.Editing != "" || (vs.CanChat && vs.Banner == "") {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

// offsetFromBottom is how many rows the viewport sits above the last line.
func (m *Model) offsetFromBottom() int {
	off := m.contentLines - m.viewport.Height - m.viewport.YOffset
	if off < 0 {
		return 0
	}
	return off
}

// focusedMessage returns the focused row, if any.
func focusedMessage(vs controller.ViewState) (controller.MessageView, bool) {
	for _, mv := range vs.Messages {
		if mv.Focused {
			return mv, true
		}
	}
	return controller.MessageView{}, false
}

// pageStep is half a screen, at least one row.
func (m *Model) pageStep() int {
	if step := m.viewport.Height / 2; step > 0 {
		return step
	}
	return 1
}

// notify shows a local toast, falling back to the log without a queue.
func (m *Model) notify(kind controller.ToastKind, text string) {
	if m.toasts == nil {
		log.Printf("tui: [%s] %s", kind, text)
		return
	}
	m.toasts.Notify(kind, text)
}
