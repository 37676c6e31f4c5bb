package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/portalchat/chatsync/internal/attachment"
	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/controller"
)

// opResultMsg reports a finished network operation. Failures have already
// been surfaced as toasts by the controller.
type opResultMsg struct {
	op  string
	err error
}

// changeMsg reports that a thread's messages changed.
type changeMsg struct{ key chat.ThreadKey }

func waitForChange(ch <-chan chat.ThreadKey) tea.Cmd {
	return func() tea.Msg {
		key, ok := <-ch
		if !ok {
			return nil
		}
		return changeMsg{key: key}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case changeMsg:
		return m.handleChangeMsg(msg)
	case opResultMsg:
		return m.handleOpResultMsg(msg)
	case toastMsg:
		return m.handleToastMsg(msg)
	case toastExpiredMsg:
		if msg.seq == m.toastSeq {
			m.toast = toastMsg{}
		}
		return m, nil
	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
}

func (m *Model) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	m.resize()
	return m, nil
}

func (m *Model) handleChangeMsg(msg changeMsg) (tea.Model, tea.Cmd) {
	if msg.key == m.ctrl.Key() {
		m.refresh()
	}
	return m, waitForChange(m.changes)
}

func (m *Model) handleOpResultMsg(msg opResultMsg) (tea.Model, tea.Cmd) {
	if msg.op == "edit" && msg.err == nil {
		m.input.Reset()
	}
	m.refresh()
	return m, nil
}

func (m *Model) handleToastMsg(msg toastMsg) (tea.Model, tea.Cmd) {
	m.toastSeq++
	m.toast = msg
	seq := m.toastSeq
	expire := tea.Tick(toastTTL, func(time.Time) tea.Msg { return toastExpiredMsg{seq: seq} })
	return m, tea.Batch(expire, waitForToast(m.toasts))
}

func (m *Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}

	vs := m.ctrl.View()

	// Confirm dialogs take every key until answered.
	if vs.ConfirmingBulk > 0 || vs.PendingDelete != "" {
		return m.handleConfirmKey(msg, vs)
	}

	switch msg.Type {
	case tea.KeyEsc:
		if vs.Editing != "" {
			m.ctrl.CancelEdit()
			m.input.Reset()
		} else {
			m.ctrl.HandleKey(controller.KeyEscape)
		}
		m.refresh()
		return m, nil
	case tea.KeyUp, tea.KeyDown:
		if m.input.Value() == "" {
			k := controller.KeyUp
			if msg.Type == tea.KeyDown {
				k = controller.KeyDown
			}
			m.ctrl.HandleKey(k)
			m.refresh()
			return m, nil
		}
	case tea.KeyPgUp, tea.KeyPgDown:
		return m.handleScrollKey(msg, vs)
	case tea.KeyCtrlS:
		m.ctrl.HandleKey(controller.KeyEnter)
		m.refresh()
		return m, nil
	case tea.KeyCtrlD:
		if vs.SelectedCount > 0 {
			m.ctrl.RequestBulkDelete()
		} else if mv, ok := focusedMessage(vs); ok {
			m.ctrl.RequestDelete(mv.Message.ID)
		}
		m.refresh()
		return m, nil
	case tea.KeyCtrlE:
		if mv, ok := focusedMessage(vs); ok && m.ctrl.BeginEdit(mv.Message.ID) {
			m.input.SetValue(mv.Message.Text)
			m.input.CursorEnd()
		}
		m.refresh()
		return m, nil
	case tea.KeyCtrlR:
		if mv, ok := focusedMessage(vs); ok && mv.Unconfirmed {
			id := mv.Message.ID
			return m, m.runOp("retry", func(ctx context.Context) error {
				return m.ctrl.Retry(ctx, id)
			})
		}
		return m, nil
	case tea.KeyCtrlX:
		if mv, ok := focusedMessage(vs); ok && mv.Unconfirmed {
			m.ctrl.Discard(mv.Message.ID)
			m.refresh()
		}
		return m, nil
	case tea.KeyEnter:
		return m.handleSubmit(vs)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleConfirmKey(msg tea.KeyMsg, vs controller.ViewState) (tea.Model, tea.Cmd) {
	confirm := msg.Type == tea.KeyEnter || msg.String() == "y"
	cancel := msg.Type == tea.KeyEsc || msg.String() == "n"

	switch {
	case confirm && vs.ConfirmingBulk > 0:
		return m, m.runOp("bulk-delete", func(ctx context.Context) error {
			_, err := m.ctrl.ConfirmBulkDelete(ctx)
			return err
		})
	case confirm:
		return m, m.runOp("delete", m.ctrl.ConfirmDelete)
	case cancel && vs.ConfirmingBulk > 0:
		m.ctrl.CancelBulkDelete()
	case cancel:
		m.ctrl.CancelDelete()
	}
	m.refresh()
	return m, nil
}

// handleScrollKey pages the viewport. Paging past the top loads an older page.
func (m *Model) handleScrollKey(msg tea.KeyMsg, vs controller.ViewState) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyPgUp {
		if m.viewport.YOffset <= 0 && vs.More {
			m.ctrl.LoadMore()
			before := m.contentLines
			m.refresh()
			m.viewport.SetYOffset(m.contentLines - before)
			return m, nil
		}
		m.viewport.SetYOffset(m.viewport.YOffset - m.pageStep())
	} else {
		m.viewport.SetYOffset(m.viewport.YOffset + m.pageStep())
	}
	m.ctrl.Scrolled(m.offsetFromBottom())
	return m, nil
}

func (m *Model) handleSubmit(vs controller.ViewState) (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())

	if vs.Editing != "" {
		return m, m.runOp("edit", func(ctx context.Context) error {
			_, err := m.ctrl.SubmitEdit(ctx, text)
			return err
		})
	}
	if text == "" {
		return m, nil
	}

	if strings.HasPrefix(text, "/") {
		return m.handleCommand(text)
	}

	m.input.Reset()
	return m, m.runOp("send", func(ctx context.Context) error {
		_, err := m.ctrl.Send(ctx, text, nil)
		return err
	})
}

// handleCommand runs a slash command typed into the input.
func (m *Model) handleCommand(line string) (tea.Model, tea.Cmd) {
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	rest = strings.TrimSpace(rest)
	m.input.Reset()

	switch name {
	case "quit", "q":
		return m, tea.Quit
	case "filter":
		m.ctrl.SetFilter(rest)
	case "more":
		m.ctrl.LoadMore()
	case "file":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			m.notify(controller.ToastError, "Usage: /file <path> [caption]")
			return m, nil
		}
		src, err := attachment.FromPath(path)
		if err != nil {
			m.notify(controller.ToastError, "Cannot read "+path+".")
			return m, nil
		}
		caption = strings.TrimSpace(caption)
		return m, m.runOp("send", func(ctx context.Context) error {
			_, err := m.ctrl.Send(ctx, caption, &src)
			return err
		})
	case "help":
		m.notify(controller.ToastInfo, helpText)
	default:
		m.notify(controller.ToastError, "Unknown command /"+name+".")
		return m, nil
	}
	m.refresh()
	return m, textinput.Blink
}

const helpText = "/file <path> [caption]  /filter <text>  /more  /quit  " +
	"up/down focus  ctrl+s select  ctrl+d delete  ctrl+e edit  ctrl+r retry  ctrl+x discard"
