package tui

import (
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/portalchat/chatsync/internal/controller"
)

const toastBufferSize = 16

type toastMsg struct {
	kind controller.ToastKind
	text string
}

// toastExpiredMsg clears the toast with the matching sequence number.
type toastExpiredMsg struct{ seq int }

// Toasts queues controller notifications for the UI. It implements
// controller.Notifier and never blocks the caller.
type Toasts struct {
	ch chan toastMsg
}

// NewToasts creates an empty queue.
func NewToasts() *Toasts {
	return &Toasts{ch: make(chan toastMsg, toastBufferSize)}
}

// Notify implements controller.Notifier.
func (t *Toasts) Notify(kind controller.ToastKind, text string) {
	select {
	case t.ch <- toastMsg{kind: kind, text: text}:
	default:
		log.Printf("tui: toast queue full, dropping %q", text)
	}
}

func waitForToast(t *Toasts) tea.Cmd {
	return func() tea.Msg {
		return <-t.ch
	}
}
