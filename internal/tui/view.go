package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/portalchat/chatsync/internal/controller"
)

var (
	headerStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	hintStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	nameStyle        = lipgloss.NewStyle().Bold(true)
	ownNameStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("157"))
	initialsStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("183")).Padding(0, 1)
	attachmentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("216"))
	unconfirmedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	bannerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("52"))
	confirmStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))

	toastStyles = map[controller.ToastKind]lipgloss.Style{
		controller.ToastSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("157")),
		controller.ToastError:   lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		controller.ToastInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("111")),
	}
)

const timeLayout = "Jan 2 15:04"

func (m *Model) View() string {
	vs := m.ctrl.View()
	lines := []string{
		m.renderHeader(vs),
		m.viewport.View(),
		m.renderStatus(vs),
		m.renderInput(vs),
		hintStyle.Render(m.renderHint(vs)),
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m *Model) renderHeader(vs controller.ViewState) string {
	title := headerStyle.Render("# " + vs.Key.String())
	var extras []string
	if vs.Filter != "" {
		extras = append(extras, fmt.Sprintf("filter: %q", vs.Filter))
	}
	if vs.More {
		extras = append(extras, "pgup for older")
	}
	if vs.SelectionMode {
		extras = append(extras, fmt.Sprintf("%d selected", vs.SelectedCount))
	}
	if len(extras) == 0 {
		return title
	}
	return title + "  " + hintStyle.Render(strings.Join(extras, " · "))
}

// renderStatus shows, in priority order, a confirm prompt, the current
// toast, or the permission banner.
func (m *Model) renderStatus(vs controller.ViewState) string {
	switch {
	case vs.ConfirmingBulk > 0:
		return confirmStyle.Render(fmt.Sprintf("Delete %d message(s)? (y/n)", vs.ConfirmingBulk))
	case vs.PendingDelete != "":
		return confirmStyle.Render("Delete this message? (y/n)")
	case m.toast.text != "":
		style, ok := toastStyles[m.toast.kind]
		if !ok {
			style = hintStyle
		}
		return style.Render(m.toast.text)
	case vs.Banner != "":
		return bannerStyle.Render(vs.Banner)
	}
	return ""
}

func (m *Model) renderInput(vs controller.ViewState) string {
	if vs.Editing != "" {
		return hintStyle.Render("editing ") + m.input.View()
	}
	if !vs.CanChat {
		return hintStyle.Render("(read only)")
	}
	return m.input.View()
}

func (m *Model) renderHint(vs controller.ViewState) string {
	switch {
	case vs.Editing != "":
		return "enter save · esc cancel"
	case vs.SelectionMode:
		return "up/down move · ctrl+s toggle · ctrl+d delete selected · esc done"
	default:
		return "enter send · up/down focus · pgup older · /help"
	}
}

// renderMessages draws the message list. Each message is a header line
// followed by its body and attachment, separated by a blank line.
func renderMessages(vs controller.ViewState, width int) string {
	if vs.Banner == controller.BannerNoView {
		return bannerStyle.Render(vs.Banner)
	}
	if len(vs.Messages) == 0 {
		switch {
		case !vs.Loaded:
			return hintStyle.Render("Loading messages...")
		case vs.Filter != "":
			return hintStyle.Render("No messages match the filter.")
		default:
			return hintStyle.Render("No messages yet. Say hello!")
		}
	}

	body := lipgloss.NewStyle().PaddingLeft(4)
	if width > 8 {
		body = body.Width(width - 2)
	}

	var b strings.Builder
	for i, mv := range vs.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(renderMessageHeader(mv))

		msg := mv.Message
		if msg.Text != "" {
			b.WriteString("\n")
			b.WriteString(body.Render(msg.Text))
		}
		if msg.Attachment != nil {
			label := "[file] " + msg.Attachment.Name
			if mv.IsImage {
				label = "[image] " + msg.Attachment.Name
			}
			b.WriteString("\n")
			b.WriteString(body.Render(attachmentStyle.Render(label)))
		}
		if mv.Unconfirmed {
			b.WriteString("\n")
			b.WriteString(body.Render(unconfirmedStyle.Render("not delivered · ctrl+r retry · ctrl+x discard")))
		}
	}
	return b.String()
}

func renderMessageHeader(mv controller.MessageView) string {
	marker := "  "
	if mv.Focused {
		marker = "> "
	}
	check := ""
	if mv.Selected {
		check = "● "
	}

	initials := mv.Initials
	if initials == "" {
		initials = "?"
	}

	name := nameStyle.Render(mv.AuthorName)
	if mv.Own {
		name = ownNameStyle.Render(mv.AuthorName)
	}
	if mv.AuthorRole != "" {
		name += hintStyle.Render(" · " + mv.AuthorRole)
	}

	stamp := mv.Message.Timestamp
	if t := mv.Message.Time(); !t.IsZero() {
		stamp = t.Local().Format(timeLayout)
	}

	return marker + check + initialsStyle.Render(initials) + " " + name + "  " + hintStyle.Render(stamp)
}
