package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"chatrelay/internal/adapter/tui/theme"
	"chatrelay/internal/domain"
)

// MessageRole identifies the sender of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system" // local notices, never sent
	RoleError     MessageRole = "error"
)

// ChatMessage is one rendered entry of the chat view.
type ChatMessage struct {
	ID          string
	Role        MessageRole
	Content     string
	Status      domain.MessageStatus
	Attachments []string // display names
	Editing     bool
	Timestamp   time.Time

	rendered string // cached markdown output; empty means not yet rendered
}

// FromTranscript maps transcript messages to chat messages. The message with
// id editing is flagged.
func FromTranscript(msgs []domain.Message, editing string) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		cm := ChatMessage{
			ID:        msg.ID,
			Role:      MessageRole(msg.Role),
			Content:   msg.Text(),
			Status:    msg.Status,
			Editing:   msg.ID == editing,
			Timestamp: msg.CreatedAt,
		}
		for _, a := range msg.Attachments {
			name := a.Name
			if name == "" {
				name = a.MediaType
			}
			cm.Attachments = append(cm.Attachments, name)
		}
		out = append(out, cm)
	}
	return out
}

// MessageListModel renders an ordered list of chat messages.
type MessageListModel struct {
	Messages   []ChatMessage
	BotName    string
	width      int
	mdRenderer *glamour.TermRenderer
}

// NewMessageList creates an empty message list.
func NewMessageList() MessageListModel {
	return MessageListModel{}
}

// SetWidth updates the rendering width and drops cached renders.
func (m *MessageListModel) SetWidth(w int) {
	if w == m.width {
		return
	}
	m.width = w
	m.mdRenderer = nil
	for i := range m.Messages {
		m.Messages[i].rendered = ""
	}
}

// Set replaces the list. Assistant messages whose content did not change
// keep their rendered markdown.
func (m *MessageListModel) Set(msgs []ChatMessage) {
	prev := make(map[string]ChatMessage, len(m.Messages))
	for _, msg := range m.Messages {
		if msg.ID != "" {
			prev[msg.ID] = msg
		}
	}
	m.Messages = msgs
	for i := range m.Messages {
		msg := &m.Messages[i]
		if old, ok := prev[msg.ID]; ok && old.Content == msg.Content {
			msg.rendered = old.rendered
		}
	}
}

// Clear removes all messages.
func (m *MessageListModel) Clear() { m.Messages = nil }

// View renders all messages as a single string.
func (m *MessageListModel) View() string {
	if len(m.Messages) == 0 {
		return theme.TextMuted.Render("  No messages yet. Start a conversation!")
	}
	width := ContentWidth(m.width)

	var sb strings.Builder
	for i := range m.Messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.renderMessage(&m.Messages[i], width))
	}
	return sb.String()
}

func (m *MessageListModel) renderMessage(msg *ChatMessage, width int) string {
	header := m.roleLabel(msg.Role)
	if msg.Editing {
		header += " " + theme.EditLabel.Render("(editing)")
	}
	if ts := RelativeTime(msg.Timestamp); ts != "" {
		header += " " + theme.Timestamp.Render(ts)
	}

	var body string
	switch {
	case msg.Role == RoleAssistant && msg.Status == domain.StatusError:
		body = theme.TextError.Render(wrapText(msg.Content, width-2))
	case msg.Role == RoleAssistant:
		if msg.rendered == "" && msg.Content != "" {
			msg.rendered = m.renderMarkdown(msg.Content, width)
		}
		body = strings.TrimRight(msg.rendered, "\n ")
	case msg.Role == RoleError:
		body = theme.TextError.Render(wrapText(msg.Content, width-2))
	default:
		body = "  " + wrapText(msg.Content, width-2)
	}

	switch msg.Status {
	case domain.StatusStreaming:
		body += theme.StreamingCursor.Render(" ▍")
	case domain.StatusInterrupted:
		body += "\n  " + theme.InterruptedMarker.Render("[interrupted]")
	}

	parts := []string{header}
	if strings.TrimSpace(body) != "" {
		parts = append(parts, body)
	}
	if len(msg.Attachments) > 0 {
		chips := make([]string, len(msg.Attachments))
		for i, a := range msg.Attachments {
			chips[i] = theme.AttachmentChip.Render(theme.SymbolAttach + " " + a)
		}
		parts = append(parts, "  "+strings.Join(chips, "  "))
	}
	return strings.Join(parts, "\n")
}

func (m *MessageListModel) roleLabel(role MessageRole) string {
	switch role {
	case RoleUser:
		return theme.UserLabel.Render(theme.SymbolUser)
	case RoleAssistant:
		name := m.BotName
		if name == "" {
			name = theme.SymbolBot
		}
		return theme.BotLabel.Render(name)
	case RoleSystem:
		return theme.SystemLabel.Render("System")
	case RoleError:
		return theme.ErrorLabel.Render(theme.SymbolError + " Error")
	default:
		return theme.TextMuted.Render(string(role))
	}
}

func (m *MessageListModel) renderMarkdown(content string, width int) string {
	if m.mdRenderer == nil {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return "  " + content
		}
		m.mdRenderer = r
	}
	rendered, err := m.mdRenderer.Render(content)
	if err != nil {
		return "  " + content
	}
	return rendered
}

// RelativeTime returns a human-readable relative time string.
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2 15:04")
	}
}

// wrapText wraps each line of s to width runes, indenting continuation lines
// by two spaces.
func wrapText(s string, width int) string {
	if width <= 0 {
		return s
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		runes := []rune(line)
		for len(runes) > width {
			idx := -1
			for i := width - 1; i > 0; i-- {
				if runes[i] == ' ' {
					idx = i
					break
				}
			}
			if idx <= 0 {
				idx = width
			}
			out = append(out, string(runes[:idx]))
			runes = []rune(strings.TrimLeft(string(runes[idx:]), " "))
		}
		out = append(out, string(runes))
	}
	return strings.Join(out, "\n  ")
}

// ContentWidth clamps the terminal width to a readable content width.
func ContentWidth(termWidth int) int {
	return theme.Clamp(termWidth-4, 40, theme.MaxContentWidth)
}

// Divider renders a horizontal line at the given width.
func Divider(width int) string {
	return lipgloss.NewStyle().
		Foreground(theme.ColorBorder).
		Render(strings.Repeat("─", max(width, 0)))
}
