package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chatrelay/internal/adapter/tui/theme"
)

// KeyHint is a keybinding hint shown in the status bar.
type KeyHint struct {
	Key  string
	Desc string
}

// StatusBarModel renders a bottom line with key hints on the left and the
// app, model and turn state on the right.
type StatusBarModel struct {
	Hints   []KeyHint
	AppName string
	Model   string
	Extra   string // e.g. "streaming"
	width   int
}

// NewStatusBar creates an empty status bar.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{}
}

// SetWidth updates the available width.
func (m *StatusBarModel) SetWidth(w int) { m.width = w }

// View renders the status bar as a single line.
func (m StatusBarModel) View() string {
	hints := make([]string, 0, len(m.Hints))
	for _, h := range m.Hints {
		hints = append(hints, theme.StatusKey.Render(h.Key)+": "+h.Desc)
	}
	left := strings.Join(hints, "  "+theme.Dim.Render("|")+"  ")

	var info []string
	if m.AppName != "" {
		info = append(info, m.AppName)
	}
	if m.Model != "" {
		info = append(info, m.Model)
	}
	right := theme.TextMuted.Render(strings.Join(info, " "+theme.SymbolBullet+" "))
	if m.Extra != "" {
		if len(info) > 0 {
			right += "  "
		}
		right += theme.TextInfo.Render(m.Extra)
	}

	gap := max(m.width-theme.StatusBar.GetHorizontalFrameSize()-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return theme.StatusBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}
