package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chatrelay/internal/adapter/tui/theme"
)

// CommandDef defines a slash command for autocomplete and /help.
type CommandDef struct {
	Name        string // e.g. "/attach"
	Args        string // e.g. "<path|url>"; empty when the command takes none
	Description string
}

// Usage returns the command with its argument placeholder.
func (c CommandDef) Usage() string {
	if c.Args == "" {
		return c.Name
	}
	return c.Name + " " + c.Args
}

// AutocompleteModel is a filtered popup of slash commands.
type AutocompleteModel struct {
	Commands []CommandDef
	Filtered []CommandDef
	Selected int
	Visible  bool
	maxShow  int
	width    int
}

// NewAutocomplete creates an autocomplete model with the given commands.
func NewAutocomplete(commands []CommandDef) AutocompleteModel {
	return AutocompleteModel{Commands: commands, maxShow: 6}
}

// SetWidth updates the popup width.
func (m *AutocompleteModel) SetWidth(w int) { m.width = w }

// SetPrefix filters the commands by prefix. An empty prefix hides the popup.
func (m *AutocompleteModel) SetPrefix(prefix string) {
	prefix = strings.ToLower(prefix)
	m.Filtered = m.Filtered[:0]
	if prefix != "" {
		for _, cmd := range m.Commands {
			if strings.HasPrefix(cmd.Name, prefix) {
				m.Filtered = append(m.Filtered, cmd)
			}
		}
	}
	m.Visible = len(m.Filtered) > 0
	if m.Selected >= len(m.Filtered) {
		m.Selected = 0
	}
}

// Hide hides the popup.
func (m *AutocompleteModel) Hide() {
	m.Visible = false
	m.Filtered = nil
	m.Selected = 0
}

// SelectNext moves the selection down, wrapping around.
func (m *AutocompleteModel) SelectNext() {
	if n := len(m.Filtered); n > 0 {
		m.Selected = (m.Selected + 1) % n
	}
}

// SelectPrev moves the selection up, wrapping around.
func (m *AutocompleteModel) SelectPrev() {
	if n := len(m.Filtered); n > 0 {
		m.Selected = (m.Selected - 1 + n) % n
	}
}

// Accept returns the selected command name and hides the popup.
func (m *AutocompleteModel) Accept() CommandDef {
	if len(m.Filtered) == 0 {
		return CommandDef{}
	}
	cmd := m.Filtered[m.Selected]
	m.Hide()
	return cmd
}

// View renders the popup, or "" when hidden.
func (m AutocompleteModel) View() string {
	if !m.Visible {
		return ""
	}
	show := m.Filtered
	if len(show) > m.maxShow {
		show = show[:m.maxShow]
	}

	usageW := 0
	for _, cmd := range show {
		usageW = max(usageW, len(cmd.Usage()))
	}
	maxDesc := max(m.width-usageW-8, 10)

	lines := make([]string, 0, len(show))
	for i, cmd := range show {
		usage := cmd.Usage()
		usage += strings.Repeat(" ", usageW-len(usage))
		desc := cmd.Description
		if len(desc) > maxDesc {
			desc = desc[:maxDesc-1] + theme.SymbolEllipsis
		}
		prefix := "  "
		if i == m.Selected {
			prefix = theme.TextInfo.Render(theme.SymbolArrowR + " ")
		}
		lines = append(lines, prefix+usage+"  "+theme.TextMuted.Render(desc))
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorderActive).
		Padding(0, 1).
		Render(strings.Join(lines, "\n"))
}
