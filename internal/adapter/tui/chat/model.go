package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatrelay/internal/adapter/tui/components"
	"chatrelay/internal/adapter/tui/theme"
	"chatrelay/internal/adapter/tui/uxerror"
	"chatrelay/internal/domain"
	"chatrelay/internal/usecase/turn"
)

// Commands are the slash commands offered by autocomplete and /help.
var Commands = []components.CommandDef{
	{Name: "/attach", Args: "<path|url>", Description: "Attach an image to the next message"},
	{Name: "/model", Args: "[id]", Description: "Show or switch the model"},
	{Name: "/new", Description: "Start a new chat"},
	{Name: "/help", Description: "Show commands and keys"},
	{Name: "/quit", Description: "Exit"},
}

const keyHelp = `Keys:
  Enter       Send, or save the message under edit
  Alt+Enter   New line
  Esc         Stop the answer, or cancel the edit
  Ctrl+R      Retry the last answer
  Ctrl+E      Edit your last message
  Ctrl+N      New chat
  PgUp/PgDn   Scroll
  Ctrl+C      Quit`

// Deps are the collaborators of the chat model.
type Deps struct {
	Controller *turn.Controller
	AppName    string
	Logger     *slog.Logger
	// Context scopes every turn the model starts. Defaults to Background.
	Context context.Context
	// ReadFile loads /attach paths. Defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
}

// Model is the root Bubble Tea model of the terminal client.
type Model struct {
	deps Deps
	ctrl *turn.Controller

	chatView  components.ChatViewModel
	input     components.InputAreaModel
	statusBar components.StatusBarModel
	spinner   spinner.Model

	snap    turn.Snapshot
	pending []domain.Upload          // queued by /attach for the next submit
	notices []components.ChatMessage // local output shown after the transcript
	noticeN int

	width    int
	height   int
	quitting bool
}

// New creates the chat model.
func New(deps Deps) Model {
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	if deps.ReadFile == nil {
		deps.ReadFile = os.ReadFile
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorAssistant)

	chatView := components.NewChatView()
	chatView.Messages.BotName = deps.AppName

	sb := components.NewStatusBar()
	sb.AppName = deps.AppName
	sb.Hints = idleHints()

	m := Model{
		deps:      deps,
		ctrl:      deps.Controller,
		chatView:  chatView,
		input:     components.NewInputArea(Commands),
		statusBar: sb,
		spinner:   s,
	}
	m.snap = m.ctrl.Snapshot()
	m.statusBar.Model = m.snap.Model
	return m
}

// Init starts the spinner and the controller watch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForUpdate(m.ctrl.Updates()))
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.chatView, cmd = m.chatView.Update(msg)
		return m, cmd

	case components.InputSubmitMsg:
		return m.handleSubmit(msg.Value)

	case updateMsg:
		m.snap = m.ctrl.Snapshot()
		m.refresh()
		return m, waitForUpdate(m.ctrl.Updates())

	case actionDoneMsg:
		if msg.Err != nil && !errors.Is(msg.Err, context.Canceled) {
			m.deps.Logger.Debug("action failed", "action", msg.Action, "error", msg.Err)
			m.addNotice(components.RoleError, uxerror.Humanize(msg.Err).Render())
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) busy() bool {
	return m.snap.State == turn.StateBuilding || m.snap.State == turn.StateStreaming
}

// View renders the chat UI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 {
		return "  Initializing..."
	}

	inputView := m.input.View()
	if m.busy() {
		inputView = m.spinner.View() + " " + theme.TextMuted.Render("answering, Esc to stop") + "\n" + inputView
	}
	if n := len(m.pending); n > 0 {
		inputView = theme.AttachmentChip.Render(fmt.Sprintf("%s %d attachment(s) queued", theme.SymbolAttach, n)) + "\n" + inputView
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.chatView.View(),
		components.Divider(m.width),
		inputView,
		m.statusBar.View(),
	)
}

// layout recalculates sizes for all sub-models.
func (m *Model) layout() {
	const inputH, statusH, dividerH, extraH = 3, 1, 1, 2
	contentH := max(m.height-inputH-statusH-dividerH-extraH, 5)
	m.statusBar.SetWidth(m.width)
	m.chatView.SetSize(m.width, contentH)
	m.input.SetWidth(m.width)
	m.refresh()
}

// refresh renders the snapshot plus local notices.
func (m *Model) refresh() {
	msgs := components.FromTranscript(m.snap.Messages, m.snap.Editing)
	msgs = append(msgs, m.notices...)
	m.chatView.SetMessages(msgs)

	m.statusBar.Model = m.snap.Model
	switch {
	case m.busy():
		m.statusBar.Extra = string(m.snap.State)
		m.statusBar.Hints = busyHints()
	case m.snap.Editing != "":
		m.statusBar.Extra = "editing"
		m.statusBar.Hints = editHints()
	default:
		m.statusBar.Extra = ""
		m.statusBar.Hints = idleHints()
	}
}

func (m *Model) addNotice(role components.MessageRole, text string) {
	m.noticeN++
	m.notices = append(m.notices, components.ChatMessage{
		ID:      fmt.Sprintf("notice-%d", m.noticeN),
		Role:    role,
		Content: text,
		Status:  domain.StatusComplete,
	})
	m.refresh()
}

// lastByRole returns the newest transcript message with role.
func (m Model) lastByRole(role string) (domain.Message, bool) {
	for i := len(m.snap.Messages) - 1; i >= 0; i-- {
		if m.snap.Messages[i].Role == role {
			return m.snap.Messages[i], true
		}
	}
	return domain.Message{}, false
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if isMouseEscapeLeak(msg.String()) {
		return m, nil
	}

	switch msg.Type {
	case tea.KeyCtrlC:
		m.ctrl.Stop()
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEsc:
		if m.input.Autocomplete.Visible {
			break
		}
		switch {
		case m.snap.Editing != "":
			m.ctrl.CancelEdit()
			m.input.Reset()
		case m.busy():
			m.ctrl.Stop()
		}
		return m, nil

	case tea.KeyCtrlR:
		last, ok := m.lastByRole(domain.RoleAssistant)
		if !ok {
			return m, nil
		}
		return m, actionResult("retry", m.ctrl.Retry(m.deps.Context, last.ID))

	case tea.KeyCtrlE:
		last, ok := m.lastByRole(domain.RoleUser)
		if !ok {
			return m, nil
		}
		wasEditing := m.snap.Editing == last.ID
		if err := m.ctrl.Edit(last.ID); err != nil {
			m.addNotice(components.RoleError, uxerror.Humanize(err).Render())
			return m, nil
		}
		if wasEditing {
			m.input.Reset()
		} else {
			m.input.SetValue(last.Text())
		}
		return m, nil

	case tea.KeyCtrlN:
		m.newChat()
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chatView, cmd = m.chatView.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleSubmit(value string) (tea.Model, tea.Cmd) {
	if cmd, arg, ok := components.ParseSlashCommand(value); ok {
		return m.handleSlashCommand(cmd, arg)
	}

	if m.snap.Editing != "" {
		return m, actionResult("save_edit", m.ctrl.SaveEdit(m.deps.Context, value))
	}
	uploads := m.pending
	m.pending = nil
	// The message is placed now; only attachment normalization runs off the
	// UI goroutine.
	finish, err := m.ctrl.BeginSubmit(m.deps.Context, value, uploads)
	if err != nil {
		return m, actionResult("submit", err)
	}
	return m, runAction("submit", finish)
}

func (m Model) handleSlashCommand(cmd, arg string) (tea.Model, tea.Cmd) {
	switch cmd {
	case "/help":
		var sb strings.Builder
		sb.WriteString("Commands:")
		for _, c := range Commands {
			fmt.Fprintf(&sb, "\n  %-20s %s", c.Usage(), c.Description)
		}
		sb.WriteString("\n\n" + keyHelp)
		m.addNotice(components.RoleSystem, sb.String())

	case "/quit", "/exit":
		m.ctrl.Stop()
		m.quitting = true
		return m, tea.Quit

	case "/new":
		m.newChat()

	case "/model":
		if arg == "" {
			m.addNotice(components.RoleSystem, m.modelList())
			break
		}
		if err := m.ctrl.SetModel(arg); err != nil {
			m.addNotice(components.RoleError, uxerror.Humanize(err).Render())
			break
		}
		m.addNotice(components.RoleSystem, theme.SymbolSuccess+" Model set to "+arg)

	case "/attach":
		up, err := m.loadUpload(arg)
		if err != nil {
			m.addNotice(components.RoleError, uxerror.Humanize(err).Render())
			break
		}
		m.pending = append(m.pending, up)
		m.addNotice(components.RoleSystem, fmt.Sprintf("%s Queued %s (%d pending)", theme.SymbolAttach, up.Name, len(m.pending)))

	default:
		m.addNotice(components.RoleError, "Unknown command "+cmd+". Type /help for the list.")
	}
	return m, nil
}

func (m *Model) newChat() {
	m.ctrl.NewChat()
	m.notices = nil
	m.pending = nil
	m.input.Reset()
	m.chatView.Clear()
	m.snap = m.ctrl.Snapshot()
	m.refresh()
}

func (m Model) modelList() string {
	var sb strings.Builder
	sb.WriteString("Models:")
	for _, info := range domain.SupportedModels {
		marker := "  "
		if info.ID == m.snap.Model {
			marker = theme.SymbolArrowR + " "
		}
		fmt.Fprintf(&sb, "\n  %s%-28s %s", marker, info.ID, info.Name)
	}
	return sb.String()
}

// loadUpload turns an /attach argument into an upload. URLs are passed to
// the normalizer as-is; anything else is read from disk.
func (m Model) loadUpload(arg string) (domain.Upload, error) {
	if arg == "" {
		return domain.Upload{}, domain.NewDomainError("chat.attach", domain.ErrInvalidInput, "usage: /attach <path|url>")
	}
	lower := strings.ToLower(arg)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return domain.Upload{Name: path.Base(arg), URL: arg}, nil
	case strings.HasPrefix(lower, "data:"):
		return domain.Upload{Name: "pasted image", URL: arg}, nil
	}
	data, err := m.deps.ReadFile(arg)
	if err != nil {
		return domain.Upload{}, domain.NewDomainError("chat.attach", domain.ErrInvalidInput, err.Error())
	}
	if len(data) == 0 {
		return domain.Upload{}, domain.NewDomainError("chat.attach", domain.ErrEmptyFile, arg)
	}
	return domain.Upload{Name: filepath.Base(arg), Data: data}, nil
}

// isMouseEscapeLeak detects mouse escape sequences that some terminals
// deliver as key input during fast scrolling (SGR, X11 and URXVT forms).
func isMouseEscapeLeak(s string) bool {
	digits := func(s string) bool {
		for _, r := range s {
			if r != ';' && (r < '0' || r > '9') {
				return false
			}
		}
		return true
	}
	switch {
	case len(s) >= 5 && s[0] == '<' && (s[len(s)-1] == 'M' || s[len(s)-1] == 'm'):
		return digits(s[1 : len(s)-1])
	case len(s) >= 2 && s[0] == '[' && (s[1] == 'M' || s[1] == 'm'):
		return true
	case len(s) >= 5 && s[0] == '[' && s[len(s)-1] == 'M':
		return digits(s[1 : len(s)-1])
	}
	return false
}

func idleHints() []components.KeyHint {
	return []components.KeyHint{
		{Key: "Enter", Desc: "Send"},
		{Key: "Ctrl+R", Desc: "Retry"},
		{Key: "Ctrl+E", Desc: "Edit"},
		{Key: "/help", Desc: "Help"},
		{Key: "Ctrl+C", Desc: "Quit"},
	}
}

func busyHints() []components.KeyHint {
	return []components.KeyHint{
		{Key: "Esc", Desc: "Stop"},
		{Key: "Ctrl+N", Desc: "New chat"},
		{Key: "Ctrl+C", Desc: "Quit"},
	}
}

func editHints() []components.KeyHint {
	return []components.KeyHint{
		{Key: "Enter", Desc: "Save"},
		{Key: "Esc", Desc: "Cancel edit"},
		{Key: "Ctrl+C", Desc: "Quit"},
	}
}
