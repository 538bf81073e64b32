package chat

import (
	tea "github.com/charmbracelet/bubbletea"
)

// waitForUpdate blocks until the controller signals a change. The model
// re-arms it after every updateMsg.
func waitForUpdate(updates <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-updates; !ok {
			return nil
		}
		return updateMsg{}
	}
}

// runAction runs fn off the UI goroutine and reports its error.
func runAction(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{Action: action, Err: fn()}
	}
}

// actionResult reports the outcome of a controller call already made.
func actionResult(action string, err error) tea.Cmd {
	return func() tea.Msg { return actionDoneMsg{Action: action, Err: err} }
}
