// Package chat is the Bubble Tea front end for a turn controller.
package chat

// updateMsg reports that the controller changed; the model re-reads its
// snapshot.
type updateMsg struct{}

// actionDoneMsg carries the result of a controller call run off the UI
// goroutine.
type actionDoneMsg struct {
	Action string
	Err    error
}
