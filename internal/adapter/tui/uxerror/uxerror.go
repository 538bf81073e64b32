// Package uxerror translates raw errors into user-friendly messages with
// recovery hints for the TUI.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/adapter/tui/theme"
	"chatrelay/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Connection Failed"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Raw     string   // original error text
}

// Render formats the FriendlyError for display in the message list.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(fe.Title)
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			fmt.Fprintf(&sb, "\n    %s %s", theme.SymbolBullet, h)
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

var patterns = []errorPattern{
	// Domain sentinels first so errors.Is sees through wrapping.
	{
		match:   is(domain.ErrUnauthorized, domain.ErrAuthInvalid),
		produce: constantError("Authentication Failed", "The relay rejected the session or the provider rejected its key.", []string{"Check auth.username and auth.password in config", "Verify provider.api_key on the server"}),
	},
	{
		match:   is(domain.ErrRateLimit),
		produce: constantError("Rate Limited", "Too many requests were sent.", []string{"Wait a moment, then press Ctrl+R to retry"}),
	},
	{
		match:   is(domain.ErrCircuitOpen),
		produce: constantError("Provider Unavailable", "Recent requests kept failing, so the relay is pausing calls to the provider.", []string{"Wait for the breaker to reset, then press Ctrl+R"}),
	},
	{
		match:   is(domain.ErrStreamInterrupt),
		produce: constantError("Answer Interrupted", "The stream broke after part of the answer arrived.", []string{"Press Ctrl+R to ask again"}),
	},
	{
		match:   is(domain.ErrContextOverflow),
		produce: constantError("Conversation Too Long", "The transcript no longer fits the model's context window.", []string{"Start a new chat with Ctrl+N or /new"}),
	},
	{
		match:   is(domain.ErrTooLarge),
		produce: constantError("Attachment Too Large", "A file exceeded the size limit.", []string{"Attach a smaller file", "Raise media.max_bytes in config"}),
	},
	{
		match:   is(domain.ErrFetchBlocked),
		produce: constantError("Attachment URL Blocked", "The URL points at a private or local address.", []string{"Attach the file from disk instead", "Set media.allow_private_fetch to reach internal hosts"}),
	},
	{
		match:   is(domain.ErrUnsupported, domain.ErrEmptyFile),
		produce: constantError("Attachment Rejected", "Only non-empty image files can be attached.", []string{"Attach a PNG, JPEG, GIF or WebP image"}),
	},
	{
		match:   is(domain.ErrInvalidState),
		produce: constantError("Busy", "That action is not available right now.", []string{"Press Esc to stop the current answer first"}),
	},
	{
		match:   is(domain.ErrInvalidInput),
		produce: constantError("Invalid Input", "", []string{"Type /help for the list of commands"}),
	},
	{
		match:   is(domain.ErrProviderError),
		produce: constantError("Provider Error", "The model provider returned an error.", []string{"Press Ctrl+R to retry", "Try another model with /model"}),
	},

	// External errors only show up as text.
	{
		match:   containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the relay server.", []string{"Check that 'chatrelay serve' is running", "Verify client.server_url or --server"}),
	},
	{
		match:   containsAny("deadline exceeded", "timeout", "timed out"),
		produce: constantError("Request Timed Out", "The request took too long to complete.", []string{"Check your network connection", "Increase provider.resp_timeout in config"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}
	for _, p := range patterns {
		if p.match(err) {
			fe := p.produce(err)
			if fe.Message == "" {
				fe.Message = err.Error()
			}
			return fe
		}
	}
	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Check the server log for details"},
		Raw:     err.Error(),
	}
}

func is(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// containsAny matches when the error text contains any substring,
// case-insensitively.
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{Title: title, Message: message, Hints: hints, Raw: err.Error()}
	}
}
