// Package theme holds the colors and styles of the terminal chat client.
// Colors adapt to light and dark backgrounds; lipgloss honours NO_COLOR
// through its color profile detection.
package theme

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette. Each role in the transcript gets its own hue.
var (
	ColorUser      = lipgloss.AdaptiveColor{Light: "#00695c", Dark: "#4db6ac"}
	ColorAssistant = lipgloss.AdaptiveColor{Light: "#4527a0", Dark: "#b39ddb"}
	ColorError     = lipgloss.AdaptiveColor{Light: "#b71c1c", Dark: "#ef5350"}
	ColorNotice    = lipgloss.AdaptiveColor{Light: "#ef6c00", Dark: "#ffb74d"}
	ColorMuted     = lipgloss.AdaptiveColor{Light: "#6d6d6d", Dark: "#a0a0a0"}
	ColorFaint     = lipgloss.AdaptiveColor{Light: "#a8a8a8", Dark: "#6a6a6a"}

	ColorBorder       = lipgloss.AdaptiveColor{Light: "#c8c8c8", Dark: "#585858"}
	ColorBorderActive = ColorUser
	ColorBar          = lipgloss.AdaptiveColor{Light: "#eeeeee", Dark: "#262626"}
)

var (
	Dim = lipgloss.NewStyle().Faint(true)

	TextError = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextInfo  = lipgloss.NewStyle().Foreground(ColorUser)
	TextMuted = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Message headers.
var (
	UserLabel   = lipgloss.NewStyle().Foreground(ColorUser).Bold(true)
	BotLabel    = lipgloss.NewStyle().Foreground(ColorAssistant).Bold(true)
	SystemLabel = lipgloss.NewStyle().Foreground(ColorMuted).Bold(true)
	ErrorLabel  = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	EditLabel   = lipgloss.NewStyle().Foreground(ColorNotice).Bold(true)
	Timestamp   = lipgloss.NewStyle().Foreground(ColorFaint)
)

// Transcript markers.
var (
	// InterruptedMarker tags an answer whose stream broke after partial content.
	InterruptedMarker = lipgloss.NewStyle().Foreground(ColorNotice).Italic(true)
	StreamingCursor   = lipgloss.NewStyle().Foreground(ColorAssistant).Blink(true)
	AttachmentChip    = lipgloss.NewStyle().Foreground(ColorMuted).Italic(true)
)

var (
	StatusBar = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Background(ColorBar).
			Padding(0, 1)
	StatusKey = lipgloss.NewStyle().Foreground(ColorUser).Bold(true)

	InputPrompt      = lipgloss.NewStyle().Foreground(ColorUser).Bold(true)
	InputPlaceholder = lipgloss.NewStyle().Foreground(ColorFaint)
)

// MaxContentWidth caps the transcript width on wide terminals.
const MaxContentWidth = 100

// Clamp returns v clamped to [lo, hi].
func Clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
