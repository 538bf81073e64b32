package domain

import (
	"strings"
	"time"
)

// Role constants for message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType discriminates the content parts of a message.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of a message body: either text or a normalized image reference.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// TextPart returns a text part.
func TextPart(s string) Part { return Part{Type: PartText, Text: s} }

// ImagePart returns an image part pointing at a normalized reference.
func ImagePart(url string) Part { return Part{Type: PartImage, ImageURL: url} }

// Attachment is a user-supplied file after normalization.
type Attachment struct {
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
	Name      string `json:"name"`
}

// MessageStatus tracks the lifecycle of an assistant message.
type MessageStatus string

const (
	StatusComplete    MessageStatus = "complete"
	StatusStreaming   MessageStatus = "streaming"
	StatusInterrupted MessageStatus = "interrupted" // stream broke after partial content
	StatusError       MessageStatus = "error"
)

// Message represents a single transcript entry.
type Message struct {
	ID          string        `json:"id"`
	Role        string        `json:"role"`
	Content     []Part        `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`

	// OriginRequest is the outbound payload this user message produced.
	// A retry replays it instead of rebuilding attachment encodings.
	OriginRequest *CompletionRequest `json:"-"`
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// InProgress reports whether the message is still receiving fragments.
func (m Message) InProgress() bool { return m.Status == StatusStreaming }

// Clone returns a deep copy so observers never share slices with the store.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = append([]Part(nil), m.Content...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.OriginRequest != nil {
		req := m.OriginRequest.Clone()
		out.OriginRequest = &req
	}
	return out
}

// WithText returns a copy of parts with every text part replaced by a single
// leading text part holding s. Non-text parts keep their order.
func WithText(parts []Part, s string) []Part {
	out := make([]Part, 0, len(parts)+1)
	out = append(out, TextPart(s))
	for _, p := range parts {
		if p.Type != PartText {
			out = append(out, p)
		}
	}
	return out
}
