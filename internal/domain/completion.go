package domain

import "context"

// CompletionMessage is one role-tagged entry of an outbound completion request.
type CompletionMessage struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// CompletionRequest is the normalized payload sent to a completion gateway.
type CompletionRequest struct {
	Model     string              `json:"model,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
	Stream    bool                `json:"stream"`
}

// Clone returns a deep copy of the request.
func (r CompletionRequest) Clone() CompletionRequest {
	out := r
	out.Messages = make([]CompletionMessage, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = CompletionMessage{Role: m.Role, Parts: append([]Part(nil), m.Parts...)}
	}
	return out
}

// Fragment is one incremental slice of generated text.
// The last fragment of a stream has Done set (normal end) or Err set
// (the stream broke). The channel is closed after it.
type Fragment struct {
	Text string
	Done bool
	Err  error
}

// CompletionGateway is the narrow interface to a remote completion provider.
type CompletionGateway interface {
	// Stream opens one streaming completion. Cancelling ctx aborts it.
	Stream(ctx context.Context, req CompletionRequest) (<-chan Fragment, error)
	// Name identifies the gateway in logs and spans.
	Name() string
}
