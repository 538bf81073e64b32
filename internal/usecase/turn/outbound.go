package turn

import (
	"strings"

	"chatrelay/internal/domain"
)

// BuildRequest assembles the outbound completion request from a transcript
// slice. Image attachments of user messages become image parts after the
// message text. Synthetic failure notices and empty assistant messages are not
// sent to the provider.
func BuildRequest(msgs []domain.Message, model string, maxTokens int) domain.CompletionRequest {
	req := domain.CompletionRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Stream:    true,
		Messages:  make([]domain.CompletionMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant && (m.Status == domain.StatusError || len(m.Content) == 0) {
			continue
		}
		parts := append([]domain.Part(nil), m.Content...)
		if m.Role == domain.RoleUser {
			for _, a := range m.Attachments {
				if strings.HasPrefix(a.MediaType, "image/") {
					parts = append(parts, domain.ImagePart(a.URL))
				}
			}
		}
		req.Messages = append(req.Messages, domain.CompletionMessage{Role: m.Role, Parts: parts})
	}
	return req
}
