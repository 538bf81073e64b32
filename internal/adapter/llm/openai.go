// Package llm implements domain.CompletionGateway against OpenAI-compatible
// chat completion APIs.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/adapter/media"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/tracer"
)

// BlobSource resolves stored attachment references. media.SQLiteStore
// satisfies it.
type BlobSource interface {
	Get(ctx context.Context, id string) (*domain.Blob, error)
}

// OpenAIProvider streams completions from any OpenAI-compatible API.
type OpenAIProvider struct {
	name      string
	model     string
	maxTokens int
	apiKey    string
	baseURL   string
	client    *http.Client
	blobs     BlobSource
	logger    *slog.Logger
}

// Option customizes an OpenAIProvider.
type Option func(*OpenAIProvider)

// WithBlobSource lets the provider inline /api/media/<id> references.
func WithBlobSource(src BlobSource) Option {
	return func(p *OpenAIProvider) { p.blobs = src }
}

// WithHTTPClient replaces the pooled client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) { p.client = c }
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger, opts ...Option) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &OpenAIProvider{
		name:      name,
		model:     domain.ResolveModel(cfg.Model, ""),
		maxTokens: cfg.MaxTokens,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		client:    NewHTTPClient(cfg),
		logger:    logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements domain.CompletionGateway.
func (p *OpenAIProvider) Name() string { return p.name }

// Stream implements domain.CompletionGateway. Errors before the first byte
// (HTTP status, transport) are returned directly; later failures arrive as
// an Err fragment. The llm.chat_stream span stays open until the stream
// ends.
func (p *OpenAIProvider) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.Fragment, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.maxTokens
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat_stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)

	wire, err := p.toWireRequest(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, err
	}
	body, err := json.Marshal(wire)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	resp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		p.logger.Warn("llm stream failed to open", "provider", p.name, "model", req.Model, "error", err)
		return nil, err
	}

	p.logger.Debug("llm stream opened", "provider", p.name, "model", req.Model)
	return parseSSEStream(ctx, resp.Body, parseChunk, func(frags int, err error) {
		span.SetAttributes(tracer.IntAttr("llm.fragments", frags))
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}), nil
}

// parseChunk decodes one streamed chunk.
func parseChunk(data []byte) (sseEvent, error) {
	// Mid-stream failures arrive as an error envelope on a data line.
	if strings.Contains(string(data), `"error"`) {
		var env openai.ErrorResponse
		if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
			return sseEvent{err: fmt.Errorf("%w: %s", domain.ErrProviderError, env.Error.Message)}, nil
		}
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return sseEvent{}, err
	}
	var ev sseEvent
	for _, c := range chunk.Choices {
		ev.text += c.Delta.Content
		if c.FinishReason != "" {
			ev.finished = true
		}
	}
	return ev, nil
}

// toWireRequest converts the normalized request into go-openai's wire shape,
// inlining stored media references.
func (p *OpenAIProvider) toWireRequest(ctx context.Context, req domain.CompletionRequest) (openai.ChatCompletionRequest, error) {
	msgs := ToWireMessages(req.Messages)
	for i := range msgs {
		for j, part := range msgs[i].MultiContent {
			if part.Type != openai.ChatMessagePartTypeImageURL || part.ImageURL == nil {
				continue
			}
			url, err := p.resolveImage(ctx, part.ImageURL.URL)
			if err != nil {
				return openai.ChatCompletionRequest{}, err
			}
			msgs[i].MultiContent[j].ImageURL = &openai.ChatMessageImageURL{URL: url}
		}
	}

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	return out, nil
}

// ToWireMessages converts normalized messages to go-openai messages. A
// message without images is sent as plain content; anything with images
// uses the multi-part form with the text first.
func ToWireMessages(in []domain.CompletionMessage) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		wm := openai.ChatCompletionMessage{Role: m.Role}
		if !hasImage(m.Parts) {
			wm.Content = textOf(m.Parts)
			msgs = append(msgs, wm)
			continue
		}
		for _, part := range m.Parts {
			switch part.Type {
			case domain.PartText:
				wm.MultiContent = append(wm.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			case domain.PartImage:
				wm.MultiContent = append(wm.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL},
				})
			}
		}
		msgs = append(msgs, wm)
	}
	return msgs
}

// FromWireMessages is the inverse of ToWireMessages.
func FromWireMessages(in []openai.ChatCompletionMessage) []domain.CompletionMessage {
	out := make([]domain.CompletionMessage, 0, len(in))
	for _, m := range in {
		cm := domain.CompletionMessage{Role: m.Role}
		if len(m.MultiContent) == 0 {
			cm.Parts = []domain.Part{domain.TextPart(m.Content)}
		}
		for _, part := range m.MultiContent {
			switch part.Type {
			case openai.ChatMessagePartTypeText:
				cm.Parts = append(cm.Parts, domain.TextPart(part.Text))
			case openai.ChatMessagePartTypeImageURL:
				if part.ImageURL != nil {
					cm.Parts = append(cm.Parts, domain.ImagePart(part.ImageURL.URL))
				}
			}
		}
		out = append(out, cm)
	}
	return out
}

// resolveImage turns a stored /api/media/<id> reference into a data: URL the
// remote API can read. Other URLs pass through.
func (p *OpenAIProvider) resolveImage(ctx context.Context, url string) (string, error) {
	id, ok := media.IsStoredRef(url)
	if !ok {
		return url, nil
	}
	if p.blobs == nil {
		return "", domain.NewDomainError("OpenAIProvider.resolveImage", domain.ErrMediaStore, "no blob source for "+url)
	}
	blob, err := p.blobs.Get(ctx, id)
	if err != nil {
		return "", domain.WrapOp("OpenAIProvider.resolveImage", err)
	}
	return media.DataURL(blob.MediaType, blob.Data), nil
}

func hasImage(parts []domain.Part) bool {
	for _, p := range parts {
		if p.Type == domain.PartImage {
			return true
		}
	}
	return false
}

func textOf(parts []domain.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == domain.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

var _ domain.CompletionGateway = (*OpenAIProvider)(nil)
