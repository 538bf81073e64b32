package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/adapter/llm"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
)

const (
	maxJSONBody      = 32 << 20
	maxMultipartMem  = 8 << 20
	multipartFileKey = "files"
)

// chatRequestSchema describes the JSON body of POST /api/chat.
const chatRequestSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "model": {"type": "string"},
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant"]},
          "content": {
            "oneOf": [
              {"type": "string"},
              {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["type"],
                  "properties": {
                    "type": {"enum": ["text", "image_url"]},
                    "text": {"type": "string"},
                    "image_url": {
                      "type": "object",
                      "required": ["url"],
                      "properties": {"url": {"type": "string"}}
                    }
                  }
                }
              }
            ]
          }
        }
      }
    }
  }
}`

var (
	chatSchemaOnce sync.Once
	chatSchema     *jsonschema.Schema
	chatSchemaErr  error
)

func compiledChatSchema() (*jsonschema.Schema, error) {
	chatSchemaOnce.Do(func() {
		chatSchema, chatSchemaErr = jsonschema.NewCompiler().Compile([]byte(chatRequestSchema))
	})
	return chatSchema, chatSchemaErr
}

// validateChatBody checks raw JSON against the chat request schema.
func validateChatBody(body []byte) error {
	schema, err := compiledChatSchema()
	if err != nil {
		return fmt.Errorf("chat schema: %w", err)
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, result.Error())
	}
	return nil
}

// parseChat decodes a JSON or multipart chat request into a completion
// request for the configured model and output cap.
func (s *Server) parseChat(ctx context.Context, w http.ResponseWriter, r *http.Request) (domain.CompletionRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		msgs  []domain.CompletionMessage
		model string
		err   error
	)
	if mediaType == "multipart/form-data" {
		msgs, model, err = s.parseMultipart(ctx, r)
	} else {
		msgs, model, err = parseJSONChat(http.MaxBytesReader(w, r.Body, maxJSONBody))
	}
	if err != nil {
		return domain.CompletionRequest{}, err
	}
	if len(msgs) == 0 {
		return domain.CompletionRequest{}, domain.NewDomainError("gateway.chat", domain.ErrInvalidInput, "no messages")
	}
	return domain.CompletionRequest{
		Model:     domain.ResolveModel(model, s.cfg.Provider.Model),
		Messages:  msgs,
		MaxTokens: s.cfg.Provider.MaxTokens,
		Stream:    true,
	}, nil
}

type chatBody struct {
	Messages []openai.ChatCompletionMessage `json:"messages"`
	Model    string                         `json:"model"`
}

func parseJSONChat(body io.Reader) ([]domain.CompletionMessage, string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validateChatBody(raw); err != nil {
		return nil, "", err
	}
	var req chatBody
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return llm.FromWireMessages(req.Messages), req.Model, nil
}

func (s *Server) parseMultipart(ctx context.Context, r *http.Request) ([]domain.CompletionMessage, string, error) {
	if err := r.ParseMultipartForm(maxMultipartMem); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	var msgs []domain.CompletionMessage
	if prior := r.FormValue("messages"); prior != "" {
		var wire []openai.ChatCompletionMessage
		if err := json.Unmarshal([]byte(prior), &wire); err != nil {
			return nil, "", fmt.Errorf("%w: messages: %v", domain.ErrInvalidInput, err)
		}
		msgs = llm.FromWireMessages(wire)
	}

	var parts []domain.Part
	if text := strings.TrimSpace(r.FormValue("message")); text != "" {
		parts = append(parts, domain.TextPart(text))
	}
	for _, att := range s.normalizeFiles(ctx, r) {
		parts = append(parts, domain.ImagePart(att.URL))
	}
	if len(parts) > 0 {
		msgs = append(msgs, domain.CompletionMessage{Role: domain.RoleUser, Parts: parts})
	}
	return msgs, r.FormValue("model"), nil
}

// normalizeFiles runs uploaded files through the normalizer. Files that fail
// are logged and omitted.
func (s *Server) normalizeFiles(ctx context.Context, r *http.Request) []domain.Attachment {
	if r.MultipartForm == nil {
		return nil
	}
	headers := r.MultipartForm.File[multipartFileKey]
	limit := s.cfg.Media.MaxFiles
	var out []domain.Attachment
	for i, fh := range headers {
		if limit > 0 && len(out) >= limit {
			s.logger.Warn("attachment limit reached, dropping remaining files", "limit", limit, "dropped", len(headers)-i)
			break
		}
		if s.normalizer == nil {
			s.logger.Warn("attachment dropped: no normalizer configured", "name", fh.Filename)
			continue
		}
		f, err := fh.Open()
		if err != nil {
			s.logger.Warn("attachment dropped", "name", fh.Filename, "error", err)
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.logger.Warn("attachment dropped", "name", fh.Filename, "error", err)
			continue
		}
		att, err := s.normalizer.Normalize(ctx, domain.Upload{Name: fh.Filename, Data: data})
		if err != nil {
			s.logger.Warn("attachment dropped", "name", fh.Filename, "error", err)
			continue
		}
		out = append(out, att)
	}
	return out
}

// handleChat streams the provider's answer as plain text. Failures before the
// first byte get an empty error response; a failure after it aborts the
// connection so the client sees a truncated body.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.StartSpan(r.Context(), "http.chat")
	defer span.End()
	s.metrics.ChatRequests.Add(1)

	req, err := s.parseChat(ctx, w, r)
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Info("chat request rejected", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		tracer.StringAttr("llm.model", req.Model),
		tracer.IntAttr("chat.messages", len(req.Messages)),
	)

	if s.gateway == nil {
		s.chatFailed(w, span, errors.New("no completion gateway configured"))
		return
	}
	ch, err := s.gateway.Stream(ctx, req)
	if err != nil {
		s.chatFailed(w, span, err)
		return
	}

	// Hold the status until the first fragment so an immediate provider
	// failure can still become a 502.
	first, ok := <-ch
	if !ok {
		return
	}
	if first.Err != nil {
		s.chatFailed(w, span, first.Err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var written int
	emit := func(text string) {
		if text == "" {
			return
		}
		n, _ := io.WriteString(w, text)
		written += n
		s.metrics.FragmentsStreamed.Add(1)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(first.Text)
	if first.Done {
		s.chatDone(span, req.Model, written)
		return
	}
	for frag := range ch {
		if frag.Err != nil {
			tracer.RecordError(span, frag.Err)
			s.metrics.ChatInterrupted.Add(1)
			s.logger.Warn("chat stream interrupted", "model", req.Model, "bytes", written, "error", frag.Err)
			panic(http.ErrAbortHandler)
		}
		emit(frag.Text)
		if frag.Done {
			s.chatDone(span, req.Model, written)
			return
		}
	}
	// Channel closed without a terminal fragment: the client went away.
	s.logger.Debug("chat stream cancelled", "model", req.Model, "bytes", written)
}

func (s *Server) chatDone(span trace.Span, model string, written int) {
	span.SetAttributes(tracer.IntAttr("chat.bytes", written))
	tracer.SetOK(span)
	s.logger.Info("chat completed", "model", model, "bytes", written)
}

func (s *Server) chatFailed(w http.ResponseWriter, span trace.Span, err error) {
	tracer.RecordError(span, err)
	s.metrics.ChatFailures.Add(1)
	s.logger.Warn("chat request failed", "code", domain.ErrorCodeOf(err), "error", err)
	w.WriteHeader(http.StatusBadGateway)
}
