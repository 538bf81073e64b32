package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/adapter/media"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sseServer(t *testing.T, chunks []string, inspect func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			inspect(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
		}
	}))
}

func newProvider(url string, opts ...Option) *OpenAIProvider {
	return NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger(), opts...)
}

func userReq(text string) domain.CompletionRequest {
	return domain.CompletionRequest{
		Messages: []domain.CompletionMessage{{Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart(text)}}},
		Stream:   true,
	}
}

func drain(ch <-chan domain.Fragment) (string, domain.Fragment) {
	var text strings.Builder
	var last domain.Fragment
	for f := range ch {
		text.WriteString(f.Text)
		last = f
	}
	return text.String(), last
}

func TestOpenAIStream(t *testing.T) {
	var gotAuth, gotAccept string
	var gotBody map[string]any
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}, func(r *http.Request, body map[string]any) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotBody = body
	})
	defer srv.Close()

	ch, err := newProvider(srv.URL).Stream(context.Background(), userReq("Hi"))
	require.NoError(t, err)

	text, last := drain(ch)
	assert.Equal(t, "Hello world", text)
	assert.True(t, last.Done)
	assert.NoError(t, last.Err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "text/event-stream", gotAccept)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"], "empty request model falls back to the configured one")
	assert.Equal(t, true, gotBody["stream"])
	_, hasMax := gotBody["max_completion_tokens"]
	assert.False(t, hasMax, "max_completion_tokens must be omitted when unset")
}

func TestOpenAIStreamSendsMaxTokensAndModel(t *testing.T) {
	var gotBody map[string]any
	srv := sseServer(t, []string{`[DONE]`}, func(_ *http.Request, body map[string]any) { gotBody = body })
	defer srv.Close()

	req := userReq("Hi")
	req.Model = "o3-mini"
	req.MaxTokens = 256
	ch, err := newProvider(srv.URL).Stream(context.Background(), req)
	require.NoError(t, err)
	drain(ch)

	assert.Equal(t, "o3-mini", gotBody["model"])
	assert.EqualValues(t, 256, gotBody["max_completion_tokens"])
}

func TestOpenAIStreamImageParts(t *testing.T) {
	var gotBody map[string]any
	srv := sseServer(t, []string{`[DONE]`}, func(_ *http.Request, body map[string]any) { gotBody = body })
	defer srv.Close()

	req := domain.CompletionRequest{Messages: []domain.CompletionMessage{
		{Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("what is this?"), domain.ImagePart("https://example.com/a.png")}},
		{Role: domain.RoleAssistant, Parts: []domain.Part{domain.TextPart("a cat")}},
	}}
	ch, err := newProvider(srv.URL).Stream(context.Background(), req)
	require.NoError(t, err)
	drain(ch)

	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 2)

	first := msgs[0].(map[string]any)
	parts := first["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].(map[string]any)["type"])
	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	assert.Equal(t, "https://example.com/a.png", img["image_url"].(map[string]any)["url"])

	second := msgs[1].(map[string]any)
	assert.Equal(t, "a cat", second["content"], "text-only messages use plain content")
}

type mapBlobs map[string]*domain.Blob

func (m mapBlobs) Get(_ context.Context, id string) (*domain.Blob, error) {
	if b, ok := m[id]; ok {
		return b, nil
	}
	return nil, domain.ErrNotFound
}

func TestOpenAIStreamResolvesStoredMedia(t *testing.T) {
	data := []byte("\x89PNG\r\n\x1a\nrest")
	id := media.ContentID(data)

	var gotBody map[string]any
	srv := sseServer(t, []string{`[DONE]`}, func(_ *http.Request, body map[string]any) { gotBody = body })
	defer srv.Close()

	p := newProvider(srv.URL, WithBlobSource(mapBlobs{id: {ID: id, MediaType: "image/png", Data: data}}))
	req := domain.CompletionRequest{Messages: []domain.CompletionMessage{
		{Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("look"), domain.ImagePart(media.RoutePrefix + id)}},
	}}
	ch, err := p.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(ch)

	parts := gotBody["messages"].([]any)[0].(map[string]any)["content"].([]any)
	url := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.Equal(t, media.DataURL("image/png", data), url)
}

func TestOpenAIStreamUnresolvableMedia(t *testing.T) {
	srv := sseServer(t, []string{`[DONE]`}, nil)
	defer srv.Close()

	req := domain.CompletionRequest{Messages: []domain.CompletionMessage{
		{Role: domain.RoleUser, Parts: []domain.Part{domain.ImagePart(media.RoutePrefix + media.ContentID([]byte("gone")))}},
	}}
	_, err := newProvider(srv.URL, WithBlobSource(mapBlobs{})).Stream(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenAIStreamHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusServiceUnavailable, domain.ErrProviderError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))
		_, err := newProvider(srv.URL).Stream(context.Background(), userReq("x"))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
		srv.Close()
	}
}

func TestOpenAIStreamMidStreamError(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"par"}}]}`,
		`{"error":{"message":"overloaded","type":"server_error"}}`,
	}, nil)
	defer srv.Close()

	ch, err := newProvider(srv.URL).Stream(context.Background(), userReq("x"))
	require.NoError(t, err)

	text, last := drain(ch)
	assert.Equal(t, "par", text)
	assert.ErrorIs(t, last.Err, domain.ErrProviderError)
	assert.Contains(t, last.Err.Error(), "overloaded")
}

func TestOpenAIStreamConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newProvider(url).Stream(context.Background(), userReq("x"))
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestOpenAIStreamContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 1000; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newProvider(srv.URL).Stream(ctx, userReq("x"))
	require.NoError(t, err)

	<-ch
	cancel()

	count := 0
	for range ch {
		count++
	}
	if count > 100 {
		t.Errorf("got %d fragments after cancel, expected far fewer", count)
	}
}

func TestOpenAIProviderDefaults(t *testing.T) {
	p := NewOpenAIProvider(config.ProviderConfig{BaseURL: "https://llm.example/v1/", Model: "gpt-2"}, nil)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "https://llm.example/v1", p.baseURL)
	assert.Equal(t, domain.DefaultModel, p.model, "unknown configured model falls back to the default")
}
