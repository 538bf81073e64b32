package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func fakeRelay(t *testing.T, chat http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "me" || creds["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Invalid credentials"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "chat_session", Value: "token", Path: "/"})
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("POST /api/chat", chat)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func request(text string) domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:    "o3-mini",
		Messages: []domain.CompletionMessage{{Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart(text)}}},
		Stream:   true,
	}
}

func drain(ch <-chan domain.Fragment) (string, domain.Fragment) {
	var b strings.Builder
	var last domain.Fragment
	for f := range ch {
		b.WriteString(f.Text)
		last = f
	}
	return b.String(), last
}

func TestClientStream(t *testing.T) {
	var got ChatRequest
	srv := fakeRelay(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		f := w.(http.Flusher)
		for _, chunk := range []string{"Hel", "lo ", "there"} {
			_, _ = io.WriteString(w, chunk)
			f.Flush()
		}
	})

	c, err := New(srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), request("hi"))
	require.NoError(t, err)
	text, last := drain(ch)

	assert.Equal(t, "Hello there", text)
	assert.True(t, last.Done)
	assert.Equal(t, "o3-mini", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestClientLoginKeepsCookie(t *testing.T) {
	srv := fakeRelay(t, func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("chat_session"); err != nil || c.Value != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})

	c, err := New(srv.URL, nil, nil)
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), request("hi"))
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "no cookie yet")

	assert.ErrorIs(t, c.Login(context.Background(), "me", "wrong"), domain.ErrUnauthorized)
	require.NoError(t, c.Login(context.Background(), "me", "pw"))

	ch, err := c.Stream(context.Background(), request("hi"))
	require.NoError(t, err)
	text, last := drain(ch)
	assert.Equal(t, "ok", text)
	assert.True(t, last.Done)
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, domain.ErrInvalidInput},
		{http.StatusBadGateway, domain.ErrProviderError},
		{http.StatusTooManyRequests, domain.ErrRateLimit},
	}
	for _, tt := range tests {
		srv := fakeRelay(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		c, err := New(srv.URL, srv.Client(), nil)
		require.NoError(t, err)
		_, err = c.Stream(context.Background(), request("x"))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestClientAbortedBodyIsInterrupted(t *testing.T) {
	srv := fakeRelay(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})

	c, err := New(srv.URL, srv.Client(), nil)
	require.NoError(t, err)
	ch, err := c.Stream(context.Background(), request("x"))
	require.NoError(t, err)

	text, last := drain(ch)
	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, last.Err, domain.ErrStreamInterrupt)
}

func TestClientCancel(t *testing.T) {
	release := make(chan struct{})
	srv := fakeRelay(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c, err := New(srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, request("x"))
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "first", first.Text)
	cancel()

	for f := range ch {
		assert.False(t, f.Done, "cancelled stream must not report Done")
		assert.NoError(t, f.Err)
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New("localhost:3000/", nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSplitUTF8(t *testing.T) {
	b := []byte("héllo")
	// Cut inside the two-byte é.
	text, rest := splitUTF8(b[:2])
	assert.Equal(t, "h", text)
	assert.Equal(t, []byte{0xc3}, rest)

	text, rest = splitUTF8(b)
	assert.Equal(t, "héllo", text)
	assert.Empty(t, rest)
}
