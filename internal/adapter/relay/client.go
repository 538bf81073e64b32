// Package relay is a CompletionGateway that talks to a running chatrelay
// server instead of the provider, so the terminal client can share the
// server's credentials, media store and limits.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"chatrelay/internal/adapter/llm"
	"chatrelay/internal/domain"
)

const readChunk = 4096

// ChatRequest is the JSON body accepted by POST /api/chat.
type ChatRequest struct {
	Messages []openai.ChatCompletionMessage `json:"messages"`
	Model    string                         `json:"model,omitempty"`
}

// Client implements domain.CompletionGateway over the relay's HTTP API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client for the server at baseURL. The client keeps cookies,
// so a successful Login authorizes later calls.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, domain.NewDomainError("relay.New", domain.ErrInvalidInput, "server url must be absolute: "+baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		clone := *httpClient
		clone.Jar = jar
		httpClient = &clone
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{base: u, http: httpClient, logger: logger}, nil
}

// Name implements domain.CompletionGateway.
func (c *Client) Name() string { return "relay:" + c.base.Host }

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// Login exchanges credentials for a session cookie.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/auth"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", domain.ErrProviderError, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return mapStatus(resp.StatusCode)
	}
	c.logger.Debug("relay login succeeded", "server", c.base.Host)
	return nil
}

// Stream implements domain.CompletionGateway. The relay answers with a
// plain-text chunked body; each read becomes a fragment and a clean EOF
// ends the turn. A connection dropped mid-body yields an Err fragment.
func (c *Client) Stream(ctx context.Context, r domain.CompletionRequest) (<-chan domain.Fragment, error) {
	body, err := json.Marshal(ChatRequest{Messages: llm.ToWireMessages(r.Messages), Model: r.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/chat"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: relay request: %v", domain.ErrProviderError, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, mapStatus(resp.StatusCode)
	}

	ch := make(chan domain.Fragment, 16)
	go c.pump(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) pump(ctx context.Context, body io.ReadCloser, ch chan<- domain.Fragment) {
	defer close(ch)
	defer body.Close()

	send := func(f domain.Fragment) bool {
		select {
		case ch <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	buf := make([]byte, readChunk)
	var pending []byte // incomplete UTF-8 tail of the previous read
	for {
		n, err := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			text, rest := splitUTF8(pending)
			pending = append(pending[:0], rest...)
			if text != "" && !send(domain.Fragment{Text: text}) {
				return
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			if len(pending) > 0 && !send(domain.Fragment{Text: string(pending)}) {
				return
			}
			send(domain.Fragment{Done: true})
			return
		}
		c.logger.Warn("relay stream interrupted", "error", err)
		send(domain.Fragment{Err: fmt.Errorf("%w: %v", domain.ErrStreamInterrupt, err)})
		return
	}
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte sequence, and the remainder.
func splitUTF8(b []byte) (string, []byte) {
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	return string(b[:cut]), b[cut:]
}

func mapStatus(status int) error {
	detail := fmt.Sprintf("relay returned %d", status)
	switch {
	case status == http.StatusUnauthorized:
		return domain.NewDomainError("relay", domain.ErrUnauthorized, detail)
	case status == http.StatusTooManyRequests:
		return domain.NewDomainError("relay", domain.ErrRateLimit, detail)
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return domain.NewDomainError("relay", domain.ErrInvalidInput, detail)
	default:
		return domain.NewDomainError("relay", domain.ErrProviderError, detail)
	}
}

var _ domain.CompletionGateway = (*Client)(nil)
