package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// --- test doubles ---

type stubGateway struct {
	mu    sync.Mutex
	reqs  []domain.CompletionRequest
	frags []domain.Fragment
	err   error
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) Stream(_ context.Context, req domain.CompletionRequest) (<-chan domain.Fragment, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req.Clone())
	frags, err := g.frags, g.err
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := make(chan domain.Fragment, len(frags))
	for _, f := range frags {
		ch <- f
	}
	close(ch)
	return ch, nil
}

func (g *stubGateway) last(t *testing.T) domain.CompletionRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.reqs, "gateway was not called")
	return g.reqs[len(g.reqs)-1]
}

type stubNormalizer struct{}

func (stubNormalizer) Normalize(_ context.Context, u domain.Upload) (domain.Attachment, error) {
	if len(u.Data) == 0 && u.URL == "" {
		return domain.Attachment{}, domain.ErrEmptyFile
	}
	return domain.Attachment{MediaType: "image/png", URL: "data:image/png;base64,AAAA", Name: u.Name}, nil
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string]domain.Blob
}

func (m *memBlobs) Put(_ context.Context, b domain.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = make(map[string]domain.Blob)
	}
	m.blobs[b.ID] = b
	return nil
}

func (m *memBlobs) Get(_ context.Context, id string) (*domain.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (m *memBlobs) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *memBlobs) Close() error                                        { return nil }

func textFrags(parts ...string) []domain.Fragment {
	out := make([]domain.Fragment, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, domain.Fragment{Text: p})
	}
	return append(out, domain.Fragment{Done: true})
}

type testEnv struct {
	srv *Server
	ts  *httptest.Server
	gw  *stubGateway
}

// newTestEnv starts an httptest server. mutate may adjust deps before the
// server is built.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	gw := &stubGateway{frags: textFrags("hello", " world")}
	cfg := config.Defaults()
	cfg.AppName = "Test Chat"
	deps := Deps{
		Config:     cfg,
		Gateway:    gw,
		Normalizer: stubNormalizer{},
		Logger:     slog.New(slog.DiscardHandler),
		Version:    "test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := NewServer(deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, gw: gw}
}

func withAuth(user, pass string) func(*Deps) {
	return func(d *Deps) {
		s, err := NewSessions(SessionConfig{Username: user, Password: pass, Secret: "test-secret-0123456789abcdef0123"})
		if err != nil {
			panic(err)
		}
		d.Sessions = s
	}
}

// noRedirect returns a client that reports redirects instead of following them.
func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}
