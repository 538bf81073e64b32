package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/domain"
)

const waitTimeout = 2 * time.Second

// fakeStream is one scripted completion stream. The test pushes fragments.
type fakeStream struct {
	req domain.CompletionRequest
	ctx context.Context
	ch  chan domain.Fragment
}

func (s *fakeStream) send(t *testing.T, f domain.Fragment) {
	t.Helper()
	select {
	case s.ch <- f:
	case <-time.After(waitTimeout):
		t.Fatalf("fragment %+v not consumed", f)
	}
}

// trySend delivers f if a reader is still attached.
func (s *fakeStream) trySend(f domain.Fragment) bool {
	select {
	case s.ch <- f:
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func (s *fakeStream) close() { close(s.ch) }

// fakeGateway hands every opened stream to the test through opened. Stream
// blocks until the test receives it, so the test observes the Building state.
type fakeGateway struct {
	opened  chan *fakeStream
	mu      sync.Mutex
	openErr error
	reqs    []domain.CompletionRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{opened: make(chan *fakeStream)}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.Fragment, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req.Clone())
	err := g.openErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := &fakeStream{req: req, ctx: ctx, ch: make(chan domain.Fragment)}
	select {
	case g.opened <- s:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.ch, nil
}

func (g *fakeGateway) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-g.opened:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("no stream opened")
		return nil
	}
}

func (g *fakeGateway) requests() []domain.CompletionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.CompletionRequest(nil), g.reqs...)
}

// fakeNormalizer turns uploads into data URLs and rejects names listed in fail.
type fakeNormalizer struct {
	fail map[string]bool
}

func (n fakeNormalizer) Normalize(_ context.Context, u domain.Upload) (domain.Attachment, error) {
	if n.fail[u.Name] {
		return domain.Attachment{}, errors.New("unreadable")
	}
	return domain.Attachment{MediaType: "image/png", URL: "data:image/png;base64," + string(u.Data), Name: u.Name}, nil
}

// gatedNormalizer reports each upload on entered and holds it until release
// is closed.
type gatedNormalizer struct {
	entered chan string
	release chan struct{}
}

func newGatedNormalizer() gatedNormalizer {
	return gatedNormalizer{entered: make(chan string, 8), release: make(chan struct{})}
}

func (n gatedNormalizer) Normalize(ctx context.Context, u domain.Upload) (domain.Attachment, error) {
	n.entered <- u.Name
	<-n.release
	return fakeNormalizer{}.Normalize(ctx, u)
}

func (n gatedNormalizer) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-n.entered:
	case <-time.After(waitTimeout):
		t.Fatal("normalizer not called")
	}
}
