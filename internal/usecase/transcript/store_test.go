package transcript

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func user(id, text string) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleUser, Content: []domain.Part{domain.TextPart(text)}}
}

func assistant(id, text string) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleAssistant, Content: []domain.Part{domain.TextPart(text)}}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func seed(t *testing.T) *Store {
	t.Helper()
	s := New()
	for _, m := range []domain.Message{user("u1", "hi"), assistant("a1", "hello"), user("u2", "more"), assistant("a2", "sure")} {
		require.NoError(t, s.Append(m))
	}
	return s
}

func TestNewID_UniqueAndOrdered(t *testing.T) {
	prev := NewID()
	if len(prev) != 26 {
		t.Fatalf("ID should be a 26-char ULID, got %q", prev)
	}
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id <= prev {
			t.Fatalf("NewID not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestAppend_Duplicate(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(user("u1", "a")))

	err := s.Append(user("u1", "b"))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	got, _, _ := s.Get("u1")
	assert.Equal(t, "a", got.Text())
}

func TestAppend_DefaultsStatusAndTime(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(user("u1", "a")))
	got, _ := s.Last()
	assert.Equal(t, domain.StatusComplete, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAppend_SecondInProgressRejected(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(user("u1", "a")))
	p := domain.Message{ID: "a1", Role: domain.RoleAssistant, Status: domain.StatusStreaming}
	require.NoError(t, s.Append(p))

	p.ID = "a2"
	err := s.Append(p)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	assert.Equal(t, "a1", s.InProgress())
}

func TestReplaceLast(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(user("u1", "a")))

	err := s.ReplaceLast([]domain.Part{domain.TextPart("x")})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("ReplaceLast without in-progress: err = %v, want ErrInvalidState", err)
	}

	require.NoError(t, s.Append(domain.Message{ID: "a1", Role: domain.RoleAssistant, Status: domain.StatusStreaming}))
	acc := ""
	for _, f := range []string{"Hel", "lo, ", "world"} {
		acc += f
		require.NoError(t, s.ReplaceLast([]domain.Part{domain.TextPart(acc)}))
	}
	last, _ := s.Last()
	assert.Equal(t, "Hello, world", last.Text())

	fin, ok := s.Finalize(domain.StatusComplete)
	require.True(t, ok)
	assert.Equal(t, "a1", fin.ID)
	assert.Equal(t, "", s.InProgress())

	err = s.ReplaceLast([]domain.Part{domain.TextPart("late")})
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestFinalize_NothingInProgress(t *testing.T) {
	s := seed(t)
	if _, ok := s.Finalize(domain.StatusComplete); ok {
		t.Error("Finalize should report false with nothing in progress")
	}
}

func TestTruncateAt(t *testing.T) {
	s := seed(t)
	require.NoError(t, s.TruncateAt("a2"))
	assert.Equal(t, []string{"u1", "a1", "u2"}, ids(s.Messages()))

	// Dropped ids can be reused.
	require.NoError(t, s.Append(assistant("a2", "again")))
}

func TestTruncateAfter(t *testing.T) {
	s := seed(t)
	require.NoError(t, s.TruncateAfter("u1"))
	assert.Equal(t, []string{"u1"}, ids(s.Messages()))
}

func TestTruncate_NotFound(t *testing.T) {
	s := seed(t)
	for name, fn := range map[string]func(string) error{
		"TruncateAt":    s.TruncateAt,
		"TruncateAfter": s.TruncateAfter,
	} {
		err := fn("missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
	assert.Equal(t, 4, s.Len())
}

func TestRewrite_KeepsPositionAndAttachments(t *testing.T) {
	s := New()
	u := user("u1", "old")
	u.Attachments = []domain.Attachment{{MediaType: "image/png", URL: "data:image/png;base64,AA==", Name: "a.png"}}
	require.NoError(t, s.Append(u))
	require.NoError(t, s.Append(assistant("a1", "x")))

	origin := domain.CompletionRequest{Messages: []domain.CompletionMessage{{Role: domain.RoleUser}}}
	require.NoError(t, s.Rewrite("u1", []domain.Part{domain.TextPart("new")}, &origin))

	got, idx, err := s.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "new", got.Text())
	assert.Equal(t, u.Attachments, got.Attachments)
	require.NotNil(t, got.OriginRequest)

	assert.True(t, errors.Is(s.Rewrite("nope", nil, nil), domain.ErrNotFound))
}

func TestThrough(t *testing.T) {
	s := seed(t)
	got, err := s.Through("u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "a1", "u2"}, ids(got))

	_, err = s.Through("zzz")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMessages_ReturnsCopy(t *testing.T) {
	s := seed(t)
	msgs := s.Messages()
	msgs[0].Content[0].Text = "mutated"
	got, _, _ := s.Get("u1")
	assert.Equal(t, "hi", got.Text())
}

func TestClear(t *testing.T) {
	s := seed(t)
	s.Clear()
	assert.Equal(t, 0, s.Len())
	_, ok := s.Last()
	assert.False(t, ok)
	require.NoError(t, s.Append(user("u1", "fresh")))
}

func TestAt(t *testing.T) {
	s := seed(t)
	m, err := s.At(1)
	require.NoError(t, err)
	assert.Equal(t, "a1", m.ID)
	_, err = s.At(9)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConcurrentReadersDuringStreaming(t *testing.T) {
	s := New()
	require.NoError(t, s.Append(user("u1", "a")))
	require.NoError(t, s.Append(domain.Message{ID: "a1", Role: domain.RoleAssistant, Status: domain.StatusStreaming}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		acc := ""
		for i := 0; i < 200; i++ {
			acc += "x"
			_ = s.ReplaceLast([]domain.Part{domain.TextPart(acc)})
		}
	}()
	for i := 0; i < 200; i++ {
		_ = s.Messages()
	}
	wg.Wait()
	last, _ := s.Last()
	assert.Len(t, last.Text(), 200)
}

func TestRemove_ReindexesLaterMessages(t *testing.T) {
	s := seed(t)
	require.NoError(t, s.Remove("a1"))
	assert.Equal(t, []string{"u1", "u2", "a2"}, ids(s.Messages()))

	require.NoError(t, s.TruncateAt("a2"))
	assert.Equal(t, []string{"u1", "u2"}, ids(s.Messages()))

	err := s.Remove("a1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSetAttachments(t *testing.T) {
	s := seed(t)
	atts := []domain.Attachment{{Name: "cat.png", MediaType: "image/png", URL: "data:image/png;base64,AA=="}}
	require.NoError(t, s.SetAttachments("u1", atts))

	atts[0].Name = "changed"
	m, err := s.At(0)
	require.NoError(t, err)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "cat.png", m.Attachments[0].Name)

	assert.True(t, errors.Is(s.SetAttachments("nope", atts), domain.ErrNotFound))
}
