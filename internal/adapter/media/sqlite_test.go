package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorePutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.Put(ctx, domain.Blob{ID: "abc", MediaType: "image/png", Name: "a.png", Data: pngBytes, CreatedAt: created}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	b, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Name != "a.png" || b.MediaType != "image/png" || string(b.Data) != string(pngBytes) {
		t.Errorf("blob = %+v", b)
	}
	if !b.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", b.CreatedAt, created)
	}
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStorePutEmptyID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(context.Background(), domain.Blob{Data: pngBytes}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSQLiteStoreRePutRefreshesTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	_ = s.Put(ctx, domain.Blob{ID: "k", MediaType: "image/png", Data: pngBytes, CreatedAt: old})
	_ = s.Put(ctx, domain.Blob{ID: "k", MediaType: "image/png", Data: pngBytes, CreatedAt: recent})

	n, err := s.DeleteBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted %d, want 0 after refresh", n)
	}
}

func TestSQLiteStoreDeleteBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Put(ctx, domain.Blob{ID: "old", MediaType: "image/png", Data: pngBytes, CreatedAt: now.Add(-31 * 24 * time.Hour)})
	_ = s.Put(ctx, domain.Blob{ID: "new", MediaType: "image/png", Data: pngBytes, CreatedAt: now})

	n, err := s.DeleteBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := s.Get(ctx, "old"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("old blob should be gone, err = %v", err)
	}
	if _, err := s.Get(ctx, "new"); err != nil {
		t.Errorf("new blob should remain: %v", err)
	}
}
