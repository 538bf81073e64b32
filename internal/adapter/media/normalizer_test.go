package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	gifBytes  = []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")
	jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
)

func TestNormalizeInline(t *testing.T) {
	n := NewNormalizer(Config{})
	att, err := n.Normalize(context.Background(), domain.Upload{Name: "cat.png", Data: pngBytes})
	require.NoError(t, err)

	assert.Equal(t, "image/png", att.MediaType)
	assert.Equal(t, "cat.png", att.Name)
	assert.True(t, strings.HasPrefix(att.URL, "data:image/png;base64,"), att.URL)

	mt, data, err := ParseDataURL(att.URL)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt)
	assert.Equal(t, pngBytes, data)
}

func TestNormalizeSniffsInsteadOfTrustingName(t *testing.T) {
	n := NewNormalizer(Config{})
	att, err := n.Normalize(context.Background(), domain.Upload{Name: "photo.png", Data: gifBytes})
	require.NoError(t, err)
	assert.Equal(t, "image/gif", att.MediaType)
}

func TestNormalizeDataURLInput(t *testing.T) {
	n := NewNormalizer(Config{})
	att, err := n.Normalize(context.Background(), domain.Upload{URL: DataURL("image/jpeg", jpegBytes)})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", att.MediaType)
}

func TestNormalizeRejects(t *testing.T) {
	n := NewNormalizer(Config{MaxBytes: 32})
	tests := []struct {
		name string
		up   domain.Upload
		want error
	}{
		{"unsupported", domain.Upload{Name: "notes.txt", Data: []byte("just some text")}, domain.ErrUnsupported},
		{"too large", domain.Upload{Name: "big.png", Data: append(append([]byte{}, pngBytes...), make([]byte, 64)...)}, domain.ErrTooLarge},
		{"empty", domain.Upload{Name: "empty.png"}, domain.ErrEmptyFile},
		{"bad data url", domain.Upload{URL: "data:image/png,raw"}, domain.ErrInvalidInput},
		{"bad scheme", domain.Upload{URL: "ftp://example.com/a.png"}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(context.Background(), tt.up)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNormalizeFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img/dog.png":
			_, _ = w.Write(pngBytes)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	n := NewNormalizer(Config{HTTPClient: srv.Client()})

	att, err := n.Normalize(context.Background(), domain.Upload{URL: srv.URL + "/img/dog.png"})
	require.NoError(t, err)
	assert.Equal(t, "dog.png", att.Name)
	assert.Equal(t, "image/png", att.MediaType)

	_, err = n.Normalize(context.Background(), domain.Upload{URL: srv.URL + "/missing.png"})
	assert.Error(t, err)
}

func TestNormalizeFetch_PrivateAddressGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	_, err := NewNormalizer(Config{}).Normalize(context.Background(), domain.Upload{URL: srv.URL + "/cat.png"})
	assert.ErrorIs(t, err, domain.ErrFetchBlocked)

	att, err := NewNormalizer(Config{AllowPrivate: true}).Normalize(context.Background(), domain.Upload{URL: srv.URL + "/cat.png"})
	require.NoError(t, err)
	assert.Equal(t, "cat.png", att.Name)
}

func TestNormalizeFetchTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(append(append([]byte{}, pngBytes...), make([]byte, 4096)...))
	}))
	defer srv.Close()

	n := NewNormalizer(Config{HTTPClient: srv.Client(), MaxBytes: 1024})
	_, err := n.Normalize(context.Background(), domain.Upload{URL: srv.URL + "/big.png"})
	assert.ErrorIs(t, err, domain.ErrTooLarge)
}

func TestNormalizeStored(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "media.db"))
	require.NoError(t, err)
	defer store.Close()

	n := NewNormalizer(Config{Store: store})
	ctx := context.Background()

	a1, err := n.Normalize(ctx, domain.Upload{Name: "a.png", Data: pngBytes})
	require.NoError(t, err)
	a2, err := n.Normalize(ctx, domain.Upload{Name: "b.png", Data: pngBytes})
	require.NoError(t, err)

	assert.Equal(t, RoutePrefix+ContentID(pngBytes), a1.URL)
	assert.Equal(t, a1.URL, a2.URL, "same content must yield the same reference")

	id, ok := IsStoredRef(a1.URL)
	require.True(t, ok)
	blob, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, blob.Data)
	assert.Equal(t, "image/png", blob.MediaType)
}

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"data:image/png;base64,aGk=", false},
		{"image/png;base64,aGk=", true},
		{"data:image/png;base64", true},
		{"data:image/png,aGk=", true},
		{"data:image/png;base64,!!!", true},
	}
	for _, tt := range tests {
		_, _, err := ParseDataURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDataURL(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestIsStoredRef(t *testing.T) {
	id := ContentID([]byte("x"))
	tests := []struct {
		in   string
		want bool
	}{
		{RoutePrefix + id, true},
		{RoutePrefix + "abc", false},
		{RoutePrefix + strings.Repeat("z", 64), false},
		{"https://example.com" + RoutePrefix + id, false},
		{"data:image/png;base64,aGk=", false},
	}
	for _, tt := range tests {
		if _, got := IsStoredRef(tt.in); got != tt.want {
			t.Errorf("IsStoredRef(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
