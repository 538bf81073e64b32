package domain

import (
	"context"
	"time"
)

// Upload is a raw user-provided attachment: either inline bytes or a URL
// (http, https or data).
type Upload struct {
	Name string
	Data []byte
	URL  string
}

// Normalizer turns an upload into a stable, dereferenceable attachment reference.
type Normalizer interface {
	Normalize(ctx context.Context, u Upload) (Attachment, error)
}

// Blob is a stored attachment body, addressed by the sha256 of its content.
type Blob struct {
	ID        string
	MediaType string
	Name      string
	Data      []byte
	CreatedAt time.Time
}

// BlobStore persists attachment bodies for content-addressed references.
type BlobStore interface {
	Put(ctx context.Context, b Blob) error
	Get(ctx context.Context, id string) (*Blob, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
