// Package media turns user uploads into image attachment references.
//
// Bytes arrive raw, as a data: URL or behind an http(s) URL. They are sniffed
// with mimetype, checked against an image allowlist and a size cap, then
// either inlined as a data: URL or written to a content-addressed BlobStore
// and referenced as /api/media/<sha256>.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"chatrelay/internal/domain"
	"chatrelay/internal/security"
)

// RoutePrefix is the URL prefix under which stored blobs are served.
const RoutePrefix = "/api/media/"

// DefaultMaxBytes caps a single attachment.
const DefaultMaxBytes int64 = 10 << 20

var allowedMIMEs = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Config controls a Normalizer.
type Config struct {
	// Store receives blobs in stored mode. Nil means inline mode.
	Store        domain.BlobStore
	MaxBytes     int64
	FetchTimeout time.Duration
	// HTTPClient fetches URL uploads. Nil builds a client that refuses
	// private addresses unless AllowPrivate is set.
	HTTPClient   *http.Client
	AllowPrivate bool
	Logger       *slog.Logger
}

// Normalizer implements domain.Normalizer.
type Normalizer struct {
	store    domain.BlobStore
	maxBytes int64
	client   *http.Client
	guarded  bool // URLs are checked before fetching
	logger   *slog.Logger
	now      func() time.Time
}

// NewNormalizer builds a Normalizer from cfg, filling defaults.
func NewNormalizer(cfg Config) *Normalizer {
	n := &Normalizer{
		store:    cfg.Store,
		maxBytes: cfg.MaxBytes,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
		now:      time.Now,
	}
	if n.maxBytes <= 0 {
		n.maxBytes = DefaultMaxBytes
	}
	if n.client == nil {
		timeout := cfg.FetchTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		if cfg.AllowPrivate {
			n.client = &http.Client{Timeout: timeout}
		} else {
			n.client = security.NewFetchClient(timeout)
			n.guarded = true
		}
	}
	if n.logger == nil {
		n.logger = slog.New(slog.DiscardHandler)
	}
	return n
}

// Normalize validates one upload and returns its attachment reference.
func (n *Normalizer) Normalize(ctx context.Context, up domain.Upload) (domain.Attachment, error) {
	data, name, err := n.load(ctx, up)
	if err != nil {
		n.logger.Warn("attachment rejected", "name", up.Name, "error", err)
		return domain.Attachment{}, err
	}
	att, err := n.reference(ctx, data, name)
	if err != nil {
		n.logger.Warn("attachment rejected", "name", name, "error", err)
		return domain.Attachment{}, err
	}
	n.logger.Debug("attachment normalized", "name", name, "media_type", att.MediaType, "bytes", len(data))
	return att, nil
}

func (n *Normalizer) load(ctx context.Context, up domain.Upload) ([]byte, string, error) {
	switch {
	case len(up.Data) > 0:
		return up.Data, up.Name, nil
	case strings.HasPrefix(up.URL, "data:"):
		_, data, err := ParseDataURL(up.URL)
		if err != nil {
			return nil, "", err
		}
		return data, up.Name, nil
	case up.URL != "":
		return n.fetch(ctx, up)
	default:
		return nil, "", domain.NewDomainError("Normalizer.Normalize", domain.ErrEmptyFile, up.Name)
	}
}

func (n *Normalizer) fetch(ctx context.Context, up domain.Upload) ([]byte, string, error) {
	u, err := url.Parse(up.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", domain.NewDomainError("Normalizer.fetch", domain.ErrInvalidInput, "not an http(s) url")
	}
	if n.guarded {
		if err := security.CheckURL(u.String()); err != nil {
			return nil, "", err
		}
	}
	name := up.Name
	if name == "" {
		name = path.Base(u.Path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", domain.NewDomainError("Normalizer.fetch", domain.ErrNotFound,
			fmt.Sprintf("%s returned %d", u.Host, resp.StatusCode))
	}
	if resp.ContentLength > n.maxBytes {
		return nil, "", domain.NewDomainError("Normalizer.fetch", domain.ErrTooLarge, name)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", u.Host, err)
	}
	return data, name, nil
}

func (n *Normalizer) reference(ctx context.Context, data []byte, name string) (domain.Attachment, error) {
	if len(data) == 0 {
		return domain.Attachment{}, domain.NewDomainError("Normalizer.Normalize", domain.ErrEmptyFile, name)
	}
	if int64(len(data)) > n.maxBytes {
		return domain.Attachment{}, domain.NewDomainError("Normalizer.Normalize", domain.ErrTooLarge,
			fmt.Sprintf("%s exceeds %d bytes", name, n.maxBytes))
	}

	mediaType := mimetype.Detect(data).String()
	if !allowedMIMEs[mediaType] {
		return domain.Attachment{}, domain.NewDomainError("Normalizer.Normalize", domain.ErrUnsupported, mediaType)
	}

	if n.store == nil {
		return domain.Attachment{MediaType: mediaType, URL: DataURL(mediaType, data), Name: name}, nil
	}

	id := ContentID(data)
	blob := domain.Blob{ID: id, MediaType: mediaType, Name: name, Data: data, CreatedAt: n.now()}
	if err := n.store.Put(ctx, blob); err != nil {
		return domain.Attachment{}, domain.NewDomainError("Normalizer.Normalize", domain.ErrMediaStore, err.Error())
	}
	return domain.Attachment{MediaType: mediaType, URL: RoutePrefix + id, Name: name}, nil
}

// ContentID is the hex sha256 of data.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DataURL encodes data as a base64 data: URL.
func DataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL decodes a base64 data: URL.
func ParseDataURL(s string) (mediaType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, domain.NewDomainError("ParseDataURL", domain.ErrInvalidInput, "missing data: prefix")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, domain.NewDomainError("ParseDataURL", domain.ErrInvalidInput, "missing payload")
	}
	meta, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, domain.NewDomainError("ParseDataURL", domain.ErrInvalidInput, "only base64 data urls are accepted")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, domain.NewDomainError("ParseDataURL", domain.ErrInvalidInput, err.Error())
	}
	return meta, data, nil
}

// IsStoredRef reports whether u points at a stored blob and returns its id.
func IsStoredRef(u string) (string, bool) {
	id, ok := strings.CutPrefix(u, RoutePrefix)
	if !ok || len(id) != sha256.Size*2 {
		return "", false
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", false
	}
	return id, true
}
