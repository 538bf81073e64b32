package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/domain"
)

// SQLiteStore implements domain.BlobStore on a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
// ":memory:" is accepted for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open media db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate media db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blobs (
			id         TEXT PRIMARY KEY,
			media_type TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			data       BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blobs_created_at ON blobs(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put stores b. Content addressing makes a repeated Put a no-op, except
// that the timestamp is refreshed so retention counts from the latest use.
func (s *SQLiteStore) Put(ctx context.Context, b domain.Blob) error {
	if b.ID == "" {
		return domain.NewDomainError("SQLiteStore.Put", domain.ErrInvalidInput, "empty id")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (id, media_type, name, data, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at`,
		b.ID, b.MediaType, b.Name, b.Data, b.CreatedAt.UnixNano(),
	)
	return err
}

// Get returns the blob with id, or domain.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Blob, error) {
	var (
		b  domain.Blob
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, media_type, name, data, created_at FROM blobs WHERE id = ?", id,
	).Scan(&b.ID, &b.MediaType, &b.Name, &b.Data, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.Get", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt = time.Unix(0, ts)
	return &b, nil
}

// DeleteBefore removes blobs created before cutoff and reports how many.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
