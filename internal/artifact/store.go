// Package artifact implements the artifact broker: content-addressed blobs
// produced by handler executions, indexed in SQLite and addressed by
// artifact://plugin-id/path URIs with a {pending,ready,failed,expired}
// status lifecycle.
package artifact

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Status is the lifecycle state of an artifact.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// ErrNotFound is returned when a URI has no index entry.
var ErrNotFound = errors.New("artifact not found")

const uriScheme = "artifact://"

// timeFormat is fixed-width so stored timestamps compare correctly as
// strings in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Artifact is one index entry.
type Artifact struct {
	URI       string    `json:"uri"`
	PluginID  string    `json:"plugin_id"`
	Path      string    `json:"path"`
	Status    Status    `json:"status"`
	Digest    string    `json:"digest,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// URI builds the canonical artifact URI for a plugin-relative path.
func URI(pluginID, path string) string {
	return uriScheme + pluginID + "/" + strings.TrimPrefix(path, "/")
}

// ParseURI splits an artifact URI into plugin id and path.
func ParseURI(uri string) (pluginID, path string, err error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return "", "", fmt.Errorf("not an artifact URI: %q", uri)
	}
	pluginID, path, ok = strings.Cut(rest, "/")
	if !ok || pluginID == "" || path == "" {
		return "", "", fmt.Errorf("artifact URI %q must be artifact://plugin-id/path", uri)
	}
	return pluginID, path, nil
}

// Store is the broker. Blobs live under blobDir keyed by digest; metadata
// lives in the artifacts table.
type Store struct {
	db      *sql.DB
	blobDir string
}

// NewStore wraps an opened database and a blob directory.
func NewStore(db *sql.DB, blobDir string) *Store {
	return &Store{db: db, blobDir: blobDir}
}

// Create registers a pending artifact for a plugin-relative path and returns
// its entry. Re-creating an existing URI resets it to pending.
func (s *Store) Create(ctx context.Context, pluginID, path string) (*Artifact, error) {
	if pluginID == "" || path == "" {
		return nil, fmt.Errorf("plugin id and path must be non-empty")
	}
	uri := URI(pluginID, path)
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO artifacts(uri, plugin, path, status, size_bytes, created_at, updated_at)
VALUES(?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(uri) DO UPDATE SET
  status = excluded.status,
  digest = NULL,
  size_bytes = 0,
  updated_at = excluded.updated_at;
`, uri, pluginID, path, StatusPending, now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("register artifact: %w", err)
	}
	return s.Get(ctx, uri)
}

// Put writes the blob for a URI and marks it ready. The digest is the blake3
// hash of the content; blobs are stored content-addressed so identical
// payloads share storage.
func (s *Store) Put(ctx context.Context, uri string, data []byte) (*Artifact, error) {
	if _, _, err := ParseURI(uri); err != nil {
		return nil, err
	}

	sum := blake3.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(s.blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	blobPath := filepath.Join(s.blobDir, digest)
	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		if err := os.WriteFile(blobPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write blob: %w", err)
		}
	}

	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
UPDATE artifacts
SET status = ?, digest = ?, size_bytes = ?, updated_at = ?
WHERE uri = ?;
`, StatusReady, digest, len(data), now, uri)
	if err != nil {
		return nil, fmt.Errorf("mark artifact ready: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, uri)
}

// Fail marks a pending artifact failed.
func (s *Store) Fail(ctx context.Context, uri string) error {
	return s.setStatus(ctx, uri, StatusFailed)
}

func (s *Store) setStatus(ctx context.Context, uri string, status Status) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		"UPDATE artifacts SET status = ?, updated_at = ? WHERE uri = ?;", status, now, uri)
	if err != nil {
		return fmt.Errorf("update artifact status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the index entry for a URI.
func (s *Store) Get(ctx context.Context, uri string) (*Artifact, error) {
	var (
		a        Artifact
		digest   sql.NullString
		statusS  string
		created  string
		updated  string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT uri, plugin, path, status, digest, size_bytes, created_at, updated_at
FROM artifacts WHERE uri = ?;
`, uri).Scan(&a.URI, &a.PluginID, &a.Path, &statusS, &digest, &a.SizeBytes, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	a.Status = Status(statusS)
	if digest.Valid {
		a.Digest = digest.String
	}
	if t, err := time.Parse(timeFormat, created); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(timeFormat, updated); err == nil {
		a.UpdatedAt = t
	}
	return &a, nil
}

// Read returns the blob for a ready artifact.
func (s *Store) Read(ctx context.Context, uri string) ([]byte, error) {
	a, err := s.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusReady {
		return nil, fmt.Errorf("artifact %s is %s, not ready", uri, a.Status)
	}
	return os.ReadFile(filepath.Join(s.blobDir, a.Digest))
}

// List returns the index entries for one plugin, newest first.
func (s *Store) List(ctx context.Context, pluginID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT uri FROM artifacts WHERE plugin = ? ORDER BY updated_at DESC;", pluginID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artifact
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("scan uri: %w", err)
		}
		a, err := s.Get(ctx, uri)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Expire marks ready artifacts older than olderThan expired and reports how
// many were affected. Blobs are left on disk; expiry is a metadata decision.
func (s *Store) Expire(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeFormat)
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
UPDATE artifacts SET status = ?, updated_at = ?
WHERE status = ? AND updated_at < ?;
`, StatusExpired, now, StatusReady, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire artifacts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
