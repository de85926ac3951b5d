// Package state implements the persistent key/value broker handler code
// reaches through the plugin API. Keys are scoped by tenant and plugin so no
// execution can see another tenant's data, and namespaced within that scope.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxValueBytes caps a single stored value when the permission spec
// declares no quota.
const DefaultMaxValueBytes = 1 << 20 // 1 MiB

// timeFormat is fixed-width so stored timestamps compare correctly as
// strings in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists namespaced key/value pairs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Scope builds the storage scope for a tenant+plugin pair. Every row is
// prefixed with it, which is what keeps tenants apart.
func Scope(tenantID, pluginID string) string {
	return tenantID + ":" + pluginID
}

// Get returns the value for scope/ns/key, or nil if absent.
func (s *Store) Get(ctx context.Context, scope, ns, key string) (json.RawMessage, error) {
	if err := validateKey(scope, ns, key); err != nil {
		return nil, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM plugin_state WHERE scope = ? AND ns = ? AND key = ?;",
		scope, ns, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored state is invalid JSON for %s/%s/%s", scope, ns, key)
	}
	return json.RawMessage(raw), nil
}

// Set upserts a value, enforcing the per-value size bound and, when maxKeys
// is positive, the per-namespace key quota.
func (s *Store) Set(ctx context.Context, scope, ns, key string, value json.RawMessage, maxValueBytes, maxKeys int) error {
	if err := validateKey(scope, ns, key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("value is not valid JSON")
	}
	if maxValueBytes <= 0 {
		maxValueBytes = DefaultMaxValueBytes
	}
	if len(value) > maxValueBytes {
		return fmt.Errorf("value exceeds quota (%d > %d bytes)", len(value), maxValueBytes)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if maxKeys > 0 {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM plugin_state WHERE scope = ? AND ns = ? AND key = ?);",
			scope, ns, key).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check key existence: %w", err)
		}
		if !exists {
			var count int
			err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM plugin_state WHERE scope = ? AND ns = ?;",
				scope, ns).Scan(&count)
			if err != nil {
				return fmt.Errorf("count namespace keys: %w", err)
			}
			if count >= maxKeys {
				return fmt.Errorf("namespace %q key quota reached (%d)", ns, maxKeys)
			}
		}
	}

	now := time.Now().UTC().Format(timeFormat)
	_, err = tx.ExecContext(ctx, `
INSERT INTO plugin_state(scope, ns, key, value, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(scope, ns, key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, scope, ns, key, string(value), now)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, scope, ns, key string) error {
	if err := validateKey(scope, ns, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM plugin_state WHERE scope = ? AND ns = ? AND key = ?;",
		scope, ns, key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// Keys lists the keys in a namespace in insertion-stable order.
func (s *Store) Keys(ctx context.Context, scope, ns string) ([]string, error) {
	if scope == "" || ns == "" {
		return nil, fmt.Errorf("scope and ns must be non-empty")
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM plugin_state WHERE scope = ? AND ns = ? ORDER BY key ASC;",
		scope, ns)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func validateKey(scope, ns, key string) error {
	if scope == "" {
		return fmt.Errorf("scope is empty")
	}
	if ns == "" {
		return fmt.Errorf("namespace is empty")
	}
	if key == "" {
		return fmt.Errorf("key is empty")
	}
	return nil
}
