package artifact

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kiln/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "kiln.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, filepath.Join(dir, "blobs"))
}

func TestParseURI(t *testing.T) {
	t.Parallel()

	plugin, path, err := ParseURI("artifact://tools.echo/reports/out.json")
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if plugin != "tools.echo" || path != "reports/out.json" {
		t.Fatalf("got %q %q", plugin, path)
	}

	for _, bad := range []string{"http://x/y", "artifact://", "artifact://onlyplugin"} {
		if _, _, err := ParseURI(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestArtifactLifecycle(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "tools.echo", "out/report.json")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Status != StatusPending {
		t.Fatalf("new artifact is %s, want pending", a.Status)
	}

	// Not readable while pending.
	if _, err := s.Read(ctx, a.URI); err == nil {
		t.Fatal("expected read of pending artifact to fail")
	}

	a, err = s.Put(ctx, a.URI, []byte(`{"rows":3}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if a.Status != StatusReady || a.Digest == "" || a.SizeBytes != int64(len(`{"rows":3}`)) {
		t.Fatalf("unexpected entry after Put: %+v", a)
	}

	data, err := s.Read(ctx, a.URI)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"rows":3}` {
		t.Fatalf("unexpected blob: %s", data)
	}

	// Identical content from another artifact shares the digest.
	b, err := s.Create(ctx, "tools.echo", "out/copy.json")
	if err != nil {
		t.Fatalf("Create copy: %v", err)
	}
	b, err = s.Put(ctx, b.URI, []byte(`{"rows":3}`))
	if err != nil {
		t.Fatalf("Put copy: %v", err)
	}
	if b.Digest != a.Digest {
		t.Fatalf("digests differ for identical content: %s vs %s", b.Digest, a.Digest)
	}

	if err := s.Fail(ctx, b.URI); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	b, _ = s.Get(ctx, b.URI)
	if b.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", b.Status)
	}

	list, err := s.List(ctx, "tools.echo")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(list))
	}
}

func TestArtifactExpire(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "p", "x")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Put(ctx, a.URI, []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n, err := s.Expire(ctx, 0)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	got, _ := s.Get(ctx, a.URI)
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// A fresh artifact is untouched by a long cutoff.
	b, _ := s.Create(ctx, "p", "y")
	if _, err := s.Put(ctx, b.URI, []byte("data2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n, _ := s.Expire(ctx, time.Hour); n != 0 {
		t.Fatalf("expired %d fresh artifacts", n)
	}
}

func TestArtifactNotFound(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	if _, err := s.Get(context.Background(), "artifact://p/none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Put(context.Background(), "artifact://p/none", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on Put, got %v", err)
	}
}
