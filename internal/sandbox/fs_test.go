package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/permission"
)

func TestFSReadWithinCwd(t *testing.T) {
	t.Parallel()

	cwd := t.TempDir()
	if err := os.WriteFile(filepath.Join(cwd, "input.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	fs := NewFS(&permission.Spec{}, cwd, "")

	data, err := fs.ReadFile("input.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content: %q", data)
	}

	// Outside cwd with no declared patterns: denied.
	if _, err := fs.ReadFile("/etc/hostname"); err == nil {
		t.Fatal("expected denial for path outside cwd")
	}
}

func TestFSHardDenyBeatsAllowList(t *testing.T) {
	t.Parallel()

	cwd := t.TempDir()
	if err := os.MkdirAll(filepath.Join(cwd, "node_modules"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cwd, "node_modules", "x.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cwd, ".env"), []byte("SECRET=1"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fs := NewFS(&permission.Spec{FS: permission.FSPermission{Read: []string{"."}}}, cwd, "")

	var perm *permission.Error
	if _, err := fs.ReadFile("./node_modules/x.js"); !errors.As(err, &perm) {
		t.Fatalf("expected permission error for node_modules, got %v", err)
	}
	if _, err := fs.ReadFile("./.env"); !errors.As(err, &perm) {
		t.Fatalf("expected permission error for .env, got %v", err)
	}
	if perm.Capability != "fs.read" {
		t.Fatalf("unexpected capability: %q", perm.Capability)
	}
	if perm.Target == "" {
		t.Fatal("denial must carry the offending path")
	}
}

func TestFSWriteOutDirAndImplicitParents(t *testing.T) {
	t.Parallel()

	cwd := t.TempDir()
	outDir := filepath.Join(cwd, "out")

	fs := NewFS(&permission.Spec{}, cwd, outDir)

	// Parent directories are created implicitly on write.
	if err := fs.WriteFile(filepath.Join(outDir, "a/b/result.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "a/b/result.json")); err != nil {
		t.Fatalf("written file missing: %v", err)
	}

	// cwd grants reads, not writes.
	var perm *permission.Error
	if err := fs.WriteFile("stray.txt", []byte("x"), 0o644); !errors.As(err, &perm) {
		t.Fatalf("expected permission error for write outside outDir, got %v", err)
	}
}

func TestFSRelativePatternResolution(t *testing.T) {
	t.Parallel()

	cwd := t.TempDir()
	shared := t.TempDir()
	if err := os.WriteFile(filepath.Join(shared, "data.csv"), []byte("a,b"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fs := NewFS(&permission.Spec{
		FS: permission.FSPermission{Read: []string{shared + "/*"}, Write: []string{"scratch/*"}},
	}, cwd, "")

	if _, err := fs.ReadFile(filepath.Join(shared, "data.csv")); err != nil {
		t.Fatalf("ReadFile with absolute pattern: %v", err)
	}
	// Relative write pattern is resolved against cwd.
	if err := fs.WriteFile("scratch/tmp.txt", []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile with relative pattern: %v", err)
	}
	if err := fs.WriteFile("elsewhere/tmp.txt", []byte("x"), 0o644); err == nil {
		t.Fatal("expected denial for non-matching write")
	}
}

func TestEnvShim(t *testing.T) {
	t.Parallel()

	fake := map[string]string{"CI": "true", "APP_TOKEN": "t0k", "HOME": "/root"}
	lookup := func(k string) (string, bool) { v, ok := fake[k]; return v, ok }

	env := NewEnv(&permission.Spec{Env: []string{"APP_*"}}, lookup)

	if got := env.Get("APP_TOKEN"); got != "t0k" {
		t.Fatalf("APP_TOKEN = %q", got)
	}
	if got := env.Get("CI"); got != "true" {
		t.Fatalf("always-allowed CI = %q", got)
	}
	// Denied keys return the zero value, not an error.
	if v, ok := env.Lookup("HOME"); ok || v != "" {
		t.Fatalf("HOME should be invisible, got %q, %v", v, ok)
	}
}
