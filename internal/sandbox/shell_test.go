package sandbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strings"
	"testing"

	"kiln/internal/permission"
)

func TestShellAllowListAndBlocklist(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("uses unix coreutils")
	}

	sh := NewShell(&permission.Spec{Shell: []string{"echo", "true", "false"}}, t.TempDir(), nil)

	res, err := sh.Exec(context.Background(), "echo", "hi")
	if err != nil {
		t.Fatalf("Exec echo: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hi" || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = sh.Exec(context.Background(), "false")
	if err != nil {
		t.Fatalf("Exec false: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatal("expected non-zero exit code")
	}

	var perm *permission.Error
	if _, err := sh.Exec(context.Background(), "curl", "example.com"); !errors.As(err, &perm) {
		t.Fatalf("expected permission error for curl, got %v", err)
	}

	// Blocklisted commands are denied even under a wildcard allow-list.
	open := NewShell(&permission.Spec{Shell: []string{"*"}}, t.TempDir(), nil)
	if _, err := open.Exec(context.Background(), "rm", "-rf", "/"); !errors.As(err, &perm) {
		t.Fatalf("expected permission error for rm, got %v", err)
	}
}

func TestFetchShimFailsClosed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	allowed := NewFetch(&permission.Spec{Net: permission.NetPermission{Hosts: []string{u.Hostname()}}}, srv.Client())
	resp, err := allowed.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()

	denied := NewFetch(&permission.Spec{Net: permission.NetPermission{Hosts: []string{"api.example.com"}}}, srv.Client())
	var perm *permission.Error
	if _, err := denied.Get(context.Background(), srv.URL); !errors.As(err, &perm) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if perm.Capability != "net.fetch" {
		t.Fatalf("unexpected capability %q", perm.Capability)
	}

	// Empty allow-list denies everything.
	closedShim := NewFetch(&permission.Spec{}, srv.Client())
	if _, err := closedShim.Get(context.Background(), srv.URL); !errors.As(err, &perm) {
		t.Fatalf("expected permission error with empty allow-list, got %v", err)
	}
}
