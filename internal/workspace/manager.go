// Package workspace manages per-execution working directories. Local
// workspaces are caller-owned and outlive the run; ephemeral workspaces are
// scratch directories created before the run and removed after it.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kiln/internal/execution"
)

// Handle describes a prepared working directory plus the output directory
// writes are implicitly permitted under.
type Handle struct {
	ExecutionID string
	Dir         string
	OutDir      string
	ephemeral   bool
}

// CleanupReport summarizes a stale-workspace sweep.
type CleanupReport struct {
	DeletedDirs int
}

// Manager prepares and releases execution workspaces.
type Manager interface {
	// Prepare resolves the workspace for a request, creating directories as
	// needed.
	Prepare(ctx context.Context, req *execution.Request) (Handle, error)

	// Release tears down an ephemeral workspace. Local workspaces are left
	// untouched.
	Release(ctx context.Context, h Handle) error

	// Cleanup removes abandoned ephemeral workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}

// fsManager implements Manager on the local filesystem.
type fsManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed manager. Ephemeral workspaces are
// created under baseDir.
func NewFSManager(baseDir string) (Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &fsManager{baseDir: filepath.Clean(trimmed), now: time.Now}, nil
}

func (m *fsManager) Prepare(ctx context.Context, req *execution.Request) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	switch req.Workspace.Type {
	case execution.WorkspaceEphemeral:
		dir, err := m.ephemeralPath(req.ExecutionID)
		if err != nil {
			return Handle{}, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Handle{}, fmt.Errorf("create ephemeral workspace: %w", err)
		}
		out := filepath.Join(dir, "out")
		if err := os.MkdirAll(out, 0o755); err != nil {
			return Handle{}, fmt.Errorf("create output directory: %w", err)
		}
		return Handle{ExecutionID: req.ExecutionID, Dir: dir, OutDir: out, ephemeral: true}, nil

	case execution.WorkspaceLocal, "":
		cwd := req.Workspace.Cwd
		if req.Target != nil && req.Target.Workdir != "" {
			cwd = req.Target.Workdir
		}
		if cwd == "" {
			return Handle{}, fmt.Errorf("local workspace requires a cwd")
		}
		info, err := os.Stat(cwd)
		if err != nil {
			return Handle{}, fmt.Errorf("stat workspace cwd: %w", err)
		}
		if !info.IsDir() {
			return Handle{}, fmt.Errorf("workspace cwd %q is not a directory", cwd)
		}
		out := filepath.Join(cwd, "out")
		if err := os.MkdirAll(out, 0o755); err != nil {
			return Handle{}, fmt.Errorf("create output directory: %w", err)
		}
		return Handle{ExecutionID: req.ExecutionID, Dir: filepath.Clean(cwd), OutDir: out}, nil

	default:
		return Handle{}, fmt.Errorf("unknown workspace type %q", req.Workspace.Type)
	}
}

func (m *fsManager) Release(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.ephemeral || h.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(h.Dir); err != nil {
		return fmt.Errorf("remove ephemeral workspace: %w", err)
	}
	return nil
}

func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	var report CleanupReport
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, e.Name())); err == nil {
			report.DeletedDirs++
		}
	}
	return report, nil
}

func (m *fsManager) ephemeralPath(executionID string) (string, error) {
	if executionID == "" {
		return "", fmt.Errorf("execution id is empty")
	}
	if strings.ContainsAny(executionID, "/\\") || strings.Contains(executionID, "..") {
		return "", fmt.Errorf("execution id %q is not a safe directory name", executionID)
	}
	return filepath.Join(m.baseDir, executionID), nil
}
