// Package sandbox wraps native I/O primitives with permission checks derived
// from the evaluator. Every shim denies by default: the hardcoded deny floor
// is consulted first, then the declared allow-lists.
package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"kiln/internal/permission"
)

// FS is the filesystem shim handed to handler code. Reads are checked
// against the union of the execution cwd and the declared read patterns;
// writes against the declared write patterns plus the output directory.
type FS struct {
	spec   *permission.Spec
	cwd    string
	outDir string
}

// NewFS builds a filesystem shim for one execution. Relative patterns in the
// spec are resolved against cwd so matching happens on absolute paths.
func NewFS(spec *permission.Spec, cwd, outDir string) *FS {
	resolved := &permission.Spec{}
	if spec != nil {
		resolved = &permission.Spec{
			FS: permission.FSPermission{
				Read:  resolvePatterns(spec.FS.Read, cwd),
				Write: resolvePatterns(spec.FS.Write, cwd),
			},
		}
	}
	return &FS{spec: resolved, cwd: cwd, outDir: outDir}
}

func resolvePatterns(patterns []string, cwd string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "*" || filepath.IsAbs(p) {
			out = append(out, p)
			continue
		}
		out = append(out, filepath.Join(cwd, p))
	}
	return out
}

// Resolve turns a handler-supplied path into the absolute path that will be
// checked and accessed.
func (f *FS) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(f.cwd, path)
}

func (f *FS) checkRead(path string) (string, error) {
	resolved := f.Resolve(path)
	if d := f.spec.CheckPath(permission.PathRead, resolved, f.cwd); !d.Allowed {
		return "", permission.Denied("fs.read", resolved, d.Reason)
	}
	return resolved, nil
}

func (f *FS) checkWrite(path string) (string, error) {
	resolved := f.Resolve(path)
	if d := f.spec.CheckPath(permission.PathWrite, resolved, f.outDir); !d.Allowed {
		return "", permission.Denied("fs.write", resolved, d.Reason)
	}
	return resolved, nil
}

// ReadFile reads a permitted file.
func (f *FS) ReadFile(path string) ([]byte, error) {
	resolved, err := f.checkRead(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// ReadDir lists a permitted directory.
func (f *FS) ReadDir(path string) ([]fs.DirEntry, error) {
	resolved, err := f.checkRead(path)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(resolved)
}

// Stat stats a permitted path.
func (f *FS) Stat(path string) (fs.FileInfo, error) {
	resolved, err := f.checkRead(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(resolved)
}

// WriteFile writes a permitted file, creating parent directories as needed.
func (f *FS) WriteFile(path string, data []byte, perm fs.FileMode) error {
	resolved, err := f.checkWrite(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	return os.WriteFile(resolved, data, perm)
}

// Mkdir creates a permitted directory (and parents).
func (f *FS) Mkdir(path string) error {
	resolved, err := f.checkWrite(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(resolved, 0o755)
}

// Remove deletes a permitted file or empty directory. Deletion is a write.
func (f *FS) Remove(path string) error {
	resolved, err := f.checkWrite(path)
	if err != nil {
		return err
	}
	return os.Remove(resolved)
}
