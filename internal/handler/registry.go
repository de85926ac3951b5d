// Package handler holds the process-wide handler registry. Handlers are
// plain Go functions registered under a "path#export" reference; the worker
// binary compiles the same registrations as the daemon, so a reference
// resolves identically on both sides of the process boundary.
package handler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"kiln/internal/pluginctx"
)

// Func is the handler signature. The returned value is JSON-marshaled into
// the result payload.
type Func func(c *pluginctx.Context, input json.RawMessage) (any, error)

// Ref is a parsed handler reference.
type Ref struct {
	Path   string
	Export string
}

func (r Ref) String() string { return r.Path + "#" + r.Export }

// ParseRef splits a "path#export" reference. Both parts must be non-empty
// and the separator must appear exactly once.
func ParseRef(s string) (Ref, error) {
	path, export, ok := strings.Cut(s, "#")
	if !ok || path == "" || export == "" {
		return Ref{}, fmt.Errorf("handler ref %q must be path#export", s)
	}
	if strings.Contains(export, "#") {
		return Ref{}, fmt.Errorf("handler ref %q has more than one separator", s)
	}
	return Ref{Path: path, Export: export}, nil
}

// NotFoundError reports a reference no handler is registered under.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for %q", e.Ref)
}

// Registry maps handler references to functions. Registration normally
// happens from init functions before any execution starts; the lock exists
// for tests that register and reset concurrently with lookups.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register binds fn to ref, replacing any previous binding. It panics on a
// malformed reference or nil function so a bad registration fails at startup
// rather than at dispatch time.
func (r *Registry) Register(ref string, fn Func) {
	parsed, err := ParseRef(ref)
	if err != nil {
		panic(err)
	}
	if fn == nil {
		panic(fmt.Sprintf("nil handler for %q", ref))
	}
	r.mu.Lock()
	r.handlers[parsed.String()] = fn
	r.mu.Unlock()
}

// Resolve looks up the function for a reference.
func (r *Registry) Resolve(ref string) (Func, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	fn, ok := r.handlers[parsed.String()]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Ref: parsed.String()}
	}
	return fn, nil
}

// Refs lists registered references, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for ref := range r.handlers {
		out = append(out, ref)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Reset drops all registrations.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.handlers = make(map[string]Func)
	r.mu.Unlock()
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by the daemon and the
// worker binary.
func Default() *Registry { return defaultRegistry }

// Register binds fn to ref in the default registry.
func Register(ref string, fn Func) { defaultRegistry.Register(ref, fn) }

// Resolve looks up ref in the default registry.
func Resolve(ref string) (Func, error) { return defaultRegistry.Resolve(ref) }
