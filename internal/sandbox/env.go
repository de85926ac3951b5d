package sandbox

import (
	"os"

	"kiln/internal/permission"
)

// Env is the environment shim. Lookups of non-whitelisted keys return the
// zero value rather than an error, except for the evaluator's small
// always-allowed set.
type Env struct {
	spec   *permission.Spec
	lookup func(string) (string, bool)
}

// NewEnv builds an environment shim. A nil lookup reads the real process
// environment.
func NewEnv(spec *permission.Spec, lookup func(string) (string, bool)) *Env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Env{spec: spec, lookup: lookup}
}

// Lookup returns the value and whether the key is both allowed and set.
func (e *Env) Lookup(key string) (string, bool) {
	if d := e.spec.CheckEnv(key); !d.Allowed {
		return "", false
	}
	return e.lookup(key)
}

// Get returns the value for an allowed, set key, or "".
func (e *Env) Get(key string) string {
	v, _ := e.Lookup(key)
	return v
}
