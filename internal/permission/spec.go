// Package permission implements the declarative allow-list model gating
// everything a plugin handler may touch: filesystem paths, network hosts,
// shell commands, environment variables, cross-plugin invocation targets,
// state namespaces and platform services.
//
// Absence of a key, an explicit false, or an empty allow-list all mean
// denied. Only non-empty allow-lists or an explicit true grant access.
package permission

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Spec is the manifest-declared allow-list for one plugin. It is
// JSON/YAML-serializable so it can cross the worker process boundary
// inside a context descriptor.
type Spec struct {
	FS       FSPermission            `json:"fs,omitempty" yaml:"fs,omitempty"`
	Net      NetPermission           `json:"net,omitempty" yaml:"net,omitempty"`
	Env      []string                `json:"env,omitempty" yaml:"env,omitempty"`
	Shell    []string                `json:"shell,omitempty" yaml:"shell,omitempty"`
	Invoke   []string                `json:"invoke,omitempty" yaml:"invoke,omitempty"`
	State    StatePermission         `json:"state,omitempty" yaml:"state,omitempty"`
	Services map[string]ServiceGrant `json:"services,omitempty" yaml:"services,omitempty"`
	Quotas   Quotas                  `json:"quotas,omitempty" yaml:"quotas,omitempty"`
}

// FSPermission lists path patterns a plugin may read or write. Patterns are
// resolved relative to the execution cwd before matching.
type FSPermission struct {
	Read  []string `json:"read,omitempty" yaml:"read,omitempty"`
	Write []string `json:"write,omitempty" yaml:"write,omitempty"`
}

// NetPermission lists host patterns a plugin may fetch from.
type NetPermission struct {
	Hosts []string `json:"hosts,omitempty" yaml:"hosts,omitempty"`
}

// StatePermission scopes the state broker: which namespaces are visible and
// how much may be stored in them.
type StatePermission struct {
	Namespaces    []string `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
	MaxKeys       int      `json:"max_keys,omitempty" yaml:"max_keys,omitempty"`
	MaxValueBytes int      `json:"max_value_bytes,omitempty" yaml:"max_value_bytes,omitempty"`
}

// Quotas bounds resource usage for a single execution.
type Quotas struct {
	TimeoutMs int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MemoryMb  int64 `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUMs     int64 `json:"cpu_ms,omitempty" yaml:"cpu_ms,omitempty"`
}

// Known platform service names a grant may refer to.
const (
	ServiceLLM         = "llm"
	ServiceVectorStore = "vectorStore"
	ServiceCache       = "cache"
	ServiceStorage     = "storage"
	ServiceAnalytics   = "analytics"
	ServiceEvents      = "events"
	ServiceWorkflows   = "workflows"
	ServiceJobs        = "jobs"
	ServiceCron        = "cron"
	ServiceEnvironment = "environment"
	ServiceWorkspace   = "workspace"
	ServiceSnapshot    = "snapshot"
	ServiceExecution   = "execution"
)

// ServiceGrant is either a bare boolean ("events: true") or a scoped object
// with an allow-list of sub-targets ("workflows: {allow: [deploy-*]}").
// A scoped grant with a non-empty allow-list is implicitly enabled.
type ServiceGrant struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Allow   []string `json:"allow,omitempty" yaml:"allow,omitempty"`
}

type serviceGrantObject struct {
	Enabled *bool    `json:"enabled" yaml:"enabled"`
	Allow   []string `json:"allow" yaml:"allow"`
}

func (g *ServiceGrant) fromObject(o serviceGrantObject) {
	g.Allow = o.Allow
	if o.Enabled != nil {
		g.Enabled = *o.Enabled
	} else {
		g.Enabled = len(o.Allow) > 0
	}
}

// UnmarshalJSON accepts both the boolean and the object form.
func (g *ServiceGrant) UnmarshalJSON(b []byte) error {
	var enabled bool
	if err := json.Unmarshal(b, &enabled); err == nil {
		*g = ServiceGrant{Enabled: enabled}
		return nil
	}

	var obj serviceGrantObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("service grant must be a boolean or an object: %w", err)
	}
	g.fromObject(obj)
	return nil
}

// UnmarshalYAML accepts both the boolean and the object form.
func (g *ServiceGrant) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var enabled bool
		if err := n.Decode(&enabled); err != nil {
			return fmt.Errorf("service grant scalar must be a boolean: %w", err)
		}
		*g = ServiceGrant{Enabled: enabled}
		return nil
	}

	var obj serviceGrantObject
	if err := n.Decode(&obj); err != nil {
		return fmt.Errorf("invalid service grant object: %w", err)
	}
	g.fromObject(obj)
	return nil
}

// Service returns the grant for a named platform service. A missing entry is
// a denied grant.
func (s *Spec) Service(name string) ServiceGrant {
	if s == nil || s.Services == nil {
		return ServiceGrant{}
	}
	return s.Services[name]
}

// Error is the typed denial surfaced to handler code by every shim and
// permission-gated API. It always carries the offending target so an
// operator can fix the manifest.
type Error struct {
	Capability string `json:"capability"`
	Target     string `json:"target"`
	Reason     string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("permission denied: %s %q: %s", e.Capability, e.Target, e.Reason)
}

// Denied builds a permission Error for a capability/target pair.
func Denied(capability, target, reason string) *Error {
	return &Error{Capability: capability, Target: target, Reason: reason}
}
