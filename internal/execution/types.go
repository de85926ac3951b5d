// Package execution defines the wire contract between host adapters and
// execution backends: the immutable Request consumed exactly once by a
// backend, the Result it produces, and the closed error code enumeration
// every failure is normalized into.
package execution

import (
	"encoding/json"
	"fmt"
	"strings"

	"kiln/internal/permission"
)

// HostType discriminates the host-specific context carried by a request.
type HostType string

const (
	HostCLI      HostType = "cli"
	HostREST     HostType = "rest"
	HostWorkflow HostType = "workflow"
	HostWebhook  HostType = "webhook"
)

// WorkspaceType selects the working-directory strategy for an execution.
type WorkspaceType string

const (
	// WorkspaceLocal runs against a caller-provided directory that outlives
	// the execution.
	WorkspaceLocal WorkspaceType = "local"
	// WorkspaceEphemeral runs against a scratch directory removed after the
	// execution completes.
	WorkspaceEphemeral WorkspaceType = "ephemeral"
)

// Workspace describes the working directory for one execution.
type Workspace struct {
	Type WorkspaceType `json:"type"`
	Cwd  string        `json:"cwd,omitempty"`
}

// Target carries execution-target affinity hints. Backends resolving a
// target must produce a new request rather than mutate the input.
type Target struct {
	EnvironmentID string `json:"environment_id,omitempty"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	Workdir       string `json:"workdir,omitempty"`
}

// CLIContext is the host-specific context for command-line invocations.
type CLIContext struct {
	Args  []string          `json:"args,omitempty"`
	Flags map[string]string `json:"flags,omitempty"`
	TTY   bool              `json:"tty,omitempty"`
}

// RESTContext is the host-specific context for HTTP route invocations.
type RESTContext struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WorkflowContext is the host-specific context for workflow step invocations.
type WorkflowContext struct {
	RunID   string `json:"run_id"`
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt,omitempty"`
}

// WebhookContext is the host-specific context for webhook deliveries.
type WebhookContext struct {
	Source    string `json:"source"`
	EventType string `json:"event_type"`
	Signature string `json:"signature,omitempty"`
}

// PluginDescriptor identifies the plugin an execution runs on behalf of and
// carries its permissions plus the host-specific sub-context. Exactly one of
// the host context pointers matching Host is set.
type PluginDescriptor struct {
	PluginID      string           `json:"plugin_id"`
	PluginVersion string           `json:"plugin_version,omitempty"`
	TenantID      string           `json:"tenant_id"`
	Host          HostType         `json:"host"`
	Permissions   *permission.Spec `json:"permissions,omitempty"`

	CLI      *CLIContext      `json:"cli,omitempty"`
	REST     *RESTContext     `json:"rest,omitempty"`
	Workflow *WorkflowContext `json:"workflow,omitempty"`
	Webhook  *WebhookContext  `json:"webhook,omitempty"`
}

// Request is one execution attempt. ExecutionID is assigned once and never
// mutated; the request itself is treated as immutable by backends.
type Request struct {
	ExecutionID string           `json:"execution_id"`
	RequestID   string           `json:"request_id,omitempty"`
	Descriptor  PluginDescriptor `json:"descriptor"`
	PluginRoot  string           `json:"plugin_root"`
	HandlerRef  string           `json:"handler_ref"`
	Input       json.RawMessage  `json:"input,omitempty"`
	Workspace   Workspace        `json:"workspace"`
	TimeoutMs   int64            `json:"timeout_ms,omitempty"`
	Target      *Target          `json:"target,omitempty"`

	// InvokeDepth counts cross-plugin invocation hops from the original
	// host request. Zero for direct requests; the invoke broker bumps it
	// to enforce chain-depth limits.
	InvokeDepth int `json:"invoke_depth,omitempty"`
}

// Clone returns a deep-enough copy for a backend to adjust fields without
// touching the caller's request.
func (r *Request) Clone() *Request {
	out := *r
	if r.Target != nil {
		t := *r.Target
		out.Target = &t
	}
	return &out
}

// WithWorkdir returns a copy of the request with the workspace cwd replaced.
func (r *Request) WithWorkdir(dir string) *Request {
	out := r.Clone()
	out.Workspace.Cwd = dir
	return out
}

// Validate checks the request shape. Backends turn a validation failure into
// a VALIDATION_ERROR result rather than running anything.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if r.ExecutionID == "" {
		return fmt.Errorf("execution_id is empty")
	}
	if r.HandlerRef == "" {
		return fmt.Errorf("handler_ref is empty")
	}
	if !strings.Contains(r.HandlerRef, "#") {
		return fmt.Errorf("handler_ref %q must be path#export", r.HandlerRef)
	}
	if r.Descriptor.PluginID == "" {
		return fmt.Errorf("descriptor.plugin_id is empty")
	}
	if r.Descriptor.TenantID == "" {
		return fmt.Errorf("descriptor.tenant_id is empty")
	}
	switch r.Descriptor.Host {
	case HostCLI, HostREST, HostWorkflow, HostWebhook:
	default:
		return fmt.Errorf("descriptor.host %q is not a known host type", r.Descriptor.Host)
	}
	switch r.Workspace.Type {
	case WorkspaceLocal, WorkspaceEphemeral, "":
	default:
		return fmt.Errorf("workspace.type %q is not a known workspace type", r.Workspace.Type)
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must be non-negative")
	}
	return nil
}

// Result is the outcome of one attempt, discriminated on OK. Exactly one of
// Data and Err is present; ExecutionTimeMs is always populated, including on
// timeout and abort.
type Result struct {
	OK              bool            `json:"ok"`
	Data            json.RawMessage `json:"data,omitempty"`
	Err             *Error          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Backend         string          `json:"backend,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
}

// Error is the typed failure carried by a Result.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
