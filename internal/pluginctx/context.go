// Package pluginctx builds the per-execution context handed to handler
// code: identity, trace context, host-specific sub-context, UI facade,
// permission-enforced runtime shims and the high-level plugin API. A
// context is created at the start of one execution attempt and discarded at
// its end; it owns no cross-execution state.
package pluginctx

import (
	"context"
	"encoding/json"
	"fmt"

	"kiln/internal/artifact"
	"kiln/internal/events"
	"kiln/internal/execution"
	"kiln/internal/permission"
	"kiln/internal/sandbox"
)

// Identity carries the who/where of one execution.
type Identity struct {
	ExecutionID   string             `json:"execution_id"`
	RequestID     string             `json:"request_id,omitempty"`
	PluginID      string             `json:"plugin_id"`
	PluginVersion string             `json:"plugin_version,omitempty"`
	TenantID      string             `json:"tenant_id"`
	Host          execution.HostType `json:"host"`
	Cwd           string             `json:"cwd"`
	OutDir        string             `json:"out_dir"`
}

// Trace carries trace correlation ids across process and plugin boundaries.
type Trace struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Context is the frozen per-execution API surface. All fields are
// unexported; handler code reaches everything through accessors, none of
// which permit mutation of the context itself.
type Context struct {
	ctx      context.Context
	identity Identity
	trace    Trace
	host     hostContext
	perms    *permission.Spec

	ui    UI
	fs    *sandbox.FS
	fetch *sandbox.Fetch
	env   *sandbox.Env
	shell *sandbox.Shell

	state     *StateAPI
	artifacts *ArtifactsAPI
	eventsAPI *EventsAPI
	invoke    *InvokeAPI

	llm          LLM
	vectorStore  VectorStore
	cache        Cache
	storage      BlobStorage
	analytics    Analytics
	workflows    WorkflowRunner
	environments EnvironmentResolver
	snapshots    SnapshotService
}

// hostContext is the discriminated host-specific sub-context.
type hostContext struct {
	cli      *execution.CLIContext
	rest     *execution.RESTContext
	workflow *execution.WorkflowContext
	webhook  *execution.WebhookContext
}

// Done exposes the cancellation signal for the execution.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Ctx returns the execution's context for plumbing into blocking calls.
func (c *Context) Ctx() context.Context { return c.ctx }

// Identity returns the execution identity fields.
func (c *Context) Identity() Identity { return c.identity }

// Trace returns the trace correlation ids.
func (c *Context) Trace() Trace { return c.trace }

// Permissions returns the effective permission spec. The returned value is
// shared; callers must treat it as read-only.
func (c *Context) Permissions() *permission.Spec { return c.perms }

// CLI returns the CLI sub-context, or nil for other hosts.
func (c *Context) CLI() *execution.CLIContext { return c.host.cli }

// REST returns the REST sub-context, or nil for other hosts.
func (c *Context) REST() *execution.RESTContext { return c.host.rest }

// Workflow returns the workflow sub-context, or nil for other hosts.
func (c *Context) Workflow() *execution.WorkflowContext { return c.host.workflow }

// Webhook returns the webhook sub-context, or nil for other hosts.
func (c *Context) Webhook() *execution.WebhookContext { return c.host.webhook }

// UI returns the presentation facade.
func (c *Context) UI() UI { return c.ui }

// FS returns the sandboxed filesystem shim.
func (c *Context) FS() *sandbox.FS { return c.fs }

// Fetch returns the sandboxed network shim.
func (c *Context) Fetch() *sandbox.Fetch { return c.fetch }

// Env returns the sandboxed environment shim.
func (c *Context) Env() *sandbox.Env { return c.env }

// Shell returns the sandboxed shell shim.
func (c *Context) Shell() *sandbox.Shell { return c.shell }

// State returns the namespaced state API.
func (c *Context) State() *StateAPI { return c.state }

// Artifacts returns the artifact API.
func (c *Context) Artifacts() *ArtifactsAPI { return c.artifacts }

// Events returns the publish/subscribe API.
func (c *Context) Events() *EventsAPI { return c.eventsAPI }

// Invoke returns the cross-plugin invocation API.
func (c *Context) Invoke() *InvokeAPI { return c.invoke }

// LLM returns the (permission-gated) LLM service.
func (c *Context) LLM() LLM { return c.llm }

// VectorStore returns the (permission-gated) vector store service.
func (c *Context) VectorStore() VectorStore { return c.vectorStore }

// Cache returns the (permission-gated) cache service.
func (c *Context) Cache() Cache { return c.cache }

// Storage returns the (permission-gated) blob storage service.
func (c *Context) Storage() BlobStorage { return c.storage }

// Analytics returns the (permission-gated) analytics service.
func (c *Context) Analytics() Analytics { return c.analytics }

// Workflows returns the (permission-gated) workflow API.
func (c *Context) Workflows() WorkflowRunner { return c.workflows }

// Environments returns the (permission-gated) environment API.
func (c *Context) Environments() EnvironmentResolver { return c.environments }

// Snapshots returns the (permission-gated) snapshot API.
func (c *Context) Snapshots() SnapshotService { return c.snapshots }

// StateBroker is the persistence seam the state API runs against.
type StateBroker interface {
	Get(ctx context.Context, scope, ns, key string) (json.RawMessage, error)
	Set(ctx context.Context, scope, ns, key string, value json.RawMessage, maxValueBytes, maxKeys int) error
	Delete(ctx context.Context, scope, ns, key string) error
	Keys(ctx context.Context, scope, ns string) ([]string, error)
}

// StateAPI is the namespace-checked, tenant+plugin-scoped state surface.
type StateAPI struct {
	broker StateBroker
	spec   *permission.Spec
	scope  string
}

func (s *StateAPI) check(ns string) error {
	if d := s.spec.CheckNamespace(ns); !d.Allowed {
		return permission.Denied("state", ns, d.Reason)
	}
	return nil
}

// Get reads a key in a permitted namespace; nil if absent.
func (s *StateAPI) Get(ctx context.Context, ns, key string) (json.RawMessage, error) {
	if err := s.check(ns); err != nil {
		return nil, err
	}
	if s.broker == nil {
		return nil, unavailable("state")
	}
	return s.broker.Get(ctx, s.scope, ns, key)
}

// Set writes a key in a permitted namespace, applying the spec's quotas.
func (s *StateAPI) Set(ctx context.Context, ns, key string, value json.RawMessage) error {
	if err := s.check(ns); err != nil {
		return err
	}
	if s.broker == nil {
		return unavailable("state")
	}
	return s.broker.Set(ctx, s.scope, ns, key, value, s.spec.State.MaxValueBytes, s.spec.State.MaxKeys)
}

// Delete removes a key in a permitted namespace.
func (s *StateAPI) Delete(ctx context.Context, ns, key string) error {
	if err := s.check(ns); err != nil {
		return err
	}
	if s.broker == nil {
		return unavailable("state")
	}
	return s.broker.Delete(ctx, s.scope, ns, key)
}

// Keys lists keys in a permitted namespace.
func (s *StateAPI) Keys(ctx context.Context, ns string) ([]string, error) {
	if err := s.check(ns); err != nil {
		return nil, err
	}
	if s.broker == nil {
		return nil, unavailable("state")
	}
	return s.broker.Keys(ctx, s.scope, ns)
}

// ArtifactBroker is the persistence seam the artifacts API runs against.
type ArtifactBroker interface {
	Create(ctx context.Context, pluginID, path string) (*artifact.Artifact, error)
	Put(ctx context.Context, uri string, data []byte) (*artifact.Artifact, error)
	Get(ctx context.Context, uri string) (*artifact.Artifact, error)
	Read(ctx context.Context, uri string) ([]byte, error)
	List(ctx context.Context, pluginID string) ([]*artifact.Artifact, error)
	Fail(ctx context.Context, uri string) error
}

// ArtifactsAPI scopes the artifact broker to the executing plugin: a plugin
// can only address its own artifacts.
type ArtifactsAPI struct {
	broker   ArtifactBroker
	pluginID string
}

func (a *ArtifactsAPI) checkURI(uri string) error {
	owner, _, err := artifact.ParseURI(uri)
	if err != nil {
		return err
	}
	if owner != a.pluginID {
		return permission.Denied("artifacts", uri, "artifact belongs to another plugin")
	}
	return nil
}

// Create registers a pending artifact under this plugin.
func (a *ArtifactsAPI) Create(ctx context.Context, path string) (*artifact.Artifact, error) {
	if a.broker == nil {
		return nil, unavailable("artifacts")
	}
	return a.broker.Create(ctx, a.pluginID, path)
}

// Put writes content for one of this plugin's artifacts and marks it ready.
func (a *ArtifactsAPI) Put(ctx context.Context, uri string, data []byte) (*artifact.Artifact, error) {
	if a.broker == nil {
		return nil, unavailable("artifacts")
	}
	if err := a.checkURI(uri); err != nil {
		return nil, err
	}
	return a.broker.Put(ctx, uri, data)
}

// Get returns metadata for one of this plugin's artifacts.
func (a *ArtifactsAPI) Get(ctx context.Context, uri string) (*artifact.Artifact, error) {
	if a.broker == nil {
		return nil, unavailable("artifacts")
	}
	if err := a.checkURI(uri); err != nil {
		return nil, err
	}
	return a.broker.Get(ctx, uri)
}

// Read returns the content of one of this plugin's ready artifacts.
func (a *ArtifactsAPI) Read(ctx context.Context, uri string) ([]byte, error) {
	if a.broker == nil {
		return nil, unavailable("artifacts")
	}
	if err := a.checkURI(uri); err != nil {
		return nil, err
	}
	return a.broker.Read(ctx, uri)
}

// Fail marks one of this plugin's pending artifacts failed.
func (a *ArtifactsAPI) Fail(ctx context.Context, uri string) error {
	if a.broker == nil {
		return unavailable("artifacts")
	}
	if err := a.checkURI(uri); err != nil {
		return err
	}
	return a.broker.Fail(ctx, uri)
}

// List returns this plugin's artifacts.
func (a *ArtifactsAPI) List(ctx context.Context) ([]*artifact.Artifact, error) {
	if a.broker == nil {
		return nil, unavailable("artifacts")
	}
	return a.broker.List(ctx, a.pluginID)
}

// EventsAPI is the permission-gated publish/subscribe surface.
type EventsAPI struct {
	hub    *events.Hub
	spec   *permission.Spec
	source string
}

// Publish emits an event on a permitted topic.
func (e *EventsAPI) Publish(topic string, data any) error {
	if err := gate(e.spec, permission.ServiceEvents, topic); err != nil {
		return err
	}
	if e.hub == nil {
		return unavailable(permission.ServiceEvents)
	}
	e.hub.Publish(topic, e.source, data)
	return nil
}

// Subscribe attaches to the hub. The cancel function must be called before
// the execution ends.
func (e *EventsAPI) Subscribe() (<-chan events.Event, func(), error) {
	if err := gate(e.spec, permission.ServiceEvents, ""); err != nil {
		return nil, nil, err
	}
	if e.hub == nil {
		return nil, nil, unavailable(permission.ServiceEvents)
	}
	ch, cancel := e.hub.Subscribe()
	return ch, cancel, nil
}

func hostContextFrom(d execution.PluginDescriptor) (hostContext, error) {
	hc := hostContext{cli: d.CLI, rest: d.REST, workflow: d.Workflow, webhook: d.Webhook}
	switch d.Host {
	case execution.HostCLI, execution.HostREST, execution.HostWorkflow, execution.HostWebhook:
		return hc, nil
	default:
		return hc, fmt.Errorf("unknown host type %q", d.Host)
	}
}
