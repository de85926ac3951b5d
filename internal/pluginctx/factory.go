package pluginctx

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"kiln/internal/events"
	"kiln/internal/execution"
	"kiln/internal/log"
	"kiln/internal/permission"
	"kiln/internal/sandbox"
)

// Factory builds per-execution contexts. One factory serves many
// executions; it holds only live service bindings, never per-execution
// state. Contexts built in the parent and in a worker process check
// permissions identically; only the bound services differ.
type Factory struct {
	State     StateBroker
	Artifacts ArtifactBroker
	Events    *events.Hub
	Invoker   Invoker
	Platform  Platform

	// InvokeLimits bounds cross-plugin chains. Zero value means defaults.
	InvokeLimits InvokeLimits

	// LookupPermissions resolves the manifest permission spec for a
	// tenant's plugin. Request-carried permissions act as a per-call
	// override merged on top of it; invoke targets get the manifest spec
	// as-is. Nil means requests carry their whole spec and invoked plugins
	// run deny-everything.
	LookupPermissions func(tenantID, pluginID string) *permission.Spec

	// HTTPClient backs the fetch shim. Nil gets a default client.
	HTTPClient *http.Client

	// EnvLookup backs the env shim. Nil reads the process environment.
	EnvLookup func(string) (string, bool)

	// UIOut/UIIn back the CLI renderer. Nil defaults to stdout and no input.
	UIOut io.Writer
	UIIn  io.Reader
}

// Build constructs the context for one execution attempt. cwd and outDir
// are the already-prepared workspace directories. Construction never fails
// for permission reasons: denied capabilities surface typed errors on first
// use instead.
func (f *Factory) Build(ctx context.Context, req *execution.Request, cwd, outDir string) (*Context, error) {
	identity := Identity{
		ExecutionID:   req.ExecutionID,
		RequestID:     req.RequestID,
		PluginID:      req.Descriptor.PluginID,
		PluginVersion: req.Descriptor.PluginVersion,
		TenantID:      req.Descriptor.TenantID,
		Host:          req.Descriptor.Host,
		Cwd:           cwd,
		OutDir:        outDir,
	}

	traceID := req.RequestID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	perms := req.Descriptor.Permissions
	if f.LookupPermissions != nil {
		if base := f.LookupPermissions(identity.TenantID, identity.PluginID); base != nil {
			perms = permission.Merge(base, perms)
		}
	}

	d := &Descriptor{
		Identity:    identity,
		Trace:       Trace{TraceID: traceID, SpanID: uuid.NewString()},
		Permissions: perms,
		InvokeDepth: req.InvokeDepth,
		CLI:         req.Descriptor.CLI,
		REST:        req.Descriptor.REST,
		Workflow:    req.Descriptor.Workflow,
		Webhook:     req.Descriptor.Webhook,
	}
	return f.BuildFromDescriptor(ctx, d)
}

// BuildFromDescriptor constructs the context from a deserialized snapshot,
// binding this process's live services to it. This is the path the worker
// process takes after receiving the descriptor over IPC.
func (f *Factory) BuildFromDescriptor(ctx context.Context, d *Descriptor) (*Context, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	spec := d.Spec()
	identity := d.Identity

	host, err := hostContextFrom(execution.PluginDescriptor{
		Host:     identity.Host,
		CLI:      d.CLI,
		REST:     d.REST,
		Workflow: d.Workflow,
		Webhook:  d.Webhook,
	})
	if err != nil {
		return nil, err
	}

	limits := f.InvokeLimits
	if limits.MaxDepth == 0 && limits.MaxFanOut == 0 && limits.TimeBudget == 0 {
		limits = DefaultInvokeLimits()
	}

	uiOut := f.UIOut
	if uiOut == nil {
		uiOut = os.Stdout
	}
	runLogger := log.WithExecution(identity.ExecutionID).With(
		"plugin", identity.PluginID, "tenant", identity.TenantID)

	c := &Context{
		ctx:      ctx,
		identity: identity,
		trace:    d.Trace,
		host:     host,
		perms:    spec,

		ui:    NewUI(identity.Host, uiOut, f.UIIn, runLogger),
		fs:    sandbox.NewFS(spec, identity.Cwd, identity.OutDir),
		fetch: sandbox.NewFetch(spec, f.HTTPClient),
		env:   sandbox.NewEnv(spec, f.EnvLookup),
		shell: sandbox.NewShell(spec, identity.Cwd, shellEnv(spec, f.EnvLookup)),

		state: &StateAPI{
			broker: f.State,
			spec:   spec,
			scope:  identity.TenantID + ":" + identity.PluginID,
		},
		artifacts: &ArtifactsAPI{broker: f.Artifacts, pluginID: identity.PluginID},
		eventsAPI: &EventsAPI{hub: f.Events, spec: spec, source: identity.PluginID},
		invoke: &InvokeAPI{
			spec:     spec,
			invoker:  f.Invoker,
			limits:   limits,
			identity: identity,
			depth:    d.InvokeDepth,
			started:  time.Now(),
			lookup:   f.LookupPermissions,
		},

		llm:          llmGate{spec: spec, impl: f.Platform.LLM},
		vectorStore:  vectorGate{spec: spec, impl: f.Platform.VectorStore},
		cache:        cacheGate{spec: spec, impl: f.Platform.Cache},
		storage:      storageGate{spec: spec, impl: f.Platform.Storage},
		analytics:    analyticsGate{spec: spec, impl: f.Platform.Analytics},
		workflows:    workflowGate{spec: spec, impl: f.Platform.Workflows},
		environments: environmentGate{spec: spec, impl: f.Platform.Environments},
		snapshots:    snapshotGate{spec: spec, impl: f.Platform.Snapshots},
	}
	return c, nil
}

// shellEnv assembles the environment handed to shell children: PATH so
// binaries resolve, the always-readable set, plus any exact (non-glob) keys
// the spec grants. Glob grants cannot be enumerated and are served through
// the env shim instead.
func shellEnv(spec *permission.Spec, lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	keys := []string{"PATH", "ENV", "CI", "DEBUG", "TZ", "LANG"}
	for _, k := range spec.Env {
		if !containsGlob(k) {
			keys = append(keys, k)
		}
	}

	var env []string
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if v, ok := lookup(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func containsGlob(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '*' {
			return true
		}
	}
	return false
}
