package pluginctx

import (
	"encoding/json"
	"fmt"

	"kiln/internal/execution"
	"kiln/internal/permission"
)

// Descriptor is the JSON-serializable snapshot of everything needed to
// reconstruct a Context on the far side of a process boundary. It carries
// data only: live service bindings (UI, platform proxies, shims) are rebuilt
// locally in each process.
type Descriptor struct {
	Identity    Identity         `json:"identity"`
	Trace       Trace            `json:"trace"`
	Permissions *permission.Spec `json:"permissions,omitempty"`
	InvokeDepth int              `json:"invoke_depth,omitempty"`

	CLI      *execution.CLIContext      `json:"cli,omitempty"`
	REST     *execution.RESTContext     `json:"rest,omitempty"`
	Workflow *execution.WorkflowContext `json:"workflow,omitempty"`
	Webhook  *execution.WebhookContext  `json:"webhook,omitempty"`
}

// Descriptor snapshots the context for transport. The snapshot contains no
// function-valued fields; round-tripping it through JSON preserves all
// permission-check behavior.
func (c *Context) Descriptor() *Descriptor {
	depth := 0
	if c.invoke != nil {
		depth = c.invoke.depth
	}
	return &Descriptor{
		Identity:    c.identity,
		Trace:       c.trace,
		Permissions: c.perms,
		InvokeDepth: depth,
		CLI:         c.host.cli,
		REST:        c.host.rest,
		Workflow:    c.host.workflow,
		Webhook:     c.host.webhook,
	}
}

// Validate checks descriptor integrity after deserialization.
func (d *Descriptor) Validate() error {
	if d.Identity.ExecutionID == "" {
		return fmt.Errorf("descriptor missing execution id")
	}
	if d.Identity.PluginID == "" {
		return fmt.Errorf("descriptor missing plugin id")
	}
	if d.Identity.TenantID == "" {
		return fmt.Errorf("descriptor missing tenant id")
	}
	switch d.Identity.Host {
	case execution.HostCLI, execution.HostREST, execution.HostWorkflow, execution.HostWebhook:
		return nil
	default:
		return fmt.Errorf("descriptor has unknown host type %q", d.Identity.Host)
	}
}

// Spec returns the descriptor's permission spec, never nil.
func (d *Descriptor) Spec() *permission.Spec {
	if d.Permissions == nil {
		return &permission.Spec{}
	}
	return d.Permissions
}

// Encode serializes the descriptor for transport.
func (d *Descriptor) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDescriptor parses and validates a serialized descriptor.
func DecodeDescriptor(b []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
