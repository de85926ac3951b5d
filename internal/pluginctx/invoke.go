package pluginctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/execution"
	"kiln/internal/permission"
)

// Invoker executes a cross-plugin request. Backends satisfy this.
type Invoker interface {
	Execute(ctx context.Context, req *execution.Request) *execution.Result
}

// InvokeLimits bounds recursive cross-plugin invocation chains.
type InvokeLimits struct {
	// MaxDepth is the maximum number of invoke hops from the original host
	// request.
	MaxDepth int
	// MaxFanOut is the maximum number of invocations one execution may make.
	MaxFanOut int
	// TimeBudget caps the wall-clock time an execution may spend across all
	// of its invocations.
	TimeBudget time.Duration
}

// DefaultInvokeLimits returns the limits applied when none are configured.
func DefaultInvokeLimits() InvokeLimits {
	return InvokeLimits{MaxDepth: 4, MaxFanOut: 16, TimeBudget: 60 * time.Second}
}

// InvokeAPI is the cross-plugin invocation surface. Targets are gated by the
// invoke allow-list; chains are bounded by depth, fan-out and a time budget
// so a recursive plugin cannot run away with the pool.
type InvokeAPI struct {
	spec     *permission.Spec
	invoker  Invoker
	limits   InvokeLimits
	identity Identity
	depth    int
	started  time.Time
	lookup   func(tenantID, pluginID string) *permission.Spec

	mu     sync.Mutex
	fanOut int
}

// Call invokes a handler in another plugin and waits for its result.
func (a *InvokeAPI) Call(ctx context.Context, pluginID, handlerRef string, input json.RawMessage) (*execution.Result, error) {
	if d := a.spec.CheckInvoke(pluginID); !d.Allowed {
		return nil, permission.Denied("invoke", pluginID, d.Reason)
	}
	if a.invoker == nil {
		return nil, unavailable("invoke")
	}

	if a.depth+1 > a.limits.MaxDepth {
		return nil, fmt.Errorf("invocation chain depth limit reached (%d)", a.limits.MaxDepth)
	}
	a.mu.Lock()
	a.fanOut++
	fanOut := a.fanOut
	a.mu.Unlock()
	if fanOut > a.limits.MaxFanOut {
		return nil, fmt.Errorf("invocation fan-out limit reached (%d)", a.limits.MaxFanOut)
	}
	remaining := a.limits.TimeBudget - time.Since(a.started)
	if remaining <= 0 {
		return nil, fmt.Errorf("invocation time budget exhausted (%s)", a.limits.TimeBudget)
	}

	var perms *permission.Spec
	if a.lookup != nil {
		perms = a.lookup(a.identity.TenantID, pluginID)
	}

	req := &execution.Request{
		ExecutionID: uuid.NewString(),
		RequestID:   a.identity.RequestID,
		Descriptor: execution.PluginDescriptor{
			PluginID:    pluginID,
			TenantID:    a.identity.TenantID,
			Host:        a.identity.Host,
			Permissions: perms,
		},
		HandlerRef:  handlerRef,
		Input:       input,
		Workspace:   execution.Workspace{Type: execution.WorkspaceEphemeral},
		TimeoutMs:   remaining.Milliseconds(),
		InvokeDepth: a.depth + 1,
	}

	callCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	return a.invoker.Execute(callCtx, req), nil
}
