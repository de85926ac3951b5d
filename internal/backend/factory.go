package backend

import (
	"fmt"

	"kiln/internal/handler"
	"kiln/internal/pluginctx"
	"kiln/internal/pool"
	"kiln/internal/workspace"
)

// FactoryOptions selects and configures an execution backend.
type FactoryOptions struct {
	// Backend is one of "inprocess", "subprocess" or "pool".
	Backend string

	Subprocess SubprocessOptions
	Pool       pool.Config

	Registry       *handler.Registry
	ContextFactory *pluginctx.Factory
	Workspaces     workspace.Manager
}

// New builds the configured backend.
func New(opts FactoryOptions) (Backend, error) {
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("backend factory requires a workspace manager")
	}
	switch opts.Backend {
	case NameInProcess, "":
		if opts.Registry == nil || opts.ContextFactory == nil {
			return nil, fmt.Errorf("inprocess backend requires a registry and a context factory")
		}
		return NewInProcess(opts.Registry, opts.ContextFactory, opts.Workspaces), nil
	case NameSubprocess:
		if opts.Subprocess.Bin == "" {
			return nil, fmt.Errorf("subprocess backend requires a worker binary")
		}
		return NewSubprocess(opts.Subprocess, opts.Workspaces), nil
	case pool.Name:
		if opts.Pool.WorkerBin == "" {
			return nil, fmt.Errorf("pool backend requires a worker binary")
		}
		return pool.New(opts.Pool, opts.Workspaces), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}
