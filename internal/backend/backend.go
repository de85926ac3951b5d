// Package backend provides the execution backends: in-process dispatch for
// trusted development use, a subprocess backend isolating each execution in
// a short-lived worker process, and a pooled backend multiplexing executions
// over resident workers.
package backend

import (
	"context"

	"kiln/internal/execution"
)

// Backend runs execution requests. Execute never returns a nil result and
// never panics; every failure mode is folded into a typed error result.
type Backend interface {
	// Execute runs one request to completion, timeout or abort. Canceling
	// ctx aborts the execution.
	Execute(ctx context.Context, req *execution.Request) *execution.Result

	// Health reports whether the backend can currently accept work.
	Health(ctx context.Context) error

	// Stats returns a point-in-time snapshot of backend load.
	Stats() execution.Stats

	// Shutdown stops the backend, waiting for in-flight work up to the ctx
	// deadline. It is idempotent.
	Shutdown(ctx context.Context) error
}
