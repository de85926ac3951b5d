package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"kiln/internal/execution"
	"kiln/internal/handler"
	"kiln/internal/log"
	"kiln/internal/pluginctx"
	"kiln/internal/workspace"
)

const NameInProcess = "inprocess"

// InProcess dispatches handlers on goroutines inside the host process. No
// isolation: a handler that leaks memory or spins the CPU shares its fate
// with the daemon. Intended for development and trusted first-party plugins.
type InProcess struct {
	registry   *handler.Registry
	factory    *pluginctx.Factory
	workspaces workspace.Manager
	logger     *slog.Logger

	mu        sync.Mutex
	closed    bool
	inFlight  int
	completed int64
	failed    int64
	wg        sync.WaitGroup
}

var _ Backend = (*InProcess)(nil)

// NewInProcess builds the in-process backend.
func NewInProcess(reg *handler.Registry, factory *pluginctx.Factory, ws workspace.Manager) *InProcess {
	return &InProcess{
		registry:   reg,
		factory:    factory,
		workspaces: ws,
		logger:     log.WithComponent("backend.inprocess"),
	}
}

func (b *InProcess) Execute(ctx context.Context, req *execution.Request) *execution.Result {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return b.finish(execution.Failure(execution.CodeValidationError, err.Error(), time.Since(start)))
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.finish(execution.Failure(execution.CodeAborted, "backend is shut down", time.Since(start)))
	}
	b.inFlight++
	b.wg.Add(1)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
		b.wg.Done()
	}()

	fn, err := b.registry.Resolve(req.HandlerRef)
	if err != nil {
		var nf *handler.NotFoundError
		if errors.As(err, &nf) {
			return b.finish(execution.Failure(execution.CodeHandlerNotFound, err.Error(), time.Since(start)))
		}
		return b.finish(execution.Failure(execution.CodeValidationError, err.Error(), time.Since(start)))
	}

	ws, err := b.workspaces.Prepare(ctx, req)
	if err != nil {
		return b.finish(execution.Failure(execution.CodeWorkspaceError, err.Error(), time.Since(start)))
	}
	defer func() {
		if err := b.workspaces.Release(context.Background(), ws); err != nil {
			b.logger.Warn("workspace release failed", "execution_id", req.ExecutionID, "error", err)
		}
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	c, err := b.factory.Build(runCtx, req, ws.Dir, ws.OutDir)
	if err != nil {
		return b.finish(execution.Failure(execution.CodeValidationError, err.Error(), time.Since(start)))
	}

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &execution.Error{
					Code:    execution.CodeHandlerError,
					Message: fmt.Sprintf("handler panic: %v", r),
					Stack:   string(debug.Stack()),
				}}
			}
		}()
		data, err := fn(c, req.Input)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			return b.finish(execution.FailureErr(out.err, elapsed))
		}
		payload, err := json.Marshal(out.data)
		if err != nil {
			return b.finish(execution.Failure(execution.CodeHandlerContractError,
				fmt.Sprintf("handler output is not serializable: %v", err), elapsed))
		}
		return b.finish(execution.Success(payload, elapsed))

	case <-runCtx.Done():
		// The handler goroutine is abandoned; it observes cancellation
		// through the context it was built with.
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			return b.finish(execution.Failure(execution.CodeAborted, "execution aborted", elapsed))
		}
		return b.finish(execution.Failure(execution.CodeTimeout,
			fmt.Sprintf("execution exceeded %dms", req.TimeoutMs), elapsed))
	}
}

func (b *InProcess) finish(res *execution.Result) *execution.Result {
	res.Backend = NameInProcess
	b.mu.Lock()
	if res.OK {
		b.completed++
	} else {
		b.failed++
	}
	b.mu.Unlock()
	return res
}

func (b *InProcess) Health(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("backend is shut down")
	}
	return nil
}

func (b *InProcess) Stats() execution.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return execution.Stats{
		Backend:   NameInProcess,
		InFlight:  b.inFlight,
		Completed: b.completed,
		Failed:    b.failed,
	}
}

// Shutdown stops accepting work and waits for in-flight executions up to the
// ctx deadline.
func (b *InProcess) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
