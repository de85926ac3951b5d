package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/execution"
	"kiln/internal/ipc"
	"kiln/internal/log"
	"kiln/internal/workspace"
)

const NameSubprocess = "subprocess"

// SubprocessOptions configures the subprocess backend.
type SubprocessOptions struct {
	// Bin is the worker binary. Args are passed through to it.
	Bin  string
	Args []string

	// Reuse keeps one long-lived worker across executions instead of
	// forking per request. Executions are serialized onto it.
	Reuse bool

	// KillOnTimeout terminates the worker when a request times out. When
	// false (fork-per-request mode only) the worker is abandoned and left
	// to finish on its own; the caller still gets a TIMEOUT result
	// immediately.
	KillOnTimeout bool

	ReadyTimeout  time.Duration
	ShutdownGrace time.Duration
}

// workerClient is the parent-side handle on one worker process. ipc.Client
// is the production implementation; tests substitute fakes.
type workerClient interface {
	Execute(ctx context.Context, req *execution.Request) (*execution.Result, error)
	Health(timeout time.Duration) error
	Shutdown(grace time.Duration)
	Kill()
	Exited() <-chan struct{}
	ExitErr() error
}

// Subprocess runs each execution inside a kiln-worker child process,
// isolating handler crashes and runaway code from the daemon.
type Subprocess struct {
	opts       SubprocessOptions
	workspaces workspace.Manager
	logger     *slog.Logger
	spawn      func(workerID string) (workerClient, error)

	cmu      sync.Mutex // guards cached in reuse mode, held across the exchange
	cached   workerClient
	cachedID string

	mu        sync.Mutex
	closed    bool
	inFlight  int
	completed int64
	failed    int64
	wg        sync.WaitGroup
}

var _ Backend = (*Subprocess)(nil)

// NewSubprocess builds the subprocess backend.
func NewSubprocess(opts SubprocessOptions, ws workspace.Manager) *Subprocess {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 3 * time.Second
	}
	return &Subprocess{
		opts:       opts,
		workspaces: ws,
		logger:     log.WithComponent("backend.subprocess"),
		spawn: func(workerID string) (workerClient, error) {
			return ipc.StartClient(opts.Bin, opts.Args, workerID, opts.ReadyTimeout)
		},
	}
}

func (b *Subprocess) Execute(ctx context.Context, req *execution.Request) *execution.Result {
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

	ws, err := b.workspaces.Prepare(ctx, req)
	if err != nil {
		return b.finish(execution.Failure(execution.CodeWorkspaceError, err.Error(), time.Since(start)))
	}

	// The child sees the prepared directory as a plain local workspace; the
	// parent owns ephemeral teardown.
	wreq := req.Clone()
	wreq.Workspace = execution.Workspace{Type: execution.WorkspaceLocal, Cwd: ws.Dir}

	if b.opts.Reuse {
		b.cmu.Lock()
		defer b.cmu.Unlock()
	}

	client, workerID, err := b.acquire()
	if err != nil {
		b.releaseWorkspace(ws)
		return b.finish(execution.Failure(execution.CodeWorkerUnhealthy,
			fmt.Sprintf("worker start failed: %v", err), time.Since(start)))
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	type exchange struct {
		res *execution.Result
		err error
	}
	done := make(chan exchange, 1)
	go func() {
		res, err := client.Execute(context.Background(), wreq)
		done <- exchange{res, err}
	}()

	select {
	case x := <-done:
		elapsed := time.Since(start)
		if x.err != nil {
			b.discard(client)
			b.releaseWorkspace(ws)
			return b.finish(execution.Failure(execution.CodeWorkerCrashed,
				fmt.Sprintf("worker failed mid-request: %v", x.err), elapsed))
		}
		b.retain(client)
		b.releaseWorkspace(ws)
		res := x.res
		res.Backend = NameSubprocess
		res.WorkerID = workerID
		res.ExecutionTimeMs = elapsed.Milliseconds()
		return b.finish(res)

	case <-runCtx.Done():
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			b.discard(client)
			b.releaseWorkspace(ws)
			return b.finish(execution.Failure(execution.CodeAborted, "execution aborted", elapsed))
		}
		if b.opts.KillOnTimeout || b.opts.Reuse {
			b.discard(client)
			b.releaseWorkspace(ws)
		} else {
			// Abandon: the child keeps running to completion, then the
			// one-shot worker and its workspace are torn down.
			go func() {
				<-done
				client.Shutdown(b.opts.ShutdownGrace)
				b.releaseWorkspace(ws)
			}()
		}
		return b.finish(execution.Failure(execution.CodeTimeout,
			fmt.Sprintf("execution exceeded %dms", req.TimeoutMs), elapsed))
	}
}

// acquire returns the cached worker in reuse mode, starting one if needed,
// or forks a fresh one.
func (b *Subprocess) acquire() (workerClient, string, error) {
	if b.opts.Reuse && b.cached != nil {
		return b.cached, b.cachedID, nil
	}
	id := uuid.NewString()
	client, err := b.spawn(id)
	if err != nil {
		return nil, "", err
	}
	if b.opts.Reuse {
		b.cached = client
		b.cachedID = id
	}
	return client, id, nil
}

// retain keeps a healthy worker for reuse or shuts a one-shot worker down.
func (b *Subprocess) retain(client workerClient) {
	if b.opts.Reuse {
		return
	}
	go client.Shutdown(b.opts.ShutdownGrace)
}

// discard kills a worker that can no longer be trusted.
func (b *Subprocess) discard(client workerClient) {
	if b.opts.Reuse && b.cached == client {
		b.cached = nil
		b.cachedID = ""
	}
	go client.Kill()
}

func (b *Subprocess) releaseWorkspace(ws workspace.Handle) {
	if err := b.workspaces.Release(context.Background(), ws); err != nil {
		b.logger.Warn("workspace release failed", "execution_id", ws.ExecutionID, "error", err)
	}
}

func (b *Subprocess) finish(res *execution.Result) *execution.Result {
	res.Backend = NameSubprocess
	b.mu.Lock()
	if res.OK {
		b.completed++
	} else {
		b.failed++
	}
	b.mu.Unlock()
	return res
}

func (b *Subprocess) Health(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("backend is shut down")
	}
	return nil
}

func (b *Subprocess) Stats() execution.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return execution.Stats{
		Backend:   NameSubprocess,
		InFlight:  b.inFlight,
		Completed: b.completed,
		Failed:    b.failed,
	}
}

func (b *Subprocess) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		b.cmu.Lock()
		if b.cached != nil {
			b.cached.Shutdown(b.opts.ShutdownGrace)
			b.cached = nil
		}
		b.cmu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
