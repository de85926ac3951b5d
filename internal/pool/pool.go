// Package pool implements the pooled execution backend: a set of resident
// kiln-worker processes multiplexing executions, with a bounded FIFO wait
// queue, liveness probing and crash recovery.
//
// All pool state lives behind one mutex and is mutated only by the
// orchestration methods; worker goroutines report back through channels.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kiln/internal/execution"
	"kiln/internal/ipc"
	"kiln/internal/log"
	"kiln/internal/workspace"
)

const Name = "pool"

// Client is the parent-side handle on one worker process. ipc.Client is the
// production implementation; tests substitute fakes.
type Client interface {
	Execute(ctx context.Context, req *execution.Request) (*execution.Result, error)
	Health(timeout time.Duration) error
	Shutdown(grace time.Duration)
	Kill()
	Exited() <-chan struct{}
	ExitErr() error
}

// StartFunc spawns one worker process and waits for it to become ready.
type StartFunc func(workerID string) (Client, error)

// Config tunes the pool. Zero fields take defaults from withDefaults.
type Config struct {
	MinWorkers int
	MaxWorkers int

	// QueueSize bounds the wait queue; a request arriving at capacity
	// fails fast with QUEUE_FULL.
	QueueSize int

	// AcquireTimeout bounds how long a queued request waits for a worker
	// before failing with ACQUIRE_TIMEOUT. Zero waits indefinitely.
	AcquireTimeout time.Duration

	// MaxRequestsPerWorker and MaxWorkerUptime trigger worker recycling.
	// Zero disables the respective trigger.
	MaxRequestsPerWorker int
	MaxWorkerUptime      time.Duration

	// MaxConcurrentPerPlugin throttles how many workers one plugin may
	// occupy at once. Zero disables the throttle.
	MaxConcurrentPerPlugin int

	HealthInterval time.Duration
	HealthTimeout  time.Duration
	ReadyTimeout   time.Duration
	ShutdownGrace  time.Duration

	WorkerBin  string
	WorkerArgs []string
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 3 * time.Second
	}
	return c
}

// Pool is the pooled backend.
type Pool struct {
	cfg        Config
	start      StartFunc
	workspaces workspace.Manager
	logger     *slog.Logger

	mu        sync.Mutex
	workers   map[string]*poolWorker
	queue     []*waiter
	perPlugin map[string]int
	starting  int
	closed    bool
	inFlight  int
	completed int64
	failed    int64

	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopHealth chan struct{}
}

// New builds and starts a pool. The minimum worker set is spawned
// asynchronously; requests arriving before any worker is ready simply queue.
func New(cfg Config, ws workspace.Manager, opts ...Option) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		workspaces: ws,
		logger:     log.WithComponent("pool"),
		workers:    make(map[string]*poolWorker),
		perPlugin:  make(map[string]int),
		stopHealth: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.start == nil {
		p.start = func(workerID string) (Client, error) {
			return ipc.StartClient(p.cfg.WorkerBin, p.cfg.WorkerArgs, workerID, p.cfg.ReadyTimeout)
		}
	}

	p.mu.Lock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	go p.healthLoop()
	return p
}

// Option customizes pool construction.
type Option func(*Pool)

// WithStartFunc overrides how worker processes are spawned.
func WithStartFunc(fn StartFunc) Option {
	return func(p *Pool) { p.start = fn }
}

// waiter is one request waiting for, or running on, a worker.
type waiter struct {
	req      *execution.Request
	ctx      context.Context
	ch       chan *execution.Result
	timer    *time.Timer
	queued   bool
	started  time.Time
	pluginID string
}

func (p *Pool) Execute(ctx context.Context, req *execution.Request) *execution.Result {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return p.finish(execution.Failure(execution.CodeValidationError, err.Error(), time.Since(start)))
	}

	w := &waiter{
		req:      req,
		ctx:      ctx,
		ch:       make(chan *execution.Result, 1),
		started:  start,
		pluginID: req.Descriptor.PluginID,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.finish(execution.Failure(execution.CodeAborted, "pool is shut down", time.Since(start)))
	}
	p.inFlight++

	if pw := p.acquireLocked(w.pluginID); pw != nil {
		p.perPlugin[w.pluginID]++
		p.wg.Add(1)
		p.mu.Unlock()
		go p.run(w, pw)
	} else {
		if len(p.queue) >= p.cfg.QueueSize {
			p.inFlight--
			p.mu.Unlock()
			return p.finish(execution.Failure(execution.CodeQueueFull,
				fmt.Sprintf("wait queue at capacity (%d)", p.cfg.QueueSize), time.Since(start)))
		}
		w.queued = true
		p.queue = append(p.queue, w)
		if p.cfg.AcquireTimeout > 0 {
			w.timer = time.AfterFunc(p.cfg.AcquireTimeout, func() { p.expire(w) })
		}
		p.scaleUpLocked()
		p.mu.Unlock()
	}

	select {
	case res := <-w.ch:
		return p.finish(res)
	case <-ctx.Done():
		p.cancel(w)
		return p.finish(<-w.ch)
	}
}

// acquireLocked returns an idle worker honoring the per-plugin throttle, or
// nil.
func (p *Pool) acquireLocked(pluginID string) *poolWorker {
	if p.cfg.MaxConcurrentPerPlugin > 0 && p.perPlugin[pluginID] >= p.cfg.MaxConcurrentPerPlugin {
		return nil
	}
	for _, pw := range p.workers {
		if pw.state == StateIdle {
			pw.state = StateBusy
			return pw
		}
	}
	return nil
}

// scaleUpLocked spawns an extra worker for queued demand, up to MaxWorkers.
func (p *Pool) scaleUpLocked() {
	if len(p.workers)+p.starting < p.cfg.MaxWorkers {
		p.spawnLocked()
	}
}

// dispatchLocked hands queued requests to idle workers in FIFO order,
// skipping requests blocked by the per-plugin throttle.
func (p *Pool) dispatchLocked() {
	for i := 0; i < len(p.queue); {
		w := p.queue[i]
		pw := p.acquireLocked(w.pluginID)
		if pw == nil {
			if p.idleCountLocked() == 0 {
				return
			}
			i++ // throttled, try the next waiter
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		w.queued = false
		if w.timer != nil {
			w.timer.Stop()
		}
		p.perPlugin[w.pluginID]++
		p.wg.Add(1)
		go p.run(w, pw)
	}
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, pw := range p.workers {
		if pw.state == StateIdle {
			n++
		}
	}
	return n
}

// expire resolves a still-queued waiter with ACQUIRE_TIMEOUT.
func (p *Pool) expire(w *waiter) {
	p.mu.Lock()
	if !p.removeLocked(w) {
		p.mu.Unlock()
		return
	}
	p.inFlight--
	p.mu.Unlock()
	w.ch <- execution.Failure(execution.CodeAcquireTimeout,
		fmt.Sprintf("no worker available within %s", p.cfg.AcquireTimeout), time.Since(w.started))
}

// cancel resolves a still-queued waiter with ABORTED. A waiter already
// running is left alone; its run observes the same context.
func (p *Pool) cancel(w *waiter) {
	p.mu.Lock()
	if !p.removeLocked(w) {
		p.mu.Unlock()
		return
	}
	p.inFlight--
	p.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- execution.Failure(execution.CodeAborted, "execution aborted", time.Since(w.started))
}

func (p *Pool) removeLocked(w *waiter) bool {
	if !w.queued {
		return false
	}
	for i, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	w.queued = false
	return true
}

// run executes one request on an acquired worker. The worker is busy on
// entry; run decides its fate on exit.
func (p *Pool) run(w *waiter, pw *poolWorker) {
	defer p.wg.Done()
	deliver := func(res *execution.Result) {
		res.Backend = Name
		res.WorkerID = pw.id
		p.mu.Lock()
		p.perPlugin[w.pluginID]--
		if p.perPlugin[w.pluginID] <= 0 {
			delete(p.perPlugin, w.pluginID)
		}
		p.inFlight--
		// The throttle slot just freed may unblock a queued same-plugin
		// waiter that earlier dispatches had to skip.
		p.dispatchLocked()
		p.mu.Unlock()
		w.ch <- res
	}

	ws, err := p.workspaces.Prepare(w.ctx, w.req)
	if err != nil {
		p.release(pw)
		deliver(execution.Failure(execution.CodeWorkspaceError, err.Error(), time.Since(w.started)))
		return
	}
	releaseWS := func() {
		if err := p.workspaces.Release(context.Background(), ws); err != nil {
			p.logger.Warn("workspace release failed", "execution_id", ws.ExecutionID, "error", err)
		}
	}

	wreq := w.req.Clone()
	wreq.Workspace = execution.Workspace{Type: execution.WorkspaceLocal, Cwd: ws.Dir}

	runCtx := w.ctx
	var cancelRun context.CancelFunc
	if w.req.TimeoutMs > 0 {
		runCtx, cancelRun = context.WithTimeout(w.ctx, time.Duration(w.req.TimeoutMs)*time.Millisecond)
		defer cancelRun()
	}

	type exchange struct {
		res *execution.Result
		err error
	}
	done := make(chan exchange, 1)
	go func() {
		res, err := pw.client.Execute(context.Background(), wreq)
		done <- exchange{res, err}
	}()

	select {
	case x := <-done:
		elapsed := time.Since(w.started)
		releaseWS()
		if x.err != nil {
			p.retire(pw, StateCrashed)
			deliver(execution.Failure(execution.CodeWorkerCrashed,
				fmt.Sprintf("worker failed mid-request: %v", x.err), elapsed))
			return
		}
		pw.served++
		p.release(pw)
		res := x.res
		res.ExecutionTimeMs = elapsed.Milliseconds()
		deliver(res)

	case <-pw.client.Exited():
		releaseWS()
		p.retire(pw, StateCrashed)
		deliver(execution.Failure(execution.CodeWorkerCrashed,
			fmt.Sprintf("worker exited mid-request: %v", pw.client.ExitErr()), time.Since(w.started)))

	case <-runCtx.Done():
		// A worker abandoned mid-request cannot be trusted with the next
		// one; kill it and start fresh.
		elapsed := time.Since(w.started)
		releaseWS()
		p.retire(pw, StateCrashed)
		if w.ctx.Err() != nil {
			deliver(execution.Failure(execution.CodeAborted, "execution aborted", elapsed))
			return
		}
		deliver(execution.Failure(execution.CodeTimeout,
			fmt.Sprintf("execution exceeded %dms", w.req.TimeoutMs), elapsed))
	}
}

// release returns a worker to idle, or drains it when a recycling threshold
// is hit, then dispatches queued work.
func (p *Pool) release(pw *poolWorker) {
	if p.shouldRecycle(pw) {
		p.logger.Info("recycling worker", "worker_id", pw.id, "served", pw.served)
		p.retire(pw, StateDraining)
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go pw.client.Shutdown(p.cfg.ShutdownGrace)
		return
	}
	pw.state = StateIdle
	p.dispatchLocked()
	p.mu.Unlock()
}

func (p *Pool) shouldRecycle(pw *poolWorker) bool {
	if p.cfg.MaxRequestsPerWorker > 0 && pw.served >= p.cfg.MaxRequestsPerWorker {
		return true
	}
	if p.cfg.MaxWorkerUptime > 0 && time.Since(pw.started) >= p.cfg.MaxWorkerUptime {
		return true
	}
	return false
}

func (p *Pool) finish(res *execution.Result) *execution.Result {
	res.Backend = Name
	p.mu.Lock()
	if res.OK {
		p.completed++
	} else {
		p.failed++
	}
	p.mu.Unlock()
	return res
}

// Health reports readiness: at least one worker alive or on its way up.
func (p *Pool) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pool is shut down")
	}
	if len(p.workers) == 0 && p.starting == 0 {
		return fmt.Errorf("no workers available")
	}
	return nil
}

// Stats snapshots pool load: worker counts by state, queue length and
// lifetime totals.
func (p *Pool) Stats() execution.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make(map[string]int)
	for _, pw := range p.workers {
		states[pw.state]++
	}
	if p.starting > 0 {
		states[StateStarting] += p.starting
	}
	return execution.Stats{
		Backend:     Name,
		InFlight:    p.inFlight,
		Completed:   p.completed,
		Failed:      p.failed,
		QueueLength: len(p.queue),
		Workers:     states,
	}
}

// Shutdown stops the pool: queued waiters resolve with ABORTED, in-flight
// executions get until the ctx deadline, workers are then torn down. Safe to
// call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopHealth) })

	p.mu.Lock()
	p.closed = true
	drained := p.queue
	p.queue = nil
	p.inFlight -= len(drained)
	// Unqueue under the lock so a concurrently firing acquire timer sees the
	// waiter as already resolved instead of resolving it a second time.
	for _, w := range drained {
		w.queued = false
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	p.mu.Unlock()

	for _, w := range drained {
		w.ch <- execution.Failure(execution.CodeAborted, "runtime shutting down", time.Since(w.started))
	}

	flight := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(flight)
	}()
	var err error
	select {
	case <-flight:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	workers := make([]*poolWorker, 0, len(p.workers))
	for _, pw := range p.workers {
		workers = append(workers, pw)
	}
	p.workers = make(map[string]*poolWorker)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, pw := range workers {
		wg.Add(1)
		go func(pw *poolWorker) {
			defer wg.Done()
			if err != nil {
				// Deadline passed with work still in flight; no point
				// negotiating with a busy worker.
				pw.client.Kill()
				return
			}
			pw.client.Shutdown(p.cfg.ShutdownGrace)
		}(pw)
	}
	wg.Wait()
	return err
}
