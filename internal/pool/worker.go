package pool

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Worker states as reported by Stats.
const (
	StateStarting = "starting"
	StateIdle     = "idle"
	StateBusy     = "busy"
	StateDraining = "draining"
	StateCrashed  = "crashed"
)

// poolWorker is the pool's bookkeeping for one resident worker process.
// state transitions happen under the pool mutex; client calls happen outside
// it.
type poolWorker struct {
	id      string
	client  Client
	state   string
	started time.Time
	served  int
}

// spawnLocked kicks off one asynchronous worker start. Caller holds the pool
// mutex.
func (p *Pool) spawnLocked() {
	p.starting++
	go p.startWorker()
}

// startWorker starts one worker process, retrying with exponential backoff
// until it comes up or the pool closes.
func (p *Pool) startWorker() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		p.mu.Lock()
		if p.closed {
			p.starting--
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		id := uuid.NewString()[:8]
		client, err := p.start(id)
		if err == nil {
			pw := &poolWorker{id: id, client: client, state: StateIdle, started: time.Now()}
			p.mu.Lock()
			p.starting--
			if p.closed {
				p.mu.Unlock()
				go client.Shutdown(p.cfg.ShutdownGrace)
				return
			}
			p.workers[pw.id] = pw
			go p.watch(pw)
			p.dispatchLocked()
			p.mu.Unlock()
			p.logger.Info("worker started", "worker_id", pw.id)
			return
		}

		wait := bo.NextBackOff()
		p.logger.Warn("worker start failed", "error", err, "retry_in", wait)
		time.Sleep(wait)
	}
}

// watch notices an idle worker dying on its own and replaces it. A crash
// mid-request is handled by run, which retires the worker first.
func (p *Pool) watch(pw *poolWorker) {
	<-pw.client.Exited()
	p.mu.Lock()
	cur, ok := p.workers[pw.id]
	if !ok || cur != pw || pw.state == StateBusy {
		p.mu.Unlock()
		return
	}
	delete(p.workers, pw.id)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.logger.Warn("idle worker exited", "worker_id", pw.id, "error", pw.client.ExitErr())
	p.replace()
}

// retire removes a worker from service. Draining workers exit gracefully;
// crashed ones are killed. Either way a replacement is started if the pool
// would otherwise fall below demand.
func (p *Pool) retire(pw *poolWorker, state string) {
	p.mu.Lock()
	pw.state = state
	delete(p.workers, pw.id)
	closed := p.closed
	p.mu.Unlock()

	if state == StateDraining {
		go pw.client.Shutdown(p.cfg.ShutdownGrace)
	} else {
		go pw.client.Kill()
	}
	if !closed {
		p.replace()
	}
}

// replace starts a new worker when the pool is below its minimum or there is
// queued demand, capped at the maximum.
func (p *Pool) replace() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	alive := len(p.workers) + p.starting
	if alive < p.cfg.MinWorkers || (len(p.queue) > 0 && alive < p.cfg.MaxWorkers) {
		p.spawnLocked()
	}
}
