package pool

import "time"

// healthLoop periodically probes idle workers over the protocol. A worker
// failing its probe is killed and replaced; requests never land on a worker
// known to be unresponsive.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.probeIdle()
		}
	}
}

// probeIdle checks every currently idle worker. Probed workers are marked
// busy so the dispatcher does not hand them a request mid-probe.
func (p *Pool) probeIdle() {
	p.mu.Lock()
	var idle []*poolWorker
	for _, pw := range p.workers {
		if pw.state == StateIdle {
			pw.state = StateBusy
			idle = append(idle, pw)
		}
	}
	p.mu.Unlock()

	for _, pw := range idle {
		if err := pw.client.Health(p.cfg.HealthTimeout); err != nil {
			p.logger.Warn("worker failed health probe", "worker_id", pw.id, "error", err)
			p.retire(pw, StateCrashed)
			continue
		}
		p.mu.Lock()
		if _, ok := p.workers[pw.id]; ok {
			pw.state = StateIdle
			p.dispatchLocked()
		}
		p.mu.Unlock()
	}
}
