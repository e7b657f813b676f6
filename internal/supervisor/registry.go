package supervisor

import (
	"os/exec"
	"sync"
	"time"
)

// WorkerProc is one managed worker process handle. PIDs are tracked
// natively through exec.Cmd rather than by parsing process listings.
type WorkerProc struct {
	CampaignID int
	PID        int
	Cmd        *exec.Cmd
	StartedAt  time.Time

	done chan struct{} // closed once the process has been waited on
}

// Alive reports whether the process is still running.
func (p *WorkerProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Registry maps queue name to managed worker processes. It is in-memory and
// never the source of truth for job state: every tick it is reconciled
// against the real process states, and a restart simply rebuilds it empty
// (orphaned reservations are healed by stuck-state recovery).
type Registry struct {
	mu      sync.Mutex
	workers map[string][]*WorkerProc
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string][]*WorkerProc)}
}

func (r *Registry) Add(queue string, p *WorkerProc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[queue] = append(r.workers[queue], p)
}

func (r *Registry) Count(queue string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers[queue])
}

// Procs returns a snapshot of the workers managed for a queue.
func (r *Registry) Procs(queue string) []*WorkerProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*WorkerProc, len(r.workers[queue]))
	copy(out, r.workers[queue])
	return out
}

// Queues returns every queue with at least one managed worker.
func (r *Registry) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	queues := make([]string, 0, len(r.workers))
	for q := range r.workers {
		queues = append(queues, q)
	}
	return queues
}

func (r *Registry) Remove(queue string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	procs := r.workers[queue]
	for i, p := range procs {
		if p.PID == pid {
			r.workers[queue] = append(procs[:i], procs[i+1:]...)
			break
		}
	}
	if len(r.workers[queue]) == 0 {
		delete(r.workers, queue)
	}
}

// Reap drops every worker whose process has exited, returning how many were
// removed.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	reaped := 0
	for q, procs := range r.workers {
		alive := procs[:0]
		for _, p := range procs {
			if p.Alive() {
				alive = append(alive, p)
			} else {
				reaped++
			}
		}
		if len(alive) == 0 {
			delete(r.workers, q)
		} else {
			r.workers[q] = alive
		}
	}
	return reaped
}
