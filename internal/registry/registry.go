package registry

import (
	"context"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"
	"github.com/sirupsen/logrus"
)

// Entry is one tracked worker process.
type Entry struct {
	PID          int       `json:"pid"`
	Ports        []int     `json:"ports"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Registry tracks worker processes bound to listening ports. Liveness is
// detected by polling PID existence, not by exit callbacks: callbacks are
// unreliable across process boundaries. Tracked entries are hard-capped;
// on overflow the oldest entry by registration time is evicted regardless
// of liveness, bounding memory under pathological worker churn.
type Registry struct {
	mu      sync.Mutex
	entries []*Entry // oldest first
	cap     int

	// alive is swappable for tests.
	alive func(pid int) bool

	pruned  uint64
	evicted uint64
}

func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 128
	}
	return &Registry{cap: capacity, alive: pidAlive}
}

func pidAlive(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

// Register adds a worker. If the cap is exceeded the oldest entries are
// evicted first.
func (r *Registry) Register(pid int, ports []int) {
	now := time.Now().UTC()
	e := &Entry{PID: pid, Ports: append([]int(nil), ports...), RegisteredAt: now, LastSeen: now}

	var evicted []*Entry
	r.mu.Lock()
	r.entries = append(r.entries, e)
	for len(r.entries) > r.cap {
		evicted = append(evicted, r.entries[0])
		r.entries = r.entries[1:]
		r.evicted++
	}
	r.mu.Unlock()

	for _, old := range evicted {
		logrus.WithFields(logrus.Fields{
			"pid":           old.PID,
			"registered_at": old.RegisteredAt,
		}).Warn("worker evicted: registry at capacity")
	}
}

// Sweep checks every tracked PID and removes dead entries, returning how
// many were pruned. Liveness checks run outside the lock.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	snapshot := append([]*Entry(nil), r.entries...)
	r.mu.Unlock()

	dead := make(map[int]bool)
	for _, e := range snapshot {
		if !r.alive(e.PID) {
			dead[e.PID] = true
		}
	}

	now := time.Now().UTC()
	pruned := 0
	r.mu.Lock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if dead[e.PID] {
			pruned++
			continue
		}
		e.LastSeen = now
		kept = append(kept, e)
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = kept
	r.pruned += uint64(pruned)
	r.mu.Unlock()

	for pid := range dead {
		logrus.WithField("pid", pid).Info("worker pruned: process no longer exists")
	}
	return pruned
}

// Run sweeps on the given interval until ctx is canceled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// Snapshot returns a copy of all tracked entries, oldest first.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

// LivePorts returns the set of ports with at least one tracked worker.
func (r *Registry) LivePorts() map[int]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]bool)
	for _, e := range r.entries {
		for _, p := range e.Ports {
			out[p] = true
		}
	}
	return out
}

// Len reports the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PrunedTotal reports entries removed because their process died.
func (r *Registry) PrunedTotal() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruned
}

// EvictedTotal reports entries removed by the capacity bound.
func (r *Registry) EvictedTotal() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
