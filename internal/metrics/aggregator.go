package metrics

import (
	"sync"
	"time"
)

// Delta is one connection's contribution to a port's window.
type Delta struct {
	BytesIn  uint64
	BytesOut uint64
	Latency  time.Duration
	Err      bool
}

// Snapshot is the drained state of one port's window.
type Snapshot struct {
	Port        int
	Connections uint64
	BytesIn     uint64
	BytesOut    uint64
	Errors      uint64
	Latency     LatencySummary
}

type window struct {
	connections uint64
	bytesIn     uint64
	bytesOut    uint64
	errors      uint64
	latency     *reservoir
}

// Aggregator accumulates per-port counters between flushes. Memory is
// bounded by one window per port that recorded since the last drain, each
// with a fixed-size latency reservoir.
//
// The mutex guards only O(1) in-memory mutation. It must never be held
// across I/O, channel operations, or goroutine spawns: the hot relay path
// takes this lock on every connection close.
type Aggregator struct {
	mu            sync.Mutex
	windows       map[int]*window
	reservoirSize int
}

func NewAggregator(reservoirSize int) *Aggregator {
	if reservoirSize <= 0 {
		reservoirSize = 1000
	}
	return &Aggregator{
		windows:       make(map[int]*window),
		reservoirSize: reservoirSize,
	}
}

// Record folds one connection's delta into the port's window.
func (a *Aggregator) Record(port int, d Delta) {
	a.mu.Lock()
	w := a.windows[port]
	if w == nil {
		w = &window{latency: newReservoir(a.reservoirSize)}
		a.windows[port] = w
	}
	w.connections++
	w.bytesIn += d.BytesIn
	w.bytesOut += d.BytesOut
	if d.Err {
		w.errors++
	}
	if d.Latency > 0 {
		w.latency.add(d.Latency)
	}
	a.mu.Unlock()
}

// Drain atomically takes all windows and resets the aggregator. Deltas
// recorded while the caller serializes or pushes the returned snapshots land
// in fresh windows, so there is no counting gap and nothing is retained
// after the push attempt.
func (a *Aggregator) Drain() []Snapshot {
	a.mu.Lock()
	taken := a.windows
	a.windows = make(map[int]*window)
	a.mu.Unlock()

	if len(taken) == 0 {
		return nil
	}

	// Percentile sorting happens outside the lock.
	snaps := make([]Snapshot, 0, len(taken))
	for port, w := range taken {
		snaps = append(snaps, Snapshot{
			Port:        port,
			Connections: w.connections,
			BytesIn:     w.bytesIn,
			BytesOut:    w.bytesOut,
			Errors:      w.errors,
			Latency:     w.latency.summary(),
		})
	}
	return snaps
}

// ActivePorts reports how many windows are currently held, for the admin
// surface and bounded-memory tests.
func (a *Aggregator) ActivePorts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}
