// Package admin serves the local read-only operator endpoints: liveness,
// aggregate forwarding stats, and the worker registry snapshot.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"goji.io"
	"goji.io/pat"

	"github.com/tunnelfront/redirector/internal/registry"
	"github.com/tunnelfront/redirector/internal/relay"
)

// Deps are the read-only views the admin surface exposes. Nil funcs render
// as zero values.
type Deps struct {
	StartedAt time.Time
	Counters  *relay.Counters

	PushedBatches  func() uint64
	DroppedBatches func() uint64
	QueueDrops     func() uint64
	Workers        func() []registry.Entry
	PrunedWorkers  func() uint64
}

// Server is an http.Handler serving the admin endpoints.
type Server struct {
	*goji.Mux
	d Deps
}

// New creates a Server.
func New(d Deps) *Server {
	s := &Server{
		Mux: goji.NewMux(),
		d:   d,
	}
	s.Handle(pat.Get("/healthz"), http.HandlerFunc(s.healthz))
	s.Handle(pat.Get("/stats"), http.HandlerFunc(s.stats))
	s.Handle(pat.Get("/workers"), http.HandlerFunc(s.workers))
	return s
}

// StatsResponse is the JSON structure returned by GET /stats.
type StatsResponse struct {
	UptimeSeconds  float64                `json:"uptime_seconds"`
	Forwarding     relay.CountersSnapshot `json:"forwarding"`
	PushedBatches  uint64                 `json:"pushed_batches"`
	DroppedBatches uint64                 `json:"dropped_batches"`
	QueueDrops     uint64                 `json:"queue_drops"`
	PrunedWorkers  uint64                 `json:"pruned_workers"`
	TrackedWorkers int                    `json:"tracked_workers"`
}

// WorkersResponse is the JSON structure returned by GET /workers.
type WorkersResponse struct {
	Workers []registry.Entry `json:"workers"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	out := StatsResponse{
		UptimeSeconds: time.Since(s.d.StartedAt).Seconds(),
	}
	if s.d.Counters != nil {
		out.Forwarding = s.d.Counters.Snapshot()
	}
	if s.d.PushedBatches != nil {
		out.PushedBatches = s.d.PushedBatches()
	}
	if s.d.DroppedBatches != nil {
		out.DroppedBatches = s.d.DroppedBatches()
	}
	if s.d.QueueDrops != nil {
		out.QueueDrops = s.d.QueueDrops()
	}
	if s.d.PrunedWorkers != nil {
		out.PrunedWorkers = s.d.PrunedWorkers()
	}
	if s.d.Workers != nil {
		out.TrackedWorkers = len(s.d.Workers())
	}
	writeJSON(w, out)
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	out := WorkersResponse{
		Workers: []registry.Entry{}, // non-null empty list
	}
	if s.d.Workers != nil {
		out.Workers = append(out.Workers, s.d.Workers()...)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		w.WriteHeader(http.StatusBadGateway)
	}
}
