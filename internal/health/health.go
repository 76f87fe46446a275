package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tunnelfront/redirector/internal/telemetry"
)

// Target is one forwarded port's upstream endpoint to probe.
type Target struct {
	Port    int
	Network string // tcp or udp
	Addr    string
}

type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	FailureCap int
}

type state struct {
	reachable bool
	latency   time.Duration
	failures  int
	probed    bool
}

// Reporter periodically performs connect-and-close probes against each
// forwarded port's upstream endpoint and the tunnel endpoint itself.
// Health is reporting only: it never gates forwarding.
type Reporter struct {
	cfg        Config
	targets    []Target
	tunnelAddr string

	// workersLive optionally reports whether a port still has a live
	// worker; a port without one is reported unreachable even if the
	// upstream answers.
	workersLive func(port int) bool

	mu     sync.Mutex
	ports  map[int]*state
	tunnel state
}

func New(cfg Config, targets []Target, tunnelAddr string) *Reporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureCap <= 0 {
		cfg.FailureCap = 10000
	}
	ports := make(map[int]*state, len(targets))
	for _, t := range targets {
		ports[t.Port] = &state{}
	}
	return &Reporter{cfg: cfg, targets: targets, tunnelAddr: tunnelAddr, ports: ports}
}

// SetWorkerLiveness installs the per-port worker liveness check.
func (r *Reporter) SetWorkerLiveness(fn func(port int) bool) {
	r.workersLive = fn
}

// Run probes all targets once per interval until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.ProbeAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// ProbeAll probes every target and the tunnel endpoint once.
func (r *Reporter) ProbeAll(ctx context.Context) {
	for _, tgt := range r.targets {
		latency, err := r.probe(ctx, tgt.Network, tgt.Addr)

		r.mu.Lock()
		r.apply(r.ports[tgt.Port], latency, err)
		r.mu.Unlock()
	}

	if r.tunnelAddr != "" {
		latency, err := r.probe(ctx, "tcp", r.tunnelAddr)

		r.mu.Lock()
		r.apply(&r.tunnel, latency, err)
		r.mu.Unlock()
	}
}

func (r *Reporter) probe(ctx context.Context, network, addr string) (time.Duration, error) {
	d := net.Dialer{Timeout: r.cfg.Timeout}
	start := time.Now()
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return 0, err
	}
	_ = c.Close()
	return time.Since(start), nil
}

// apply is called with the mutex held.
func (r *Reporter) apply(s *state, latency time.Duration, err error) {
	s.probed = true
	if err != nil {
		s.reachable = false
		s.latency = 0
		if s.failures < r.cfg.FailureCap {
			s.failures++
		}
		return
	}
	s.reachable = true
	s.latency = latency
	s.failures = 0
}

// PortReports snapshots the current per-port health for the pusher.
func (r *Reporter) PortReports() []telemetry.PortHealth {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]telemetry.PortHealth, 0, len(r.targets))
	for _, tgt := range r.targets {
		s := r.ports[tgt.Port]
		if !s.probed {
			continue
		}
		reachable := s.reachable
		if r.workersLive != nil && !r.workersLive(tgt.Port) {
			reachable = false
		}
		out = append(out, telemetry.PortHealth{
			Timestamp:           now,
			Port:                tgt.Port,
			Reachable:           reachable,
			ProbeLatencyMS:      float64(s.latency) / float64(time.Millisecond),
			ConsecutiveFailures: s.failures,
		})
	}
	return out
}

// TunnelReport snapshots tunnel endpoint health, or nil before the first
// probe or when no tunnel endpoint is configured.
func (r *Reporter) TunnelReport() *telemetry.TunnelHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.tunnel.probed {
		return nil
	}
	return &telemetry.TunnelHealth{
		Timestamp:           time.Now().UTC(),
		Target:              r.tunnelAddr,
		Reachable:           r.tunnel.reachable,
		ProbeLatencyMS:      float64(r.tunnel.latency) / float64(time.Millisecond),
		ConsecutiveFailures: r.tunnel.failures,
	}
}
