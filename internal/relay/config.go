package relay

import (
	"net"
	"time"

	"github.com/tunnelfront/redirector/internal/dialer"
	"github.com/tunnelfront/redirector/internal/metrics"
	"github.com/tunnelfront/redirector/internal/telemetry"
)

// Config is the per-rule relay configuration. Sinks and Counters are
// usually shared between all relays in the process.
type Config struct {
	Dialer       dialer.Dialer
	UpstreamAddr string
	KeepAlive    net.KeepAliveConfig

	IdleTimeout time.Duration
	MaxDuration time.Duration
	MaxConns    int
	UDPIdleTTL  time.Duration

	Sinks    Sinks
	Counters *Counters
}

// Sinks receive the measured results of every connection. Nil fields are
// skipped, so tests can wire only what they observe.
type Sinks struct {
	// Client aggregates the client-facing (web) leg, Tunnel the
	// proxy-to-upstream (l2n) leg.
	Client *metrics.Aggregator
	Tunnel *metrics.Aggregator

	Access       *telemetry.Queue[telemetry.AccessEvent]
	ClientErrors *telemetry.Queue[telemetry.ErrorEvent]
	TunnelErrors *telemetry.Queue[telemetry.ErrorEvent]
	Warnings     *telemetry.Queue[telemetry.WarningEvent]
}

func (s Sinks) recordClient(port int, d metrics.Delta) {
	if s.Client != nil {
		s.Client.Record(port, d)
	}
}

func (s Sinks) recordTunnel(port int, d metrics.Delta) {
	if s.Tunnel != nil {
		s.Tunnel.Record(port, d)
	}
}

func (s Sinks) access(e telemetry.AccessEvent) {
	if s.Access != nil {
		s.Access.Push(e)
	}
}

func (s Sinks) clientError(e telemetry.ErrorEvent) {
	if s.ClientErrors != nil {
		s.ClientErrors.Push(e)
	}
}

func (s Sinks) tunnelError(e telemetry.ErrorEvent) {
	if s.TunnelErrors != nil {
		s.TunnelErrors.Push(e)
	}
}

func (s Sinks) warn(e telemetry.WarningEvent) {
	if s.Warnings != nil {
		s.Warnings.Push(e)
	}
}
