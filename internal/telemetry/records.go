package telemetry

import (
	"fmt"
	"time"

	"github.com/tunnelfront/redirector/internal/metrics"
)

// Ingestion paths, one route family per stream.
const (
	PathWarnings     = "/api/v1/warnings"
	PathSucceeded    = "/api/v1/succeeded"
	PathTunnelHealth = "/api/v1/health/l2n"
)

func PathWeb(port int) string       { return fmt.Sprintf("/api/v1/web/%d", port) }
func PathL2N(port int) string       { return fmt.Sprintf("/api/v1/l2n/%d", port) }
func PathErrorsWeb(port int) string { return fmt.Sprintf("/api/v1/errors/web/%d", port) }
func PathErrorsL2N(port int) string { return fmt.Sprintf("/api/v1/errors/l2n/%d", port) }
func PathHealth(port int) string    { return fmt.Sprintf("/api/v1/health/%d", port) }

// PortMetrics is one flush window's aggregate for a port, pushed to the web
// or l2n metrics stream depending on which leg it was measured on.
type PortMetrics struct {
	Timestamp   time.Time              `json:"timestamp"`
	Port        int                    `json:"port"`
	Connections uint64                 `json:"connections"`
	BytesIn     uint64                 `json:"bytes_in"`
	BytesOut    uint64                 `json:"bytes_out"`
	Errors      uint64                 `json:"errors"`
	Latency     metrics.LatencySummary `json:"latency_ms"`
}

// FromSnapshot converts a drained aggregator window into a stream record.
func FromSnapshot(s metrics.Snapshot) PortMetrics {
	return PortMetrics{
		Timestamp:   time.Now().UTC(),
		Port:        s.Port,
		Connections: s.Connections,
		BytesIn:     s.BytesIn,
		BytesOut:    s.BytesOut,
		Errors:      s.Errors,
		Latency:     s.Latency,
	}
}

// ErrorEvent is one classified connection failure, on either the client
// (web) or tunnel (l2n) leg.
type ErrorEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Port       int       `json:"port"`
	Class      string    `json:"class"`
	Detail     string    `json:"detail,omitempty"`
	ClientAddr string    `json:"client_addr,omitempty"`
}

// WarningEvent is an operational warning outside the per-connection error
// streams: capacity refusals, evictions, worker prunes.
type WarningEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Port      int       `json:"port"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// AccessEvent is one successfully completed connection.
type AccessEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Port         int       `json:"port"`
	ConnectionID string    `json:"connection_id"`
	ClientAddr   string    `json:"client_addr"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
	DurationMS   float64   `json:"duration_ms"`
}

// PortHealth is one probe result for a forwarded port.
type PortHealth struct {
	Timestamp           time.Time `json:"timestamp"`
	Port                int       `json:"port"`
	Reachable           bool      `json:"reachable"`
	ProbeLatencyMS      float64   `json:"probe_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// TunnelHealth is one probe result for the tunnel endpoint itself.
type TunnelHealth struct {
	Timestamp           time.Time `json:"timestamp"`
	Target              string    `json:"target"`
	Reachable           bool      `json:"reachable"`
	ProbeLatencyMS      float64   `json:"probe_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}
