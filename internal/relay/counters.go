package relay

import "sync/atomic"

// Counters are process-wide forwarding totals shared by all relays and
// exposed read-only on the admin surface.
type Counters struct {
	Accepted    atomic.Uint64
	Refused     atomic.Uint64
	Active      atomic.Int64
	BytesIn     atomic.Uint64
	BytesOut    atomic.Uint64
	Errors      atomic.Uint64
	UDPSessions atomic.Int64
}

// CountersSnapshot is the JSON form served by the admin surface.
type CountersSnapshot struct {
	Accepted    uint64 `json:"accepted"`
	Refused     uint64 `json:"refused"`
	Active      int64  `json:"active"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	Errors      uint64 `json:"errors"`
	UDPSessions int64  `json:"udp_sessions"`
}

func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Accepted:    c.Accepted.Load(),
		Refused:     c.Refused.Load(),
		Active:      c.Active.Load(),
		BytesIn:     c.BytesIn.Load(),
		BytesOut:    c.BytesOut.Load(),
		Errors:      c.Errors.Load(),
		UDPSessions: c.UDPSessions.Load(),
	}
}
