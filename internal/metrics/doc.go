// Package metrics implements the bounded in-memory per-port aggregation
// windows drained by the telemetry pusher. State never grows with
// connection count: counters are fixed-size and latency sampling uses a
// fixed-capacity circular reservoir per port.
package metrics
