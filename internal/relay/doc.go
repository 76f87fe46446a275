// Package relay implements the connection forwarders: per-rule TCP and UDP
// listeners that relay bytes between clients and the upstream tunnel,
// measuring each connection and folding the result into the telemetry
// sinks. Payloads are never inspected or mutated.
package relay
