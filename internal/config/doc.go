// Package config loads and validates the redirector YAML configuration:
// forwarding rules, tunnel endpoint, telemetry collector settings, resource
// limits, and the admin surface address.
package config
