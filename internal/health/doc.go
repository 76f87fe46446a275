// Package health implements the periodic uptime prober for forwarded ports
// and the tunnel endpoint.
package health
