// Package dialer provides outbound dialing toward the upstream tunnel,
// either directly or through an intermediate SOCKS5 hop.
package dialer
