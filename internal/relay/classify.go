package relay

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// Error classes folded into the error telemetry streams.
const (
	ClassUpstreamRefused = "upstream_refused"
	ClassResolveFailed   = "resolve_failed"
	ClassDialTimeout     = "dial_timeout"
	ClassReset           = "reset"
	ClassIdleTimeout     = "idle_timeout"
	ClassMaxDuration     = "max_duration"
	ClassIO              = "io_error"
)

// Connection outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// ClassifyDial maps an upstream dial failure to an error class.
func ClassifyDial(err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return ClassResolveFailed
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassUpstreamRefused
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return ClassDialTimeout
		}
		return ClassIO
	}
}

// ClassifyRelay maps the result of a finished relay to an outcome and error
// class. A clean EOF or a socket closed by the other direction finishing is
// success. Deadline errors are timeouts: max_duration if the connection ran
// its full allowed lifetime, idle_timeout otherwise.
func ClassifyRelay(err error, elapsed, maxDuration time.Duration) (outcome, class string) {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return OutcomeSuccess, ""
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return OutcomeError, ClassReset
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			if maxDuration > 0 && elapsed >= maxDuration {
				return OutcomeTimeout, ClassMaxDuration
			}
			return OutcomeTimeout, ClassIdleTimeout
		}
		return OutcomeError, ClassIO
	}
}
