package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer establishes outbound connections toward the upstream tunnel.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the outbound Dialer for the tunnel transport.
//
// An empty socks5Proxy dials the upstream directly. Otherwise socks5Proxy
// must be a socks5://host:port URL naming an intermediate hop; a default
// port of 1080 is applied if the URL omits one.
func New(cfg Config, socks5Proxy string) (Dialer, error) {
	if socks5Proxy == "" {
		return NewDirectDialer(cfg), nil
	}

	u, err := url.Parse(socks5Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	if strings.ToLower(u.Scheme) != "socks5" {
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("invalid url: missing host")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(host, "1080")
	}

	return NewSOCKS5Dialer(cfg, u.Host), nil
}
