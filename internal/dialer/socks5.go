package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/txthinking/socks5"
)

type socks5Dialer struct {
	cfg       Config
	proxyAddr string
}

// NewSOCKS5Dialer dials the upstream through a SOCKS5 hop at proxyAddr.
func NewSOCKS5Dialer(cfg Config, proxyAddr string) Dialer {
	return &socks5Dialer{cfg: cfg, proxyAddr: proxyAddr}
}

func (d *socks5Dialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	_ = ctx
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 dial %s %s: unsupported network", network, address)
	}

	tcpTimeout := 0
	if d.cfg.DialTimeout > 0 {
		tcpTimeout = int(d.cfg.DialTimeout / time.Second)
		if tcpTimeout <= 0 {
			tcpTimeout = 1
		}
	}

	client, err := socks5.NewClient(d.proxyAddr, "", "", tcpTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("socks5 init: %w", err)
	}

	c, err := client.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s %s: %w", network, address, err)
	}
	return c, nil
}
