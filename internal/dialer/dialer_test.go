package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/tunnelfront/redirector/internal/testutil"
)

func TestNewSelectsTransport(t *testing.T) {
	cfg := Config{DialTimeout: time.Second}

	d, err := New(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*directDialer); !ok {
		t.Fatalf("expected direct dialer, got %T", d)
	}

	d, err = New(cfg, "socks5://hop.example")
	if err != nil {
		t.Fatal(err)
	}
	sd, ok := d.(*socks5Dialer)
	if !ok {
		t.Fatalf("expected socks5 dialer, got %T", d)
	}
	if sd.proxyAddr != "hop.example:1080" {
		t.Fatalf("expected default port applied, got %q", sd.proxyAddr)
	}

	for _, bad := range []string{"http://hop:1080", "socks5://", "socks5://hop/path"} {
		if _, err := New(cfg, bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDirectDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln := testutil.StartEchoTCPServer(t, ctx)
	defer ln.Close()

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second})
	c, err := d.Dial(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("ping"))
}

func TestDirectDialRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Grab a port nothing is listening on.
	ln := testutil.StartEchoTCPServer(t, ctx)
	addr := ln.Addr().String()
	ln.Close()

	d := NewDirectDialer(Config{DialTimeout: time.Second})
	if _, err := d.Dial(ctx, "tcp", addr); err == nil {
		t.Fatal("expected dial error")
	}
}
