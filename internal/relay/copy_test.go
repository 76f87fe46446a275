package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tunnelfront/redirector/internal/testutil"
)

func tcpPair(t *testing.T, ctx context.Context) (client, server net.Conn) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = <-ch
	return client, server
}

func TestRelayCountsBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up := testutil.StartEchoTCPServer(t, ctx)
	defer up.Close()

	client, relaySide := tcpPair(t, ctx)
	upstream, err := net.Dial("tcp", up.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		in, out int64
		err     error
	}
	done := make(chan result, 1)
	go func() {
		in, out, err := Relay(ctx, relaySide, upstream, newBufferPool(copyBufferSize), time.Minute, time.Minute)
		done <- result{in, out, err}
	}()

	msg := make([]byte, 1024)
	testutil.AssertEcho(t, client, client, msg)
	client.Close()

	r := <-done
	if outcome, _ := ClassifyRelay(r.err, 0, time.Minute); outcome != OutcomeSuccess {
		t.Fatalf("relay err = %v", r.err)
	}
	if r.in != 1024 || r.out != 1024 {
		t.Fatalf("bytes in/out = %d/%d", r.in, r.out)
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, relaySide := tcpPair(t, ctx)
	defer client.Close()
	stalled, upstream := tcpPair(t, ctx)
	defer stalled.Close()

	start := time.Now()
	_, _, err := Relay(ctx, relaySide, upstream, newBufferPool(copyBufferSize), 100*time.Millisecond, time.Hour)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("idle timeout took %v", elapsed)
	}
	outcome, class := ClassifyRelay(err, time.Since(start), time.Hour)
	if outcome != OutcomeTimeout || class != ClassIdleTimeout {
		t.Fatalf("outcome/class = %q/%q (err %v)", outcome, class, err)
	}
}

func TestRelayContextCancelClosesBoth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, relaySide := tcpPair(t, ctx)
	defer client.Close()
	other, upstream := tcpPair(t, ctx)
	defer other.Close()

	rctx, rcancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, _, err := Relay(rctx, relaySide, upstream, newBufferPool(copyBufferSize), time.Hour, time.Hour)
		done <- err
	}()

	rcancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancel")
	}

	// Both sockets are released: reads on the far ends see EOF.
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("client read err = %v", err)
	}
}
