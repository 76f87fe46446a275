package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tunnelfront/redirector/internal/dialer"
	"github.com/tunnelfront/redirector/internal/metrics"
	"github.com/tunnelfront/redirector/internal/telemetry"
	"github.com/tunnelfront/redirector/internal/testutil"
)

type fixtures struct {
	web      *metrics.Aggregator
	l2n      *metrics.Aggregator
	access   *telemetry.Queue[telemetry.AccessEvent]
	cerr     *telemetry.Queue[telemetry.ErrorEvent]
	terr     *telemetry.Queue[telemetry.ErrorEvent]
	warn     *telemetry.Queue[telemetry.WarningEvent]
	counters *Counters
}

func newFixtures() *fixtures {
	return &fixtures{
		web:      metrics.NewAggregator(100),
		l2n:      metrics.NewAggregator(100),
		access:   telemetry.NewQueue[telemetry.AccessEvent](1024),
		cerr:     telemetry.NewQueue[telemetry.ErrorEvent](1024),
		terr:     telemetry.NewQueue[telemetry.ErrorEvent](1024),
		warn:     telemetry.NewQueue[telemetry.WarningEvent](1024),
		counters: &Counters{},
	}
}

func (fx *fixtures) sinks() Sinks {
	return Sinks{
		Client:       fx.web,
		Tunnel:       fx.l2n,
		Access:       fx.access,
		ClientErrors: fx.cerr,
		TunnelErrors: fx.terr,
		Warnings:     fx.warn,
	}
}

func startTCPRelay(t *testing.T, upstream string, mutate func(*Config)) (*TCPRelay, *fixtures) {
	t.Helper()

	fx := newFixtures()
	cfg := Config{
		Dialer:       dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
		UpstreamAddr: upstream,
		IdleTimeout:  5 * time.Second,
		MaxDuration:  30 * time.Second,
		MaxConns:     64,
		Sinks:        fx.sinks(),
		Counters:     fx.counters,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	r := NewTCPRelay(cfg, 0)
	if err := r.Listen(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		r.Shutdown(2 * time.Second)
	})

	return r, fx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTCPRelaySuccessScenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Upstream reads 1KB, answers with 2KB, closes.
	upstream, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 1024)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		_, _ = c.Write(make([]byte, 2048))
	})
	defer wait()

	r, fx := startTCPRelay(t, upstream.Addr().String(), nil)

	client, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write(make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(client, make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}
	client.Close()

	waitFor(t, "access event", func() bool { return fx.access.Len() == 1 })

	events := fx.access.Drain()
	e := events[0]
	if e.Port != 0 || e.BytesIn != 1024 || e.BytesOut != 2048 {
		t.Fatalf("access event = %+v", e)
	}
	if e.ConnectionID == "" || e.ClientAddr == "" || e.Timestamp.IsZero() {
		t.Fatalf("access event missing identity fields: %+v", e)
	}

	snaps := fx.web.Drain()
	if len(snaps) != 1 || snaps[0].Connections != 1 || snaps[0].BytesIn != 1024 || snaps[0].BytesOut != 2048 || snaps[0].Errors != 0 {
		t.Fatalf("web window = %+v", snaps)
	}
	if fx.cerr.Len() != 0 || fx.terr.Len() != 0 {
		t.Fatal("unexpected error events for successful connection")
	}
	if got := fx.counters.Accepted.Load(); got != 1 {
		t.Fatalf("accepted = %d", got)
	}
}

func TestTCPRelayUpstreamRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// An address that refuses connections.
	dead := testutil.StartEchoTCPServer(t, ctx)
	deadAddr := dead.Addr().String()
	dead.Close()

	r, fx := startTCPRelay(t, deadAddr, nil)

	client, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// Client socket is closed without anything forwarded.
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("client read err = %v, want EOF", err)
	}

	waitFor(t, "tunnel error event", func() bool { return fx.terr.Len() == 1 })
	e := fx.terr.Drain()[0]
	if e.Class != ClassUpstreamRefused {
		t.Fatalf("error class = %q", e.Class)
	}
	if fx.access.Len() != 0 {
		t.Fatal("success record emitted for refused upstream")
	}
	if got := fx.counters.Errors.Load(); got != 1 {
		t.Fatalf("errors = %d", got)
	}
}

func TestTCPRelayIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	upstream := testutil.StartEchoTCPServer(t, ctx)
	defer upstream.Close()

	r, fx := startTCPRelay(t, upstream.Addr().String(), func(cfg *Config) {
		cfg.IdleTimeout = 100 * time.Millisecond
	})

	client, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// Send nothing: the relay must reap the stalled connection.
	waitFor(t, "timeout record", func() bool { return fx.cerr.Len() == 1 })
	e := fx.cerr.Drain()[0]
	if e.Class != ClassIdleTimeout {
		t.Fatalf("error class = %q", e.Class)
	}
}

func TestTCPRelayCapacityRefusal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	upstream := testutil.StartEchoTCPServer(t, ctx)
	defer upstream.Close()

	r, fx := startTCPRelay(t, upstream.Addr().String(), func(cfg *Config) {
		cfg.MaxConns = 1
	})

	first, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	testutil.AssertEcho(t, first, first, []byte("hold"))
	waitFor(t, "first connection active", func() bool { return r.active.Load() == 1 })

	second, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("second client read err = %v, want EOF", err)
	}

	waitFor(t, "refusal warning", func() bool { return fx.warn.Len() == 1 })
	w := fx.warn.Drain()[0]
	if w.Kind != "capacity_refused" {
		t.Fatalf("warning = %+v", w)
	}
	if got := fx.counters.Refused.Load(); got != 1 {
		t.Fatalf("refused = %d", got)
	}
}

func TestTCPRelayCapNotExceededByBurst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	upstream := testutil.StartEchoTCPServer(t, ctx)
	defer upstream.Close()

	r, fx := startTCPRelay(t, upstream.Addr().String(), func(cfg *Config) {
		cfg.MaxConns = 1
	})

	// Dial a burst without waiting between connections. The accept loop
	// counts admission before spawning the handler, so exactly one may be
	// admitted no matter how the burst interleaves.
	const n = 5
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		c, err := net.Dial("tcp", r.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	waitFor(t, "burst processed", func() bool {
		return fx.counters.Accepted.Load()+fx.counters.Refused.Load() == n
	})
	if got := fx.counters.Accepted.Load(); got != 1 {
		t.Fatalf("accepted = %d, cap is 1", got)
	}
	if got := fx.counters.Refused.Load(); got != n-1 {
		t.Fatalf("refused = %d", got)
	}
	if got := r.active.Load(); got != 1 {
		t.Fatalf("active = %d", got)
	}
}

func TestTCPRelayOneRecordPerConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	upstream := testutil.StartEchoTCPServer(t, ctx)
	defer upstream.Close()

	r, fx := startTCPRelay(t, upstream.Addr().String(), nil)

	const n = 50
	for i := 0; i < n; i++ {
		c, err := net.Dial("tcp", r.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEcho(t, c, c, []byte("x"))
		c.Close()
	}

	waitFor(t, "all records", func() bool { return fx.access.Len() == n })

	snaps := fx.web.Drain()
	if len(snaps) != 1 || snaps[0].Connections != n {
		t.Fatalf("web window = %+v", snaps)
	}
	// One window per port regardless of churn.
	if fx.web.ActivePorts() != 0 {
		t.Fatal("window retained after drain")
	}
}
