package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/tunnelfront/redirector/internal/metrics"
	"github.com/tunnelfront/redirector/internal/telemetry"
)

const udpPacketSize = 64 * 1024

// udpSession is one client endpoint's binding to an upstream socket. UDP
// has no close signal, so sessions are evicted by idle expiry.
type udpSession struct {
	id         string
	clientAddr *net.UDPAddr
	upstream   net.Conn
	openedAt   time.Time

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	closeOnce sync.Once
}

func (s *udpSession) close() {
	s.closeOnce.Do(func() { _ = s.upstream.Close() })
}

// UDPRelay forwards one UDP listen port to the upstream tunnel with
// per-client-endpoint upstream bindings.
type UDPRelay struct {
	cfg  Config
	port int
	pc   *net.UDPConn
	bp   *bufferPool

	// sessions is keyed by client endpoint; eviction closes the upstream
	// socket, which finalizes the session's connection record.
	sessions *cache.Cache

	wg  sync.WaitGroup
	seq atomic.Uint64
}

func NewUDPRelay(cfg Config, port int) *UDPRelay {
	ttl := cfg.UDPIdleTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	u := &UDPRelay{
		cfg:      cfg,
		port:     port,
		bp:       newBufferPool(udpPacketSize),
		sessions: cache.New(ttl, ttl),
	}
	u.sessions.OnEvicted(func(_ string, v any) {
		v.(*udpSession).close()
	})
	return u
}

// Listen binds the UDP listen port.
func (u *UDPRelay) Listen() error {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: u.port})
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", u.port, err)
	}
	u.pc = pc
	return nil
}

// Addr returns the bound socket address.
func (u *UDPRelay) Addr() net.Addr { return u.pc.LocalAddr() }

// Serve reads client datagrams until ctx is canceled or the socket fails.
func (u *UDPRelay) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = u.pc.Close() })
	defer stop()

	buf := make([]byte, udpPacketSize)
	for {
		n, addr, err := u.pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read udp port %d: %w", u.port, err)
		}
		u.forward(ctx, addr, buf[:n])
	}
}

func (u *UDPRelay) forward(ctx context.Context, addr *net.UDPAddr, payload []byte) {
	key := addr.String()

	var sess *udpSession
	if v, ok := u.sessions.Get(key); ok {
		sess = v.(*udpSession)
	} else {
		// Clear any expired binding the janitor has not reaped yet, so
		// its session is finalized rather than silently replaced.
		u.sessions.Delete(key)

		if u.cfg.MaxConns > 0 && u.sessions.ItemCount() >= u.cfg.MaxConns {
			u.cfg.Counters.Refused.Add(1)
			u.cfg.Sinks.warn(telemetry.WarningEvent{
				Timestamp: time.Now().UTC(),
				Port:      u.port,
				Kind:      "capacity_refused",
				Detail:    fmt.Sprintf("udp session limit %d reached", u.cfg.MaxConns),
			})
			return
		}

		up, err := u.cfg.Dialer.Dial(ctx, "udp", u.cfg.UpstreamAddr)
		if err != nil {
			u.cfg.Counters.Errors.Add(1)
			u.cfg.Sinks.recordTunnel(u.port, metrics.Delta{Err: true})
			u.cfg.Sinks.tunnelError(telemetry.ErrorEvent{
				Timestamp:  time.Now().UTC(),
				Port:       u.port,
				Class:      ClassifyDial(err),
				Detail:     err.Error(),
				ClientAddr: key,
			})
			return
		}

		sess = &udpSession{
			id:         fmt.Sprintf("%d-%d", u.port, u.seq.Add(1)),
			clientAddr: addr,
			upstream:   up,
			openedAt:   time.Now().UTC(),
		}
		u.cfg.Counters.Accepted.Add(1)
		u.cfg.Counters.UDPSessions.Add(1)
		u.wg.Add(1)
		go u.pump(sess)
	}

	// Refresh the idle TTL on every client datagram.
	u.sessions.SetDefault(key, sess)

	n, err := sess.upstream.Write(payload)
	sess.bytesIn.Add(int64(n))
	if err != nil {
		u.sessions.Delete(key)
	}
}

// pump copies upstream responses back to the client until the session's
// upstream socket is closed by eviction, then finalizes the record.
func (u *UDPRelay) pump(sess *udpSession) {
	defer u.wg.Done()

	buf := u.bp.Get()
	defer u.bp.Put(buf)

	for {
		n, err := sess.upstream.Read(buf)
		if n > 0 {
			nw, werr := u.pc.WriteToUDP(buf[:n], sess.clientAddr)
			sess.bytesOut.Add(int64(nw))
			if werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	sess.close()
	u.finalize(sess)
}

func (u *UDPRelay) finalize(sess *udpSession) {
	closedAt := time.Now().UTC()
	duration := closedAt.Sub(sess.openedAt)
	bytesIn := uint64(sess.bytesIn.Load())
	bytesOut := uint64(sess.bytesOut.Load())

	u.cfg.Counters.UDPSessions.Add(-1)
	u.cfg.Counters.BytesIn.Add(bytesIn)
	u.cfg.Counters.BytesOut.Add(bytesOut)

	u.cfg.Sinks.recordClient(u.port, metrics.Delta{
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
		Latency:  duration,
	})
	u.cfg.Sinks.recordTunnel(u.port, metrics.Delta{
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
	})
	u.cfg.Sinks.access(telemetry.AccessEvent{
		Timestamp:    closedAt,
		Port:         u.port,
		ConnectionID: sess.id,
		ClientAddr:   sess.clientAddr.String(),
		BytesIn:      bytesIn,
		BytesOut:     bytesOut,
		DurationMS:   float64(duration) / float64(time.Millisecond),
	})
}

// Shutdown evicts all sessions and waits up to grace for pumps to drain.
func (u *UDPRelay) Shutdown(grace time.Duration) {
	for key := range u.sessions.Items() {
		u.sessions.Delete(key)
	}

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}
