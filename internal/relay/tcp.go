package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tunnelfront/redirector/internal/metrics"
	"github.com/tunnelfront/redirector/internal/telemetry"
)

// connectionRecord tracks one accepted connection from accept to close.
// Exactly one is finalized per connection, on every exit path; it is folded
// into the aggregate windows and event queues, then discarded.
type connectionRecord struct {
	id          string
	port        int
	clientAddr  string
	bytesIn     int64
	bytesOut    int64
	openedAt    time.Time
	closedAt    time.Time
	outcome     string
	class       string
	detail      string
	tunnelLeg   bool
	dialLatency time.Duration
}

// TCPRelay forwards one listen port to the upstream tunnel.
type TCPRelay struct {
	cfg  Config
	port int
	ln   net.Listener
	bp   *bufferPool

	wg     sync.WaitGroup
	active atomic.Int64
	seq    atomic.Uint64

	// hardCtx outlives the serve context so in-flight relays get a drain
	// grace period before being forced closed.
	hardCtx    context.Context
	hardCancel context.CancelFunc
}

func NewTCPRelay(cfg Config, port int) *TCPRelay {
	hardCtx, hardCancel := context.WithCancel(context.Background())
	return &TCPRelay{
		cfg:        cfg,
		port:       port,
		bp:         newBufferPool(copyBufferSize),
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
	}
}

// Listen binds the listen port. A bind failure is fatal to startup.
func (s *TCPRelay) Listen() error {
	ln, err := ListenTCP("tcp", fmt.Sprintf(":%d", s.port), s.cfg.KeepAlive)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address.
func (s *TCPRelay) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is canceled or the listener fails.
func (s *TCPRelay) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	for {
		c, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept port %d: %w", s.port, err)
		}

		if s.cfg.MaxConns > 0 && s.active.Load() >= int64(s.cfg.MaxConns) {
			s.refuse(c)
			continue
		}

		// Admission is counted here, not in the handler goroutine, so the
		// capacity check on the next accept sees this connection.
		s.cfg.Counters.Accepted.Add(1)
		s.active.Add(1)
		s.cfg.Counters.Active.Add(1)
		s.wg.Add(1)
		go s.handle(c)
	}
}

// refuse closes a connection beyond capacity instead of queueing it.
func (s *TCPRelay) refuse(c net.Conn) {
	_ = c.Close()
	s.cfg.Counters.Refused.Add(1)
	s.cfg.Sinks.warn(telemetry.WarningEvent{
		Timestamp: time.Now().UTC(),
		Port:      s.port,
		Kind:      "capacity_refused",
		Detail:    fmt.Sprintf("connection limit %d reached", s.cfg.MaxConns),
	})
}

func (s *TCPRelay) handle(client net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.active.Add(-1)
		s.cfg.Counters.Active.Add(-1)
	}()

	rec := &connectionRecord{
		id:         fmt.Sprintf("%d-%d", s.port, s.seq.Add(1)),
		port:       s.port,
		clientAddr: client.RemoteAddr().String(),
		openedAt:   time.Now().UTC(),
	}
	defer func() {
		rec.closedAt = time.Now().UTC()
		s.finalize(rec)
	}()

	dialStart := time.Now()
	up, err := s.cfg.Dialer.Dial(s.hardCtx, "tcp", s.cfg.UpstreamAddr)
	rec.dialLatency = time.Since(dialStart)
	if err != nil {
		rec.outcome = OutcomeError
		rec.class = ClassifyDial(err)
		rec.detail = err.Error()
		rec.tunnelLeg = true
		_ = client.Close()
		return
	}

	bytesIn, bytesOut, rerr := Relay(s.hardCtx, client, up, s.bp, s.cfg.IdleTimeout, s.cfg.MaxDuration)
	rec.bytesIn, rec.bytesOut = bytesIn, bytesOut
	rec.outcome, rec.class = ClassifyRelay(rerr, time.Since(rec.openedAt), s.cfg.MaxDuration)
	if rec.outcome != OutcomeSuccess {
		rec.detail = rerr.Error()
	}
}

// finalize folds the record into the sinks. Aggregator mutation is O(1)
// under its own lock; nothing here blocks the accept loop.
func (s *TCPRelay) finalize(rec *connectionRecord) {
	duration := rec.closedAt.Sub(rec.openedAt)

	s.cfg.Counters.BytesIn.Add(uint64(rec.bytesIn))
	s.cfg.Counters.BytesOut.Add(uint64(rec.bytesOut))

	isErr := rec.outcome != OutcomeSuccess
	s.cfg.Sinks.recordClient(rec.port, metrics.Delta{
		BytesIn:  uint64(rec.bytesIn),
		BytesOut: uint64(rec.bytesOut),
		Latency:  duration,
		Err:      isErr && !rec.tunnelLeg,
	})
	s.cfg.Sinks.recordTunnel(rec.port, metrics.Delta{
		BytesIn:  uint64(rec.bytesIn),
		BytesOut: uint64(rec.bytesOut),
		Latency:  rec.dialLatency,
		Err:      isErr && rec.tunnelLeg,
	})

	if !isErr {
		s.cfg.Sinks.access(telemetry.AccessEvent{
			Timestamp:    rec.closedAt,
			Port:         rec.port,
			ConnectionID: rec.id,
			ClientAddr:   rec.clientAddr,
			BytesIn:      uint64(rec.bytesIn),
			BytesOut:     uint64(rec.bytesOut),
			DurationMS:   float64(duration) / float64(time.Millisecond),
		})
		return
	}

	s.cfg.Counters.Errors.Add(1)
	event := telemetry.ErrorEvent{
		Timestamp:  rec.closedAt,
		Port:       rec.port,
		Class:      rec.class,
		Detail:     rec.detail,
		ClientAddr: rec.clientAddr,
	}
	if rec.tunnelLeg {
		s.cfg.Sinks.tunnelError(event)
	} else {
		s.cfg.Sinks.clientError(event)
	}
}

// Shutdown waits up to grace for in-flight relays to drain, then forces
// the remainder closed.
func (s *TCPRelay) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logrus.WithField("port", s.port).Warn("drain grace elapsed, forcing connections closed")
		s.hardCancel()
		<-done
	}
	s.hardCancel()
}
