package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tunnelfront/redirector/internal/metrics"
)

// Batch is one POST to one ingestion path.
type Batch struct {
	Path    string
	Records any
	Count   int
}

// Stream is one of the eight independent telemetry streams. Collect drains
// the stream's pending state into zero or more batches; drained state is
// never requeued, so a failed push loses that window's data.
type Stream struct {
	Name     string
	Interval time.Duration
	Collect  func() []Batch
}

// Pusher runs every stream on its own cadence so a slow stream cannot
// head-of-line-block another. Push failures are logged (throttled) and the
// batch is dropped; there is no retry queue.
type Pusher struct {
	client  *Client
	streams []Stream
	logLim  *rate.Limiter

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

func NewPusher(client *Client, streams []Stream) *Pusher {
	return &Pusher{
		client:  client,
		streams: streams,
		logLim:  rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Run flushes each stream on its interval until ctx is canceled, then makes
// one best-effort final flush per stream.
func (p *Pusher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.streams {
		g.Go(func() error {
			t := time.NewTicker(s.Interval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					p.flush(gctx, s)
				case <-gctx.Done():
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					p.flush(flushCtx, s)
					cancel()
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pusher) flush(ctx context.Context, s Stream) {
	for _, b := range s.Collect() {
		if b.Count == 0 {
			continue
		}
		if err := p.client.Push(ctx, b.Path, b.Records); err != nil {
			p.dropped.Add(1)
			if p.logLim.Allow() {
				logrus.WithFields(logrus.Fields{
					"stream":  s.Name,
					"path":    b.Path,
					"records": b.Count,
				}).WithError(err).Warn("telemetry batch dropped")
			}
			continue
		}
		p.pushed.Add(1)
	}
}

// PushedBatches reports successfully delivered batches.
func (p *Pusher) PushedBatches() uint64 { return p.pushed.Load() }

// DroppedBatches reports batches lost to delivery failure.
func (p *Pusher) DroppedBatches() uint64 { return p.dropped.Load() }

// MetricsStream builds a metrics stream over an aggregator drain, producing
// one batch per port.
func MetricsStream(name string, interval time.Duration, path func(port int) string, drain func() []metrics.Snapshot) Stream {
	return Stream{
		Name:     name,
		Interval: interval,
		Collect: func() []Batch {
			snaps := drain()
			batches := make([]Batch, 0, len(snaps))
			for _, s := range snaps {
				batches = append(batches, Batch{
					Path:    path(s.Port),
					Records: []PortMetrics{FromSnapshot(s)},
					Count:   1,
				})
			}
			return batches
		},
	}
}

// EventStream builds a stream that drains a queue into a single batch.
func EventStream[T any](name string, interval time.Duration, path string, q *Queue[T]) Stream {
	return Stream{
		Name:     name,
		Interval: interval,
		Collect: func() []Batch {
			events := q.Drain()
			if len(events) == 0 {
				return nil
			}
			return []Batch{{Path: path, Records: events, Count: len(events)}}
		},
	}
}

// ErrorStream builds a stream that drains an error queue into one batch per
// source port, since the error ingestion routes are per-port.
func ErrorStream(name string, interval time.Duration, path func(port int) string, q *Queue[ErrorEvent]) Stream {
	return Stream{
		Name:     name,
		Interval: interval,
		Collect: func() []Batch {
			events := q.Drain()
			if len(events) == 0 {
				return nil
			}
			byPort := make(map[int][]ErrorEvent)
			for _, e := range events {
				byPort[e.Port] = append(byPort[e.Port], e)
			}
			batches := make([]Batch, 0, len(byPort))
			for port, recs := range byPort {
				batches = append(batches, Batch{Path: path(port), Records: recs, Count: len(recs)})
			}
			return batches
		},
	}
}

// CollectorStream builds a stream over an arbitrary batch collector, used
// for the health streams.
func CollectorStream(name string, interval time.Duration, collect func() []Batch) Stream {
	return Stream{Name: name, Interval: interval, Collect: collect}
}
