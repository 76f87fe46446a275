package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Relay copies bytes concurrently in both directions until either side
// closes, the idle timeout expires with no traffic in a direction, or the
// absolute maxDuration elapses. Both sockets are closed on every exit path.
// bytesIn counts client-to-upstream traffic, bytesOut the reverse.
func Relay(ctx context.Context, client, upstream net.Conn, bp *bufferPool, idle, maxDuration time.Duration) (bytesIn, bytesOut int64, err error) {
	var deadline time.Time
	if maxDuration > 0 {
		deadline = time.Now().Add(maxDuration)
		_ = client.SetDeadline(deadline)
		_ = upstream.SetDeadline(deadline)
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	// If the context is canceled, close both sides to unblock the copies.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		err := copyCounted(upstream, client, bp, idle, deadline, &bytesIn)
		closeBoth()
		return err
	})

	g.Go(func() error {
		err := copyCounted(client, upstream, bp, idle, deadline, &bytesOut)
		closeBoth()
		return err
	})

	err = g.Wait()
	return bytesIn, bytesOut, err
}

// copyCounted copies src to dst through a pooled buffer, bumping the read
// deadline before each read so a stalled peer trips the idle timeout
// without ever outliving the absolute deadline.
func copyCounted(dst, src net.Conn, bp *bufferPool, idle time.Duration, deadline time.Time, n *int64) error {
	buf := bp.Get()
	defer bp.Put(buf)

	for {
		if idle > 0 {
			dl := time.Now().Add(idle)
			if !deadline.IsZero() && deadline.Before(dl) {
				dl = deadline
			}
			_ = src.SetReadDeadline(dl)
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			*n += int64(nw)
			if werr != nil {
				return werr
			}
			if nw != nr {
				return io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
