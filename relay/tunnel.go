package relay

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shadowtun/relaycore/tcpconn"
)

// EstablishTCPTunnel performs the bidirectional copy between local (a
// tcpconn.Conn, behind the io.ReadWriteCloser facade) and remote, honoring
// cfg's idle timeout, per spec.md §6's "Tunneling helper." Either side
// closing, erroring, or the idle watchdog firing tears down both ends.
func EstablishTCPTunnel(ctx context.Context, cfg ServerTunnelConfig, local io.ReadWriteCloser, remote TCPRelayStream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	if cfg.IdleTimeout > 0 {
		go idleWatchdog(ctx, cfg.IdleTimeout, &lastActivity, cancel)
	}

	g, ctx := errgroup.WithContext(ctx)
	// Closing both ends is what unblocks the copy goroutines once either
	// direction finishes or the idle watchdog cancels ctx.
	go func() {
		<-ctx.Done()
		_ = local.Close()
		_ = remote.Close()
	}()
	g.Go(func() error {
		defer cancel()
		_, err := io.Copy(remote, &activityReader{r: local, touch: touch})
		return ignoreClosedErr(err)
	})
	g.Go(func() error {
		defer cancel()
		_, err := io.Copy(local, &activityReader{r: remote, touch: touch})
		return ignoreClosedErr(err)
	})

	err := g.Wait()
	_ = local.Close()
	_ = remote.Close()
	return err
}

func idleWatchdog(ctx context.Context, timeout time.Duration, lastActivity *atomic.Int64, cancel context.CancelFunc) {
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, lastActivity.Load())
			if time.Since(last) >= timeout {
				cancel()
				return
			}
		}
	}
}

type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

// ignoreClosedErr swallows io.EOF and the broken-pipe error tcpconn.Conn
// returns once a peer has torn its side down — those are the ordinary end
// of a splice, not a tunnel failure worth surfacing.
func ignoreClosedErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, tcpconn.ErrBrokenPipe) {
		return nil
	}
	return err
}
