// Package udpassoc implements the per-client UDP association (spec.md
// §4.E): a bounded pending-datagram queue plus a worker that shuttles
// payloads between the client and a lazily-opened upstream relay socket.
// The overall shape — a map key, a buffered channel, a cancel func, and a
// goroutine pumping both directions — mirrors the teacher pack's own
// session/proxy pattern (other_examples' Fokir-Ianus-Split-Tunnel-VPN
// UDPProxy/UDPSession), adapted to the relay.Balancer/UDPRelaySocket
// interfaces instead of a VPN tunnel connection.
package udpassoc

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/shadowtun/relaycore/config"
	"github.com/shadowtun/relaycore/relay"
	"github.com/shadowtun/relaycore/stats"
)

// ErrQueueFull is returned by TrySend when the association's pending queue
// has no room, per spec.md §4.E's "fails with a channel-full error."
var ErrQueueFull = errQueueFull{}

type errQueueFull struct{}

func (errQueueFull) Error() string { return "udpassoc: pending queue full" }

// LocalSocket is the shared local UDP socket the front-end (udptun) binds
// once and associations write client-bound replies onto.
type LocalSocket interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Association owns one client's worker and pending-datagram queue. The zero
// value is not usable; construct with New.
type Association struct {
	PeerAddr    net.Addr
	ForwardAddr string

	queue  chan []byte
	cancel context.CancelFunc

	balancer relay.Balancer
	local    LocalSocket
	stats    *stats.FlowStats
	log      *zap.Logger

	upstream relay.UDPRelaySocket

	// keepalive receives this association's PeerAddr after each successful
	// upstream->client datagram, so the front-end's keep-alive handler can
	// refresh the LRU entry (spec.md §4.F "Keep-alive handler").
	keepalive chan<- net.Addr
}

// Config bundles the dependencies New needs, so call sites don't thread
// eight positional arguments.
type Config struct {
	PeerAddr    net.Addr
	ForwardAddr string
	Balancer    relay.Balancer
	Local       LocalSocket
	Stats       *stats.FlowStats
	Log         *zap.Logger
	Keepalive   chan<- net.Addr
	QueueSize   int
}

// New creates an Association and starts its worker goroutine. Call Close
// to tear it down (cancels the worker's context; the queue itself is not
// closed).
func New(ctx context.Context, cfg Config) *Association {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultAssocQueueSize
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &Association{
		PeerAddr:    cfg.PeerAddr,
		ForwardAddr: cfg.ForwardAddr,
		queue:       make(chan []byte, queueSize),
		cancel:      cancel,
		balancer:    cfg.Balancer,
		local:       cfg.Local,
		stats:       cfg.Stats,
		log:         log,
		keepalive:   cfg.Keepalive,
	}
	go a.run(ctx)
	return a
}

// TrySend offers payload onto the association's pending queue without
// blocking. A full queue drops the packet: spec.md §4.E's explicit
// memory-bounding policy.
func (a *Association) TrySend(payload []byte) error {
	select {
	case a.queue <- payload:
		return nil
	default:
		if a.stats != nil {
			a.stats.UDPDropped()
		}
		return ErrQueueFull
	}
}

// Close stops the worker and releases any open upstream socket.
func (a *Association) Close() {
	a.cancel()
}

func (a *Association) run(ctx context.Context) {
	defer func() {
		if a.upstream != nil {
			_ = a.upstream.Close()
			a.upstream = nil
		}
	}()

	recvCh := make(chan recvResult, 1)
	recvPending := false

	for {
		if a.upstream != nil && !recvPending {
			recvPending = true
			go a.recvOnce(a.upstream, recvCh)
		}

		select {
		case <-ctx.Done():
			return

		case payload, ok := <-a.queue:
			if !ok {
				return
			}
			a.forward(ctx, payload)

		case res := <-recvCh:
			recvPending = false
			if res.upstream != a.upstream {
				// A stale receiver from a socket we've already replaced;
				// ignore its result.
				continue
			}
			a.handleUpstreamRecv(ctx, res)
		}
	}
}

type recvResult struct {
	upstream relay.UDPRelaySocket
	n        int
	addr     string
	err      error
	buf      []byte
}

func (a *Association) recvOnce(sock relay.UDPRelaySocket, out chan<- recvResult) {
	buf := make([]byte, 65535)
	n, addr, err := sock.Recv(buf)
	out <- recvResult{upstream: sock, n: n, addr: addr, err: err, buf: buf}
}

// forward implements the client->upstream arm of spec.md §4.E's worker
// loop.
func (a *Association) forward(ctx context.Context, payload []byte) {
	if a.upstream == nil {
		server, err := a.balancer.BestUDPServer(ctx)
		if err != nil {
			a.log.Warn("udpassoc: no upstream server available", zap.Error(err))
			return
		}
		sock, err := relay.DialUDP(ctx, server, a.stats)
		if err != nil {
			a.log.Warn("udpassoc: failed to open upstream socket", zap.Error(err))
			return
		}
		a.upstream = sock
	}

	if err := a.upstream.Send(a.ForwardAddr, payload); err != nil {
		a.log.Warn("udpassoc: upstream send failed, will reconnect", zap.Error(err))
		_ = a.upstream.Close()
		a.upstream = nil
	}
}

// handleUpstreamRecv implements the upstream->client arm: writes the
// datagram back to the client and pings the keep-alive channel.
func (a *Association) handleUpstreamRecv(ctx context.Context, res recvResult) {
	if res.err != nil {
		a.log.Warn("udpassoc: upstream recv failed, will reconnect", zap.Error(res.err))
		if a.upstream == res.upstream {
			_ = a.upstream.Close()
			a.upstream = nil
		}
		return
	}

	if _, err := a.local.WriteTo(res.buf[:res.n], a.PeerAddr); err != nil {
		a.log.Warn("udpassoc: write back to client failed", zap.Error(err))
	}

	a.sendKeepalive(ctx)
}

// sendKeepalive pings the front-end's keep-alive channel with a 1-second
// timeout, dropping the ping under congestion per spec.md §4.E.
func (a *Association) sendKeepalive(ctx context.Context) {
	if a.keepalive == nil {
		return
	}
	timer := time.NewTimer(config.DefaultKeepAliveTimeout)
	defer timer.Stop()
	select {
	case a.keepalive <- a.PeerAddr:
	case <-timer.C:
	case <-ctx.Done():
	}
}
