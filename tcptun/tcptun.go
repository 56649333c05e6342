// Package tcptun implements the TCP tunnel front-end (spec.md §4.D):
// catch-all interception of SYNs bound for any destination, handing each
// accepted connection to the socket manager and splicing it to a freshly
// dialed upstream relay stream.
//
// spec.md narrates this component the way the Rust original's smoltcp
// integration does it: inspect every inbound frame for a SYN-without-ACK
// and pre-create a listening socket per distinct destination address seen.
// gVisor already generalizes that exact pattern behind tcp.Forwarder
// (tcp.NewForwarder / stack.SetTransportProtocolHandler): register one
// forwarder for the TCP protocol and the stack invokes it for every new
// inbound SYN regardless of destination, handing back a request that can
// be completed into an accepted endpoint. There is nothing left for this
// package to reimplement at the frame-inspection level; it consumes the
// forwarder the way other_examples' proxy/listener implementations
// consume net.Listener.Accept.
package tcptun

import (
	"context"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/shadowtun/relaycore/config"
	"github.com/shadowtun/relaycore/relay"
	"github.com/shadowtun/relaycore/sockmgr"
	"github.com/shadowtun/relaycore/stats"
	"github.com/shadowtun/relaycore/tcpconn"
)

// forwarderMaxInFlightSegments bounds the number of SYNs gVisor will hold
// in its completion queue while user code (our forwarder callback) is
// still handling earlier ones.
const forwarderMaxInFlightSegments = 128

// Front is the TCP tunnel front-end: it registers a TCP forwarder on a
// stack and splices every accepted connection to an upstream relay.
type Front struct {
	manager  *sockmgr.Manager
	balancer relay.Balancer
	cfg      config.TCPConfig
	stats    *stats.FlowStats
	log      *zap.Logger
}

// Options bundles Front's dependencies.
type Options struct {
	Manager  *sockmgr.Manager
	Balancer relay.Balancer
	Config   config.TCPConfig
	Stats    *stats.FlowStats
	Log      *zap.Logger
}

// OptionsFromServiceContext builds Options from a relay.ServiceContext
// (spec.md §6's "Service context"), falling back to cfg defaults for any
// field the context leaves unset.
func OptionsFromServiceContext(mgr *sockmgr.Manager, balancer relay.Balancer, sc relay.ServiceContext, defaults config.TCPConfig, log *zap.Logger) Options {
	sendBuf, recvBuf, keepAlive, idle := sc.TCPAcceptOptions(relay.TCPDefaults{
		SendBufferSize: defaults.SendBufferSize,
		RecvBufferSize: defaults.RecvBufferSize,
		IdleTimeout:    defaults.IdleTimeout,
	})
	return Options{
		Manager:  mgr,
		Balancer: balancer,
		Config: config.TCPConfig{
			SendBufferSize: sendBuf,
			RecvBufferSize: recvBuf,
			KeepAlive:      keepAlive,
			IdleTimeout:    idle,
		},
		Stats: sc.Stats,
		Log:   log,
	}
}

// Attach registers the catch-all TCP forwarder on st. Every accepted
// connection is registered with opts.Manager and spliced to the server
// opts.Balancer selects, via relay.EstablishTCPTunnel.
func Attach(st *stack.Stack, opts Options) *Front {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	f := &Front{
		manager:  opts.Manager,
		balancer: opts.Balancer,
		cfg:      opts.Config,
		stats:    opts.Stats,
		log:      log,
	}

	fwd := tcp.NewForwarder(st, 0, forwarderMaxInFlightSegments, f.handleForwarderRequest)
	st.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)
	return f
}

// handleForwarderRequest is gVisor's per-SYN callback: it completes the
// handshake into an accepted endpoint, then hands that endpoint to the
// socket manager and starts splicing in a new goroutine.
func (f *Front) handleForwarderRequest(r *tcp.ForwarderRequest) {
	id := r.ID()

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		f.log.Debug("tcptun: failed to complete handshake", zap.String("err", err.String()))
		r.Complete(true)
		return
	}
	r.Complete(false)

	if f.cfg.KeepAlive != nil {
		ep.SocketOptions().SetKeepAliveEnabled(true)
		ep.SocketOptions().SetKeepAliveIdle(tcpip.KeepaliveIdleOption(*f.cfg.KeepAlive))
		ep.SocketOptions().SetKeepAliveInterval(tcpip.KeepaliveIntervalOption(*f.cfg.KeepAlive))
	}

	if f.cfg.IdleTimeout > 0 {
		userTimeout := tcpip.TCPUserTimeoutOption(f.cfg.IdleTimeout)
		if err := ep.SetSockOpt(&userTimeout); err != nil {
			f.log.Debug("tcptun: failed to set idle timeout", zap.String("err", err.String()))
		}
	}

	dst := unmapIPv4(net.JoinHostPort(id.RemoteAddress.String(), strconv.Itoa(int(id.RemotePort))))
	origDst := unmapIPv4(net.JoinHostPort(id.LocalAddress.String(), strconv.Itoa(int(id.LocalPort))))

	c := f.manager.Register(ep, f.cfg)
	if f.stats != nil {
		f.stats.TCPOpened()
	}

	stream := tcpconn.NewStream(context.Background(), c)
	go f.splice(stream, dst, origDst)
}

// splice dials the best upstream server and runs the tunnel until either
// side tears down.
func (f *Front) splice(conn relay.TCPRelayStream, peerAddr, originalDst string) {
	ctx := context.Background()
	defer func() {
		if f.stats != nil {
			f.stats.TCPClosed()
		}
	}()

	server, err := f.balancer.BestTCPServer(ctx)
	if err != nil {
		f.log.Warn("tcptun: no upstream server available", zap.Error(err))
		_ = conn.Close()
		return
	}

	remote, err := relay.DialTCP(ctx, server, originalDst)
	if err != nil {
		f.log.Warn("tcptun: failed to dial upstream", zap.String("server", server.Name), zap.Error(err))
		if f.stats != nil {
			f.stats.UpstreamError()
		}
		_ = conn.Close()
		return
	}

	if err := relay.EstablishTCPTunnel(ctx, server.Tunnel, conn, remote); err != nil {
		f.log.Debug("tcptun: tunnel ended with error", zap.String("peer", peerAddr), zap.Error(err))
	}
}

// unmapIPv4 rewrites an IPv4-mapped IPv6 address (e.g. "[::ffff:10.0.0.1]:443")
// down to its plain IPv4 form ("10.0.0.1:443"). gVisor's dual-stack
// endpoints report IPv4 peers in mapped form; the original implementation
// does this same unmapping before logging or forwarding an address
// (spec.md §10, supplemented feature).
func unmapIPv4(hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return hostport
	}
	if v4 := ip.To4(); v4 != nil && strings.Contains(host, ":") {
		return net.JoinHostPort(v4.String(), port)
	}
	return hostport
}
