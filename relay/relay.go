// Package relay defines the external collaborators spec.md §6 names as
// injected dependencies — the load balancer, the proxied TCP/UDP streams,
// and the service context — plus reference implementations sufficient to
// exercise the data plane end to end. The real encrypted proxy protocol
// codec (spec.md §1, "Out of scope") is free to replace DialTCP/DialUDP;
// everything above that line (the balancer contract, the tunneling
// helper, the service context shape) is part of this module's surface.
package relay

import (
	"context"
	"io"
	"time"

	"github.com/shadowtun/relaycore/stats"
)

// ServerInfo describes a single upstream relay server, as returned by a
// Balancer query (spec.md §6).
type ServerInfo struct {
	Name    string
	TCPAddr string
	UDPAddr string
	Tunnel  ServerTunnelConfig
}

// ServerTunnelConfig is the per-server tunnel configuration EstablishTCPTunnel
// consults (spec.md §6, "Tunneling helper... server-configuration-specific
// semantics").
type ServerTunnelConfig struct {
	// IdleTimeout closes a splice if neither direction carries data for
	// this long. Zero disables the idle watchdog.
	IdleTimeout time.Duration
}

// Balancer selects the currently preferred upstream relay for a new TCP
// flow or UDP association (spec.md §6).
type Balancer interface {
	BestTCPServer(ctx context.Context) (ServerInfo, error)
	BestUDPServer(ctx context.Context) (ServerInfo, error)
}

// TCPRelayStream is the duplex byte stream AutoProxyClientStream::connect
// returns in spec.md §6.
type TCPRelayStream interface {
	io.ReadWriteCloser
}

// UDPRelaySocket is the send/recv contract ProxySocket exposes in spec.md
// §6.
type UDPRelaySocket interface {
	Send(addr string, payload []byte) error
	// Recv blocks until a datagram arrives or the socket is closed,
	// returning the payload length and the address it came from.
	Recv(buf []byte) (n int, addr string, err error)
	Close() error
}

// ServiceContext bundles the TCP accept options, name resolution, and
// flow-statistics handle. It carries no connect options. Callers
// assembling a tcptun.Front or udptun.Front build their accept options
// from one of these rather than wiring buffer sizes and the stats handle
// separately.
type ServiceContext struct {
	TCPSendBufferSize int
	TCPRecvBufferSize int
	TCPKeepAlive      *time.Duration
	TCPIdleTimeout    time.Duration

	ResolveName func(ctx context.Context, host string) (string, error)

	Stats *stats.FlowStats
}

// TCPAcceptOptions derives the per-socket buffer/keep-alive settings
// tcptun registers newly accepted endpoints with, so callers don't need
// to duplicate ServiceContext's fields into a separate config value by
// hand.
func (sc ServiceContext) TCPAcceptOptions(defaults TCPDefaults) (sendBuf, recvBuf int, keepAlive *time.Duration, idle time.Duration) {
	sendBuf = sc.TCPSendBufferSize
	if sendBuf <= 0 {
		sendBuf = defaults.SendBufferSize
	}
	recvBuf = sc.TCPRecvBufferSize
	if recvBuf <= 0 {
		recvBuf = defaults.RecvBufferSize
	}
	idle = sc.TCPIdleTimeout
	if idle <= 0 {
		idle = defaults.IdleTimeout
	}
	return sendBuf, recvBuf, sc.TCPKeepAlive, idle
}

// TCPDefaults is the subset of config.TCPConfig's defaults
// TCPAcceptOptions falls back to when a ServiceContext leaves a field
// unset. Defined here rather than importing package config directly, to
// avoid relay depending on the config package merely for its zero-value
// fallbacks.
type TCPDefaults struct {
	SendBufferSize int
	RecvBufferSize int
	IdleTimeout    time.Duration
}
