package relay

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/shadowtun/relaycore/stats"
)

// DialTCP opens a TCPRelayStream to server. The reference implementation
// dials the relay's TCP address directly; the encrypted proxy protocol
// that would negotiate dst on top of this stream is the codec spec.md §1
// marks out of scope, and is free to wrap the returned stream.
func DialTCP(ctx context.Context, server ServerInfo, dst string) (TCPRelayStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", server.TCPAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "relay: dial tcp server %s", server.Name)
	}
	return conn, nil
}

// udpRelaySocket is the reference UDPRelaySocket: a plain net.PacketConn
// wrapped with flow-statistics accounting, matching spec.md §6's "wrapped
// by a monitor that updates flow statistics."
type udpRelaySocket struct {
	pc    net.PacketConn
	stats *stats.FlowStats
}

// DialUDP opens an unconnected local UDPRelaySocket, monitored by st. The
// reference implementation does not contact server: server.UDPAddr is not
// used, Send writes each payload straight to the address it is given, and
// server.Name only labels errors.
func DialUDP(ctx context.Context, server ServerInfo, st *stats.FlowStats) (UDPRelaySocket, error) {
	pc, err := net.ListenPacket("udp", "")
	if err != nil {
		return nil, errors.Wrapf(err, "relay: open udp socket for server %s", server.Name)
	}
	return &udpRelaySocket{pc: pc, stats: st}, nil
}

func (u *udpRelaySocket) Send(addr string, payload []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "relay: resolve udp addr %s", addr)
	}
	n, err := u.pc.WriteTo(payload, raddr)
	if err != nil {
		return errors.Wrap(err, "relay: udp send")
	}
	if u.stats != nil {
		u.stats.AddSent(int64(n))
	}
	return nil
}

func (u *udpRelaySocket) Recv(buf []byte) (int, string, error) {
	n, addr, err := u.pc.ReadFrom(buf)
	if err != nil {
		return 0, "", errors.Wrap(err, "relay: udp recv")
	}
	if u.stats != nil {
		u.stats.AddRecv(int64(n))
	}
	return n, addr.String(), nil
}

func (u *udpRelaySocket) Close() error { return u.pc.Close() }

var _ UDPRelaySocket = (*udpRelaySocket)(nil)
