package tcptun_test

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/shadowtun/relaycore/config"
	"github.com/shadowtun/relaycore/device"
	"github.com/shadowtun/relaycore/relay"
	"github.com/shadowtun/relaycore/sockmgr"
	"github.com/shadowtun/relaycore/stats"
	"github.com/shadowtun/relaycore/tcptun"
)

const testNICID tcpip.NICID = 1

// newTestStack builds a real gVisor stack wired to a VirtualDevice, the
// same construction spec.md §2's component table wires end to end
// (device -> sockmgr -> tcptun), grounded on the pack's own TUN-to-stack
// wiring (e.g. other_examples' outline-cli-ws internal/tun_native.go).
func newTestStack(t *testing.T) (*stack.Stack, *device.VirtualDevice) {
	t.Helper()
	dev := device.New(1500, zap.NewNop())

	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := st.CreateNIC(testNICID, dev.Endpoint()); err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}
	_ = st.SetPromiscuousMode(testNICID, true)
	_ = st.SetSpoofing(testNICID, true)
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: testNICID},
		{Destination: header.IPv6EmptySubnet, NIC: testNICID},
	})

	addr := tcpip.AddrFromSlice(net.ParseIP("10.0.0.1").To4())
	protoAddr := tcpip.ProtocolAddress{Protocol: ipv4.ProtocolNumber, AddressWithPrefix: addr.WithPrefix()}
	if err := st.AddProtocolAddress(testNICID, protoAddr, stack.AddressProperties{}); err != nil {
		t.Fatalf("AddProtocolAddress: %v", err)
	}
	return st, dev
}

// pumpLoopback drives frames the stack emits straight back into its own
// ingress queue, so a real SYN/SYN-ACK/ACK handshake and subsequent data
// segments round-trip entirely in memory without a real TUN device — this
// is what lets the test exercise spec.md §8 property 1 (byte-stream
// fidelity) against the real stack rather than a mock.
func pumpLoopback(ctx context.Context, dev *device.VirtualDevice) {
	for {
		frame, err := dev.NextOutbound(ctx)
		if err != nil {
			return
		}
		_ = dev.Inject(frame)
	}
}

type fakeBalancer struct {
	server relay.ServerInfo
}

func (f *fakeBalancer) BestTCPServer(ctx context.Context) (relay.ServerInfo, error) {
	return f.server, nil
}
func (f *fakeBalancer) BestUDPServer(ctx context.Context) (relay.ServerInfo, error) {
	return f.server, nil
}

func TestTCPTunSplicesRealHandshakeToUpstreamEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A plain TCP echo server plays the role of the upstream relay;
	// EstablishTCPTunnel doesn't care that it isn't speaking the real
	// proxy protocol, since DialTCP just opens a stream to server.TCPAddr.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	log := zaptest.NewLogger(t)
	st, dev := newTestStack(t)
	defer st.Close()
	defer dev.Close()
	go pumpLoopback(ctx, dev)

	mgr := sockmgr.New(st, config.DefaultRecvBufferSize, log)
	go mgr.Run(ctx)

	balancer := &fakeBalancer{server: relay.ServerInfo{Name: "echo", TCPAddr: ln.Addr().String()}}
	tcptun.Attach(st, tcptun.Options{
		Manager:  mgr,
		Balancer: balancer,
		Config:   config.DefaultTCPConfig(),
		Stats:    stats.New(),
		Log:      log,
	})

	// Dial from "inside" the stack, as a client behind the TUN would,
	// toward any destination — the forwarder intercepts the SYN
	// regardless of where it's addressed, per spec.md §4.D.
	conn, err := gonet.DialTCPWithBind(
		ctx,
		st,
		tcpip.FullAddress{NIC: testNICID, Addr: tcpip.AddrFromSlice(net.ParseIP("10.0.0.1").To4())},
		tcpip.FullAddress{Addr: tcpip.AddrFromSlice(net.ParseIP("93.184.216.34").To4()), Port: 443},
		header.IPv4ProtocolNumber,
	)
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("hello through the tunnel")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)
}
