// Package device implements the virtual device (spec.md §4.A): the queue
// pair that bridges raw IP frames between the outside world (a TUN device,
// out of scope per spec.md §1) and the userspace TCP/IP stack.
//
// It is a thin wrapper around gVisor's channel.Endpoint, the Go ecosystem's
// direct counterpart to the Rust original's smoltcp "virtual" medium:
// several retrieved reference implementations (notably
// coder-tailscale/wgengine/netstack/endpoint.go) wire a TUN exactly this
// way, and gVisor's own channel package already implements the queue-pair
// semantics spec.md §4.A describes, so there is nothing to reimplement.
package device

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/shadowtun/relaycore/config"
)

const (
	ipv4ProtocolNumber = header.IPv4ProtocolNumber
	ipv6ProtocolNumber = header.IPv6ProtocolNumber
)

// outboundQueueSize bounds how many egress frames the stack may have
// in flight before NextOutbound is called. spec.md §4.A requires this
// queue be "unbounded or large enough that the stack never stalls while
// under lock by (C)"; a few thousand frames comfortably covers a full
// manager poll tick at line rate.
const outboundQueueSize = 4096

// VirtualDevice is the stack.LinkEndpoint the socket manager attaches to
// its stack, and the two-operation contract (inject/next) the outside
// world drives it with.
type VirtualDevice struct {
	ep  *channel.Endpoint
	mtu uint32
	log *zap.Logger
}

// New constructs a VirtualDevice advertising the given MTU to the stack.
func New(mtu uint32, log *zap.Logger) *VirtualDevice {
	if log == nil {
		log = zap.NewNop()
	}
	return &VirtualDevice{
		ep:  channel.New(outboundQueueSize, mtu, ""),
		mtu: mtu,
		log: log,
	}
}

// NewFromConfig constructs a VirtualDevice from a config.DeviceConfig
// (spec.md §4.A), falling back to config.DefaultMTU when cfg.MTU is unset.
func NewFromConfig(cfg config.DeviceConfig, log *zap.Logger) *VirtualDevice {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = config.DefaultMTU
	}
	return New(mtu, log)
}

// Endpoint returns the stack.LinkEndpoint to register with the socket
// manager's stack.
func (d *VirtualDevice) Endpoint() stack.LinkEndpoint { return d.ep }

// Inject places a raw IP frame captured from the outside world onto the
// ingress queue, making it visible to the stack on its next poll. Per
// spec.md §3 ("Frame queue (A)"), the buffer is opaque: no inspection
// happens here beyond what's needed to hand it to the stack.
func (d *VirtualDevice) Inject(frame []byte) error {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: bufferFromBytes(frame),
	})
	defer pkt.DecRef()

	proto, ok := protocolNumber(frame)
	if !ok {
		return errors.New("device: frame is neither IPv4 nor IPv6")
	}
	d.ep.InjectInbound(proto, pkt)
	return nil
}

// NextOutbound blocks until the stack has produced an egress frame, or ctx
// is done. When ctx is done it returns nil and ctx.Err().
func (d *VirtualDevice) NextOutbound(ctx context.Context) ([]byte, error) {
	pkt := d.ep.ReadContext(ctx)
	if pkt == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			// The endpoint was closed out from under us (e.g. by Close).
			// This is logged and returned as an error; it does not panic,
			// so callers' read loops simply stop on it.
			d.log.Error("device: outbound queue closed unexpectedly")
			return nil, errors.New("device: outbound endpoint closed")
		}
	}
	defer pkt.DecRef()
	return pkt.ToView().AsSlice(), nil
}

// Close tears down the endpoint, releasing any queued outbound packets.
func (d *VirtualDevice) Close() { d.ep.Close() }

func bufferFromBytes(b []byte) buffer.Buffer {
	// Copy so the caller's frame slice (owned by the TUN read loop) can be
	// reused the instant Inject returns.
	cp := make([]byte, len(b))
	copy(cp, b)
	return buffer.MakeWithData(cp)
}

func protocolNumber(frame []byte) (tcpip.NetworkProtocolNumber, bool) {
	if len(frame) == 0 {
		return 0, false
	}
	switch frame[0] >> 4 {
	case 4:
		return ipv4ProtocolNumber, true
	case 6:
		return ipv6ProtocolNumber, true
	default:
		return 0, false
	}
}
