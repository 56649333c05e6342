package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/shadowtun/relaycore/config"
	"github.com/shadowtun/relaycore/device"
)

type fakeDispatcher struct {
	delivered chan struct{}
}

func (f *fakeDispatcher) DeliverNetworkPacket(proto tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	close(f.delivered)
}

func (f *fakeDispatcher) DeliverLinkPacket(proto tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
}

func minimalIPv4Frame() []byte {
	// Version/IHL nibble set to IPv4 with a 20-byte header; the rest of the
	// bytes are irrelevant to this test, which only checks that the
	// endpoint's dispatcher is invoked.
	frame := make([]byte, 20)
	frame[0] = 0x45
	return frame
}

func TestInjectDeliversToDispatcher(t *testing.T) {
	d := device.New(1500, zaptest.NewLogger(t))
	defer d.Close()

	fd := &fakeDispatcher{delivered: make(chan struct{})}
	d.Endpoint().Attach(fd)

	require.NoError(t, d.Inject(minimalIPv4Frame()))

	select {
	case <-fd.delivered:
	case <-time.After(time.Second):
		t.Fatal("frame was never delivered to the attached dispatcher")
	}
}

func TestInjectRejectsUnknownProtocol(t *testing.T) {
	d := device.New(1500, zaptest.NewLogger(t))
	defer d.Close()

	err := d.Inject([]byte{0x00})
	assert.Error(t, err)
}

func TestNextOutboundCancels(t *testing.T) {
	d := device.New(1500, zaptest.NewLogger(t))
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.NextOutbound(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFromConfigFallsBackToDefaultMTU(t *testing.T) {
	d := device.NewFromConfig(config.DeviceConfig{}, zaptest.NewLogger(t))
	defer d.Close()

	require.NotNil(t, d)
	assert.EqualValues(t, config.DefaultMTU, d.Endpoint().MTU())
}
