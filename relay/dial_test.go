package relay_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowtun/relaycore/relay"
	"github.com/shadowtun/relaycore/stats"
)

func TestDialTCPFailsOnUnreachableServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := relay.DialTCP(ctx, relay.ServerInfo{Name: "a", TCPAddr: "127.0.0.1:1"}, "ignored")
	assert.Error(t, err)
}

func TestDialUDPSendRecvRoundTrip(t *testing.T) {
	st := stats.New()

	serverPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverPC.Close()

	sock, err := relay.DialUDP(context.Background(), relay.ServerInfo{Name: "a"}, st)
	require.NoError(t, err)
	defer sock.Close()

	require.NoError(t, sock.Send(serverPC.LocalAddr().String(), []byte("hello")))

	buf := make([]byte, 64)
	n, addr, err := serverPC.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = serverPC.WriteTo([]byte("world"), addr)
	require.NoError(t, err)

	buf2 := make([]byte, 64)
	n2, _, err := sock.Recv(buf2)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf2[:n2]))

	snap := st.Snapshot()
	assert.Equal(t, int64(5), snap.BytesSent)
	assert.Equal(t, int64(5), snap.BytesRecv)
}
