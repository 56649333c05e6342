package relay_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowtun/relaycore/relay"
)

// pipeConn adapts a net.Conn half of an in-memory pipe to TCPRelayStream.
type pipeConn struct{ net.Conn }

func TestEstablishTCPTunnelSplicesBothDirections(t *testing.T) {
	localA, localB := net.Pipe()
	remoteA, remoteB := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- relay.EstablishTCPTunnel(context.Background(), relay.ServerTunnelConfig{}, localA, pipeConn{remoteA})
	}()

	// Client writes to localB; expect it to arrive on remoteB.
	go func() { _, _ = localB.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(remoteB, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	// Upstream replies; expect it to arrive back at the client.
	go func() { _, _ = remoteB.Write([]byte("pong")) }()
	_, err = io.ReadFull(localB, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	require.NoError(t, localB.Close())
	require.NoError(t, remoteB.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tunnel never tore down after both peers closed")
	}
}

func TestEstablishTCPTunnelIdleTimeout(t *testing.T) {
	localA, localB := net.Pipe()
	remoteA, remoteB := net.Pipe()
	defer localB.Close()
	defer remoteB.Close()

	done := make(chan error, 1)
	go func() {
		done <- relay.EstablishTCPTunnel(context.Background(), relay.ServerTunnelConfig{IdleTimeout: 30 * time.Millisecond}, localA, pipeConn{remoteA})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle tunnel was never torn down by the watchdog")
	}
}
