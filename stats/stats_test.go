package stats_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shadowtun/relaycore/stats"
)

func TestCounters(t *testing.T) {
	s := stats.New()
	s.TCPOpened()
	s.TCPOpened()
	s.TCPClosed()
	s.UDPAssociationOpened()
	s.UDPDropped()
	s.AddSent(100)
	s.AddRecv(50)

	snap := s.Snapshot()
	assert.EqualValues(t, 1, snap.TCPActive)
	assert.EqualValues(t, 2, snap.TCPTotal)
	assert.EqualValues(t, 1, snap.UDPActive)
	assert.EqualValues(t, 1, snap.UDPDropped)
	assert.EqualValues(t, 100, snap.BytesSent)
	assert.EqualValues(t, 50, snap.BytesRecv)
}

func TestMonitoredReaderTalliesBytes(t *testing.T) {
	s := stats.New()
	src := io.NopCloser(bytes.NewReader([]byte("hello world")))
	mr := stats.NewMonitoredReader(src, s, (*stats.FlowStats).AddRecv)

	buf := make([]byte, 32)
	n, err := mr.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.EqualValues(t, 11, s.Snapshot().BytesRecv)
}
