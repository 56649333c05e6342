// Package stats accounts for bytes and flow counts moving through the data
// plane. It plays the role of spec.md §6's "flow-statistics handle" and is
// grounded on the teacher's own transfer accounting (bytes/errors counters
// guarded by a single mutex, a wrapping Reader that tallies bytes read).
package stats

import (
	"io"
	"sync/atomic"
)

// FlowStats accumulates byte counters and active-flow gauges for the data
// plane. The zero value is ready to use.
type FlowStats struct {
	bytesSent int64
	bytesRecv int64

	tcpActive   int64
	tcpTotal    int64
	udpActive   int64
	udpDropped  int64
	upstreamErr int64
}

// New returns an initialized FlowStats.
func New() *FlowStats { return &FlowStats{} }

// AddSent records n bytes written upstream.
func (s *FlowStats) AddSent(n int64) { atomic.AddInt64(&s.bytesSent, n) }

// AddRecv records n bytes read from upstream.
func (s *FlowStats) AddRecv(n int64) { atomic.AddInt64(&s.bytesRecv, n) }

// TCPOpened records a new TCP flow being spliced.
func (s *FlowStats) TCPOpened() {
	atomic.AddInt64(&s.tcpActive, 1)
	atomic.AddInt64(&s.tcpTotal, 1)
}

// TCPClosed records a TCP flow's splicing task exiting.
func (s *FlowStats) TCPClosed() { atomic.AddInt64(&s.tcpActive, -1) }

// UDPAssociationOpened records a new UDP association being created.
func (s *FlowStats) UDPAssociationOpened() { atomic.AddInt64(&s.udpActive, 1) }

// UDPAssociationClosed records a UDP association being evicted or dropped.
func (s *FlowStats) UDPAssociationClosed() { atomic.AddInt64(&s.udpActive, -1) }

// UDPDropped records a datagram dropped under overload (spec.md §8,
// property 5).
func (s *FlowStats) UDPDropped() { atomic.AddInt64(&s.udpDropped, 1) }

// UpstreamError records a transient upstream I/O failure (spec.md §7).
func (s *FlowStats) UpstreamError() { atomic.AddInt64(&s.upstreamErr, 1) }

// Snapshot is a point-in-time copy of the counters, safe to log or export.
type Snapshot struct {
	BytesSent      int64
	BytesRecv      int64
	TCPActive      int64
	TCPTotal       int64
	UDPActive      int64
	UDPDropped     int64
	UpstreamErrors int64
}

// Snapshot returns the current counter values.
func (s *FlowStats) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:      atomic.LoadInt64(&s.bytesSent),
		BytesRecv:      atomic.LoadInt64(&s.bytesRecv),
		TCPActive:      atomic.LoadInt64(&s.tcpActive),
		TCPTotal:       atomic.LoadInt64(&s.tcpTotal),
		UDPActive:      atomic.LoadInt64(&s.udpActive),
		UDPDropped:     atomic.LoadInt64(&s.udpDropped),
		UpstreamErrors: atomic.LoadInt64(&s.upstreamErr),
	}
}

// MonitoredReadCloser wraps an io.ReadCloser and tallies every byte read
// into a FlowStats, the way the teacher's Account type wraps a transfer's
// io.ReadCloser to feed the global Stats counters.
type MonitoredReadCloser struct {
	in     io.ReadCloser
	stats  *FlowStats
	record func(s *FlowStats, n int64)
}

// NewMonitoredReader wraps in so every Read tallies into stats via record
// (typically stats.AddRecv or stats.AddSent, depending on direction).
func NewMonitoredReader(in io.ReadCloser, s *FlowStats, record func(*FlowStats, int64)) *MonitoredReadCloser {
	return &MonitoredReadCloser{in: in, stats: s, record: record}
}

// Read implements io.Reader.
func (m *MonitoredReadCloser) Read(p []byte) (int, error) {
	n, err := m.in.Read(p)
	if n > 0 && m.record != nil {
		m.record(m.stats, int64(n))
	}
	return n, err
}

// Close implements io.Closer.
func (m *MonitoredReadCloser) Close() error { return m.in.Close() }

var _ io.ReadCloser = (*MonitoredReadCloser)(nil)
