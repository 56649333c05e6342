// Package config holds the in-memory configuration shapes the data plane
// consumes. Loading these from a file, flags, or environment is out of
// scope (spec.md §1) — this package only defines the values and defaults.
package config

import "time"

// Defaults named by spec.md §6.
const (
	DefaultSendBufferSize   = 16384
	DefaultRecvBufferSize   = 87380
	DefaultIdleTimeout      = 2 * time.Hour
	DefaultTimeToLive       = 5 * time.Minute
	DefaultMTU              = 1500
	DefaultAssocQueueSize   = 128
	DefaultPollIdleDelay    = 50 * time.Millisecond
	DefaultKeepAliveTimeout = time.Second
)

// TCPConfig configures the TCP tun front-end (spec.md §4.D) and the
// per-connection buffers it provisions (spec.md §3 "TCP connection control
// block").
type TCPConfig struct {
	// SendBufferSize is the capacity of a connection's send ring buffer.
	SendBufferSize int
	// RecvBufferSize is the capacity of a connection's receive ring buffer.
	RecvBufferSize int
	// KeepAlive is the stack-level TCP keep-alive probe interval. Nil
	// disables keep-alive probing, matching spec.md §6's "optional
	// Duration".
	KeepAlive *time.Duration
	// IdleTimeout is applied to each accepted endpoint as its TCP user
	// timeout: the connection is aborted once sent data has stayed
	// unacknowledged for this long. A connection with no data in flight is
	// not closed by it.
	IdleTimeout time.Duration
}

// DefaultTCPConfig returns the defaults spec.md §6 documents.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		SendBufferSize: DefaultSendBufferSize,
		RecvBufferSize: DefaultRecvBufferSize,
		IdleTimeout:    DefaultIdleTimeout,
	}
}

// UDPConfig configures the UDP tunnel front-end (spec.md §4.F) and its
// association table (spec.md §3 "Association table").
type UDPConfig struct {
	// TimeToLive is the LRU entry expiry duration.
	TimeToLive time.Duration
	// Capacity bounds the number of concurrently live associations. Zero
	// means unbounded, matching spec.md §3's "optional".
	Capacity int
	// QueueCapacity bounds the per-association pending-datagram queue.
	QueueCapacity int
}

// DefaultUDPConfig returns the defaults spec.md §3/§5 document.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		TimeToLive:    DefaultTimeToLive,
		QueueCapacity: DefaultAssocQueueSize,
	}
}

// DeviceConfig configures the virtual device (spec.md §4.A).
type DeviceConfig struct {
	// MTU is advertised to the stack as the link's maximum transmission
	// unit.
	MTU uint32
}

// DefaultDeviceConfig returns the default MTU.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{MTU: DefaultMTU}
}
