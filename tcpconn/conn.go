// Package tcpconn implements the TCP connection handle (spec.md §4.B): the
// per-flow read/write facade backed by two ring buffers that the socket
// manager (package sockmgr) pumps bytes through on one side, and the
// upstream splicing task reads/writes on the other.
//
// The design — shared ring buffers crossing a lock boundary, coalescing
// wakers, monotonic closure — follows spec.md §3/§4.B/§9 directly; the
// buffering and mutex-guarded handle shape is grounded on the teacher's
// backend/cache.Handle, which likewise hands a caller a read/write facade
// over state a background pump mutates concurrently.
package tcpconn

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/shadowtun/relaycore/ringbuf"
)

// ErrBrokenPipe is returned by Write once the connection is closed and no
// bytes from the call were admitted, per spec.md §4.B.
var ErrBrokenPipe = errors.New("tcpconn: broken pipe")

// Conn is the control block described by spec.md §3 ("TCP connection
// control block (B)"). It is co-owned by the caller holding the handle and
// the socket manager's sockets map; neither side holds a weak reference,
// consistency is enforced by the isClosed flag plus the manager's
// exclusive authority to remove map entries (spec.md §9).
type Conn struct {
	mu      sync.Mutex
	sendBuf *ringbuf.Buffer
	recvBuf *ringbuf.Buffer

	sendWaker waker
	recvWaker waker

	closed atomic.Bool

	// notify pokes the socket manager's coalescing wakeup so it repolls
	// the stack after this handle mutates a buffer (spec.md §4.B: "Upon
	// any successful dequeue/enqueue, notify the socket manager").
	notify func()
}

// New constructs a Conn with the given buffer capacities. notify is called
// after every successful Read/Write to repoll the owning socket manager;
// it must not block.
func New(sendCap, recvCap int, notify func()) *Conn {
	if notify == nil {
		notify = func() {}
	}
	return &Conn{
		sendBuf: ringbuf.New(sendCap),
		recvBuf: ringbuf.New(recvCap),
		notify:  notify,
	}
}

// IsClosed reports whether the control block has reached its terminal
// state. Once true, spec.md §3 guarantees it is never false again.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Read dequeues up to len(dst) bytes from the receive buffer, suspending
// until data arrives or the connection closes. A closed connection with no
// buffered bytes completes immediately with (0, io.EOF), matching spec.md
// §4.B.
func (c *Conn) Read(ctx context.Context, dst []byte) (int, error) {
	for {
		c.mu.Lock()
		if n := c.recvBuf.Read(dst); n > 0 {
			c.mu.Unlock()
			c.notify()
			return n, nil
		}
		if c.closed.Load() {
			c.mu.Unlock()
			return 0, io.EOF
		}
		ch := c.recvWaker.register()
		c.mu.Unlock()

		select {
		case <-ch:
			// Either woken by the manager (data arrived / closed) or
			// displaced by a racing registration; loop and re-check.
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Write enqueues src onto the send buffer, suspending whenever the buffer
// is full, until all of src is admitted or the connection closes. Once
// closed, a Write that has admitted nothing yet fails with ErrBrokenPipe,
// per spec.md §4.B; partial progress already made before closure is
// returned without error, the way a Go io.Writer must.
func (c *Conn) Write(ctx context.Context, src []byte) (int, error) {
	written := 0
	for written < len(src) {
		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			if written > 0 {
				return written, nil
			}
			return 0, ErrBrokenPipe
		}
		if n := c.sendBuf.Write(src[written:]); n > 0 {
			written += n
			c.mu.Unlock()
			c.notify()
			continue
		}
		ch := c.sendWaker.register()
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return written, ctx.Err()
		}
	}
	return written, nil
}

// Flush always succeeds immediately: bytes are never buffered beyond the
// ring, and draining onto the stack is the manager's job (spec.md §4.B).
func (c *Conn) Flush() error { return nil }

// Shutdown marks the connection closed and suspends until the socket
// manager has observed closure, asked the stack to close its half, and
// torn the control block down. It reuses the send waker slot: once closed,
// no further writer can be legitimately suspended on it, so spec.md §4.B's
// "register the current waker in send_waker" is safe to share.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	c.closed.Store(true)
	ch := c.sendWaker.register()
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the handle-drop half of spec.md §4.B: it flags closure
// without waking anyone. The next manager poll tick observes isClosed and
// tears the stack socket down on its own schedule.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// Stream adapts a Conn to io.ReadWriteCloser by binding a fixed context to
// every Read/Write/Shutdown call, for callers (e.g. package relay's
// EstablishTCPTunnel) that expect the stdlib io interfaces rather than
// Conn's context-taking methods.
type Stream struct {
	ctx  context.Context
	conn *Conn
}

// NewStream builds a Stream bound to ctx; cancelling ctx unblocks any
// in-flight Read/Write the same way it would a direct Conn call.
func NewStream(ctx context.Context, conn *Conn) *Stream {
	return &Stream{ctx: ctx, conn: conn}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) { return s.conn.Read(s.ctx, p) }

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) { return s.conn.Write(s.ctx, p) }

// Close implements io.Closer by shutting the connection down, waiting for
// the manager to observe closure (spec.md §4.B's Shutdown semantics)
// rather than dropping it abruptly.
func (s *Stream) Close() error { return s.conn.Shutdown(s.ctx) }

var _ io.ReadWriteCloser = (*Stream)(nil)

// --- manager-facing surface (package sockmgr only) ---

// FillRecv is called by the socket manager to move bytes read from the
// stack into the receive buffer. It returns the number of bytes accepted,
// which may be less than len(data) if the buffer doesn't have room; the
// manager is expected to retry the remainder once more room frees up. If
// any bytes were accepted, the pending reader (if any) is woken exactly
// once, per spec.md §4.C step 2c.
func (c *Conn) FillRecv(data []byte) int {
	c.mu.Lock()
	n := c.recvBuf.Write(data)
	c.mu.Unlock()
	if n > 0 {
		c.recvWaker.fire()
	}
	return n
}

// DrainSend is called by the socket manager to move bytes out of the send
// buffer into the stack. It returns the bytes it removed, written into
// dst. If any bytes were removed, the pending writer (if any) is woken
// exactly once, per spec.md §4.C step 2d.
func (c *Conn) DrainSend(dst []byte) int {
	c.mu.Lock()
	n := c.sendBuf.Read(dst)
	c.mu.Unlock()
	if n > 0 {
		c.sendWaker.fire()
	}
	return n
}

// RecvBufferFull reports whether the receive buffer currently has no room
// for more stack-side data, letting the manager skip a socket this tick
// (spec.md §4.C step 2c).
func (c *Conn) RecvBufferFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvBuf.Full()
}

// SendBufferEmpty reports whether the send buffer has nothing left to
// drain onto the stack (spec.md §4.C step 2d).
func (c *Conn) SendBufferEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendBuf.Empty()
}

// MarkClosedAndWakeAll transitions the control block to closed and wakes
// any suspended reader, writer, or shutdown caller. The manager calls this
// when the stack reports the socket closed or errored (spec.md §4.C steps
// 2a/2c/2d), so that the next Read observes EOF and the next Write
// observes ErrBrokenPipe.
func (c *Conn) MarkClosedAndWakeAll() {
	c.closed.Store(true)
	c.recvWaker.fire()
	c.sendWaker.fire()
}
