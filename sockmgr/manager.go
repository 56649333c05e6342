// Package sockmgr implements the socket manager / poller (spec.md §4.C):
// the single long-lived task that owns the userspace stack instance and
// the map of live connections, pumping bytes between each connection's
// ring buffers and its stack-side TCP endpoint.
//
// gVisor's stack.Stack already runs each TCP endpoint's state machine on
// its own goroutine (unlike the Rust original's smoltcp, which advances
// every socket from a single poll() call), so "polling the stack" here
// means visiting each registered endpoint and attempting non-blocking
// reads and writes on it rather than a single stack-wide poll call. The coordination shape spec.md asks for —
// one task, one short-held lock per cycle, a coalescing wakeup, receive
// pumped before send, removals applied after iteration — is preserved
// exactly; only the per-tick "is there work" check changes to fit gVisor's
// event model.
package sockmgr

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/shadowtun/relaycore/config"
	"github.com/shadowtun/relaycore/ringbuf"
	"github.com/shadowtun/relaycore/tcpconn"
)

// idleDelay is the manager's default tick when the stack has signalled no
// pending event, matching spec.md §4.C step 4's "default 50ms if none".
const idleDelay = config.DefaultPollIdleDelay

// socketEntry bundles a stack-side TCP endpoint with the control block it
// feeds, plus a waiter.Entry that calls the manager's Notify. Register
// attaches that entry to a queue it creates itself, not to the
// waiter.Queue the endpoint was created with, so stack-side readiness does
// not wake the manager; stack events are picked up on the next tick, which
// comes from a Conn-side notification or the idle delay.
type socketEntry struct {
	ep    tcpip.Endpoint
	conn  *tcpconn.Conn
	entry waiter.Entry
	queue *waiter.Queue
}

// Manager is the socket manager / poller (spec.md §3, "Socket manager
// state (C)").
type Manager struct {
	Stack *stack.Stack

	mu       sync.Mutex
	sockets  map[tcpip.Endpoint]*socketEntry
	toRemove []tcpip.Endpoint

	wakeup *notifier
	pool   *ringbuf.Pool
	log    *zap.Logger
}

// New constructs a Manager driving st. scratchSize bounds the per-tick
// scratch buffer used to move send-buffer bytes onto the stack (it does not bound
// per-connection buffering, which is governed by each Conn's own ring
// buffer capacities).
func New(st *stack.Stack, scratchSize int, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if scratchSize <= 0 {
		scratchSize = config.DefaultRecvBufferSize
	}
	return &Manager{
		Stack:   st,
		sockets: make(map[tcpip.Endpoint]*socketEntry),
		wakeup:  newNotifier(),
		pool:    ringbuf.NewPool(scratchSize),
		log:     log,
	}
}

// Register admits a newly accepted stack endpoint, wiring it to a fresh
// Conn whose buffer sizes come from cfg, and returns that Conn to the
// caller (tcptun's front-end). Registration and stack-socket lifetime are
// tied together per spec.md §3's invariant: "every key in sockets
// corresponds to a socket currently registered in stack; insertion and
// removal happen together."
func (m *Manager) Register(ep tcpip.Endpoint, cfg config.TCPConfig) *tcpconn.Conn {
	c := tcpconn.New(cfg.SendBufferSize, cfg.RecvBufferSize, m.Notify)

	var queue waiter.Queue
	entry := waiter.NewFunctionEntry(waiter.ReadableEvents|waiter.WritableEvents|waiter.EventHUp|waiter.EventErr, func(waiter.EventMask) {
		m.Notify()
	})
	queue.EventRegister(&entry)
	ep.SocketOptions().SetDelayOption(false)

	m.mu.Lock()
	m.sockets[ep] = &socketEntry{ep: ep, conn: c, entry: entry, queue: &queue}
	m.mu.Unlock()

	m.Notify()
	return c
}

// Notify schedules the manager's next poll iteration; it is safe to call
// from any goroutine and never blocks (spec.md §4.B: "notify the socket
// manager" on every buffer mutation).
func (m *Manager) Notify() { m.wakeup.notify() }

// Run drives the poll loop until ctx is done. It is meant to be the body
// of the single long-lived manager task (spec.md §4.C).
func (m *Manager) Run(ctx context.Context) {
	for {
		m.tick()

		select {
		case <-ctx.Done():
			return
		case <-m.wakeup.c():
		case <-time.After(idleDelay):
		}
	}
}

// tick runs exactly one poll-and-pump cycle (spec.md §4.C steps 1-3).
func (m *Manager) tick() {
	m.mu.Lock()
	defer func() {
		for _, ep := range m.toRemove {
			if e, ok := m.sockets[ep]; ok {
				e.queue.EventUnregister(&e.entry)
				e.ep.Close()
				delete(m.sockets, ep)
			}
		}
		m.toRemove = m.toRemove[:0]
		m.mu.Unlock()
	}()

	scratch := m.pool.Get()
	defer m.pool.Put(scratch)

	for ep, se := range m.sockets {
		m.pumpOne(ep, se, scratch)
	}
}

// pumpOne applies spec.md §4.C step 2 to a single socket. m.mu is held by
// the caller for the whole cycle; no I/O syscall happens here beyond the
// stack's own in-memory endpoint operations, which is what makes holding
// the lock for the cycle acceptable (spec.md §5, §9).
func (m *Manager) pumpOne(ep tcpip.Endpoint, se *socketEntry, scratch []byte) {
	switch ep.State() {
	case tcpip.StateClose, tcpip.StateError:
		se.conn.MarkClosedAndWakeAll()
		m.toRemove = append(m.toRemove, ep)
		return
	}

	if se.conn.IsClosed() {
		// Half-close the stack side and wait for it to reach Closed on a
		// later tick before removing — the two-phase teardown spec.md §9
		// calls out explicitly, to avoid dropping in-flight FIN/ACK.
		ep.Shutdown(tcpip.ShutdownWrite)
		return
	}

	// Receive-pumping happens before send-pumping: this prioritizes
	// surfacing inbound bytes and matches the single-lock window spec.md
	// §4.C mandates. recvSink forwards whatever the stack hands it
	// straight into the Conn's receive ring; since we've just confirmed
	// the ring has room, a single Read call's payload fits in the common
	// case and a short copy simply stops the loop on the next iteration's
	// RecvBufferFull check rather than being treated as a stack error.
	for !se.conn.RecvBufferFull() {
		res, err := ep.Read(recvSink{se.conn}, tcpip.ReadOptions{})
		if err != nil {
			if isWouldBlock(err) {
				break
			}
			m.log.Debug("sockmgr: stack read error, closing socket", zap.Error(errors.New(err.String())))
			se.conn.MarkClosedAndWakeAll()
			m.toRemove = append(m.toRemove, ep)
			return
		}
		if res.Count == 0 {
			break
		}
	}

	for !se.conn.SendBufferEmpty() {
		n := se.conn.DrainSend(scratch)
		if n == 0 {
			break
		}
		_, err := ep.Write(bytes.NewReader(scratch[:n]), tcpip.WriteOptions{})
		if err != nil {
			if isWouldBlock(err) {
				break
			}
			m.log.Debug("sockmgr: stack write error, closing socket", zap.Error(errors.New(err.String())))
			se.conn.MarkClosedAndWakeAll()
			m.toRemove = append(m.toRemove, ep)
			return
		}
	}
}

// recvSink adapts tcpconn.Conn.FillRecv to the io.Writer tcpip.Endpoint.Read
// copies stack-side received bytes into.
type recvSink struct{ conn *tcpconn.Conn }

func (s recvSink) Write(p []byte) (int, error) {
	return s.conn.FillRecv(p), nil
}

func isWouldBlock(err tcpip.Error) bool {
	_, ok := err.(*tcpip.ErrWouldBlock)
	return ok
}
