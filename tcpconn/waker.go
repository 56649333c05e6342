package tcpconn

import "sync"

// waker is a single-slot wakeup token: at most one caller may be
// suspended on it at a time (spec.md §3, "Only one writer may be suspended
// on send_buffer at a time"). Registering a new token while one is
// outstanding closes the stale token first so its waiter is woken rather
// than silently dropped, per spec.md §4.B and §5 ("replace-and-wake-if-
// different").
type waker struct {
	mu sync.Mutex
	ch chan struct{}
}

// register installs a fresh token and returns the channel the caller
// should select on; it is closed exactly once, by fire or by a subsequent
// register call displacing it.
func (w *waker) register() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch != nil {
		close(w.ch)
	}
	ch := make(chan struct{})
	w.ch = ch
	return ch
}

// fire wakes the currently registered token, if any, and clears it. It is
// the one-shot "take it" semantics spec.md §4.C describes for the
// manager's pumping loop.
func (w *waker) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch != nil {
		close(w.ch)
		w.ch = nil
	}
}
