package sockmgr

// notifier is the manager's single-slot, coalescing wakeup: any number of
// notifications collected while the manager is busy collapse into one
// pending wakeup, avoiding the thundering-herd of one signal per mutated
// connection that spec.md §4.C and §9 explicitly call out as the problem
// this primitive solves.
type notifier struct {
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{}, 1)}
}

// notify schedules a wakeup. Extra calls before the manager drains the
// channel are no-ops.
func (n *notifier) notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// c is the channel the manager selects on between poll iterations.
func (n *notifier) c() <-chan struct{} { return n.ch }
