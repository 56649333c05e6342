package sockmgr

import "testing"

func TestNotifierCoalesces(t *testing.T) {
	n := newNotifier()
	n.notify()
	n.notify()
	n.notify()

	select {
	case <-n.c():
	default:
		t.Fatal("expected a pending notification")
	}

	select {
	case <-n.c():
		t.Fatal("multiple notifies should coalesce into a single wakeup")
	default:
	}
}
