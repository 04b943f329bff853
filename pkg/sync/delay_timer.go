package sync

import (
	"sync"
	"time"
)

// DelayTimer runs a callback once a delay has elapsed without being restarted.
//
// Restart replaces any pending callback; a callback scheduled by an earlier
// Restart never runs once a newer one has been armed, even if its underlying
// timer already fired and is waiting on the lock.
type DelayTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (t *DelayTimer) Restart(delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}

	t.gen++
	gen := t.gen

	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()

			return
		}
		t.timer = nil
		t.mu.Unlock()

		fn()
	})
}

// Stop cancels the pending callback. It reports whether one was pending.
func (t *DelayTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++

	if t.timer == nil {
		return false
	}

	t.timer.Stop()
	t.timer = nil

	return true
}

// Pending reports whether a callback is armed.
func (t *DelayTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.timer != nil
}
