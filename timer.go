package mqttclient

import (
	"sync"
	"time"
)

// task is a one-shot scheduled timer handle with an observable armed/idle
// distinction. Cancelling an unarmed task is a safe no-op, and the callback
// marks the handle idle before it runs so a firing task can re-arm itself.
type task struct {
	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

// Arm schedules fn after d, replacing any pending schedule.
func (t *task) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.armed = false
		t.mu.Unlock()
		fn()
	})
}

// Armed reports whether a schedule is pending.
func (t *task) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Cancel stops any pending schedule. Safe on a never-armed task.
func (t *task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = false
}
