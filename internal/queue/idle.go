package queue

import (
	"sync"
	"time"
)

// IdleTimer fires fn once after d of inactivity. Reset postpones the
// deadline; Stop disarms it. Callers reset it on every streamed result
// and let expiry close the live container's stdin.
type IdleTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	d       time.Duration
	fn      func()
	stopped bool
}

// NewIdleTimer arms the timer immediately.
func NewIdleTimer(d time.Duration, fn func()) *IdleTimer {
	t := &IdleTimer{d: d, fn: fn}
	t.timer = time.AfterFunc(d, t.fire)
	return t
}

func (t *IdleTimer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.fn()
}

// Reset restarts the countdown. No-op after the timer fired or stopped.
func (t *IdleTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer.Reset(t.d)
}

// Stop disarms the timer.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.timer.Stop()
}
