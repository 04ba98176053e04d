// Package alive drives the periodic equipment alive signal.
package alive

import (
	"sync"
	"time"
)

// Timer calls fn repeatedly at a configurable interval. The first call
// happens as soon as an interval is set. Ticks missed while fn is running
// are dropped.
type Timer struct {
	fn func()

	mu         sync.Mutex
	stop       chan struct{}
	done       chan struct{}
	terminated bool
}

// NewTimer creates a stopped timer for fn.
func NewTimer(fn func()) *Timer {
	return &Timer{fn: fn}
}

// SetInterval cancels the running task, if any, and restarts it with
// period d. A non-positive d only cancels. It is a no-op after Terminate.
func (t *Timer) SetInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}
	t.cancelLocked()
	if d <= 0 {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop, t.done = stop, done
	go t.run(d, stop, done)
}

func (t *Timer) run(d time.Duration, stop, done chan struct{}) {
	defer close(done)

	select {
	case <-stop:
		return
	default:
	}
	t.fn()

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.fn()
		}
	}
}

// Terminate cancels the timer permanently and waits for a running call of
// fn to return.
func (t *Timer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated = true
	t.cancelLocked()
}

// IsRunning reports whether a task is scheduled.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

func (t *Timer) cancelLocked() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
	t.stop, t.done = nil, nil
}
