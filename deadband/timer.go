package deadband

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a single scheduling facility shared by all time-deadband
// schedulers of a sender. Tasks are kept in a min-heap ordered by deadline
// and run one at a time on the timer goroutine.
type Timer struct {
	mu      sync.Mutex
	tasks   taskHeap
	seq     uint64
	wake    chan struct{}
	stopped bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Task is a handle to a scheduled callback.
type Task struct {
	timer    *Timer
	fn       func()
	deadline time.Time
	seq      uint64
	index    int // position in the heap, -1 once removed
}

// NewTimer creates and starts a Timer.
func NewTimer() *Timer {
	t := &Timer{
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// Schedule runs fn once after d. It returns nil if the timer is stopped.
func (t *Timer) Schedule(d time.Duration, fn func()) *Task {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.seq++
	task := &Task{
		timer:    t,
		fn:       fn,
		deadline: time.Now().Add(d),
		seq:      t.seq,
	}
	heap.Push(&t.tasks, task)
	first := task.index == 0
	t.mu.Unlock()

	if first {
		t.signal()
	}
	return task
}

// Cancel removes the task if it has not fired yet. It reports whether the
// task was still pending.
func (task *Task) Cancel() bool {
	if task == nil {
		return false
	}
	t := task.timer
	t.mu.Lock()
	defer t.mu.Unlock()
	if task.index < 0 {
		return false
	}
	heap.Remove(&t.tasks, task.index)
	return true
}

// Len returns the number of pending tasks.
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Stop discards all pending tasks and stops the timer goroutine.
// A task that is already running completes first.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for _, task := range t.tasks {
		task.index = -1
	}
	t.tasks = nil
	t.mu.Unlock()

	close(t.stopChan)
	t.wg.Wait()
}

func (t *Timer) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer) loop() {
	defer t.wg.Done()

	clock := time.NewTimer(time.Hour)
	defer clock.Stop()

	for {
		t.mu.Lock()
		var next *Task
		if len(t.tasks) > 0 {
			next = t.tasks[0]
		}
		t.mu.Unlock()

		wait := time.Hour
		if next != nil {
			wait = time.Until(next.deadline)
		}

		if wait > 0 {
			if !clock.Stop() {
				select {
				case <-clock.C:
				default:
				}
			}
			clock.Reset(wait)

			select {
			case <-t.stopChan:
				return
			case <-t.wake:
				continue
			case <-clock.C:
			}
		}

		for _, fn := range t.due() {
			fn()
		}
	}
}

// due pops every task whose deadline has passed.
func (t *Timer) due() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var fns []func()
	for len(t.tasks) > 0 && !t.tasks[0].deadline.After(now) {
		task := heap.Pop(&t.tasks).(*Task)
		fns = append(fns, task.fn)
	}
	return fns
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}
