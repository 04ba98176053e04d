package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"daqlink/tag"
)

// DefaultWorkers is the number of delivery goroutines of a Queue.
const DefaultWorkers = 10

// DefaultQueueSize is the number of records a Queue buffers before dropping.
const DefaultQueueSize = 1000

// PublishTimeout bounds a single delivery attempt.
const PublishTimeout = 5 * time.Second

type job struct {
	value    *tag.Value
	filtered *tag.FilteredValue
	vp       ValuePublisher
	fp       FilterPublisher
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueSize sets the total buffer size.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.size = n
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(log *zap.SugaredLogger) QueueOption {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithStats sets the delivery counters.
func WithStats(s Stats) QueueOption {
	return func(q *Queue) {
		if s != nil {
			q.stats = s
		}
	}
}

// Queue fans records out to its backends on a bounded worker pool. Records
// of one tag always go to the same worker so their order is kept. A full
// queue drops the record.
type Queue struct {
	name    string
	workers int
	size    int
	log     *zap.SugaredLogger
	stats   Stats

	mu       sync.RWMutex
	values   []ValuePublisher
	filters  []FilterPublisher
	shards   []chan job
	stopChan chan struct{}
	started  bool
	wg       sync.WaitGroup

	dropped int64
}

// NewQueue creates a stopped queue.
func NewQueue(name string, opts ...QueueOption) *Queue {
	q := &Queue{
		name:    name,
		workers: DefaultWorkers,
		size:    DefaultQueueSize,
		log:     zap.NewNop().Sugar(),
		stats:   nopStats{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add attaches a backend. It receives values, filter records or both,
// depending on the interfaces it implements.
func (q *Queue) Add(b Backend) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if vp, ok := b.(ValuePublisher); ok {
		q.values = append(q.values, vp)
	}
	if fp, ok := b.(FilterPublisher); ok {
		q.filters = append(q.filters, fp)
	}
}

// Backends returns the attached backends.
func (q *Queue) Backends() []Backend {
	q.mu.RLock()
	defer q.mu.RUnlock()
	seen := make(map[Backend]bool)
	var out []Backend
	for _, b := range q.values {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, b := range q.filters {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// Start launches the workers. It is a no-op if they are running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.stopChan = make(chan struct{})
	q.shards = make([]chan job, q.workers)
	per := q.size / q.workers
	if per < 1 {
		per = 1
	}
	for i := range q.shards {
		q.shards[i] = make(chan job, per)
		q.wg.Add(1)
		go q.worker(q.shards[i], q.stopChan)
	}
}

// Stop delivers what is still buffered and stops the workers, waiting at
// most timeout.
func (q *Queue) Stop(timeout time.Duration) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	stop := q.stopChan
	q.shards = nil
	q.mu.Unlock()

	close(stop)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		q.log.Warnf("%s queue: timeout waiting for workers to stop", q.name)
	}
}

// Dropped returns the number of records dropped because the queue was full
// or stopped.
func (q *Queue) Dropped() int64 {
	return atomic.LoadInt64(&q.dropped)
}

func (q *Queue) AddValue(v tag.Value) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, vp := range q.values {
		q.enqueueLocked(v.TagID, job{value: &v, vp: vp}, vp.Name())
	}
}

func (q *Queue) AddFilteredValue(fv tag.FilteredValue) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, fp := range q.filters {
		q.enqueueLocked(fv.TagID, job{filtered: &fv, fp: fp}, fp.Name())
	}
}

func (q *Queue) enqueueLocked(tagID int64, j job, backend string) {
	if !q.started {
		q.drop(backend, "queue stopped")
		return
	}
	shard := tagID % int64(len(q.shards))
	if shard < 0 {
		shard = -shard
	}
	select {
	case q.shards[shard] <- j:
	default:
		q.drop(backend, "queue full")
	}
}

func (q *Queue) drop(backend, reason string) {
	atomic.AddInt64(&q.dropped, 1)
	q.stats.SinkDropped(backend)
	q.log.Debugf("%s queue: %s, dropping record for %s", q.name, reason, backend)
}

func (q *Queue) worker(jobs chan job, stop chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case j := <-jobs:
			q.deliver(j)
		case <-stop:
			for {
				select {
				case j := <-jobs:
					q.deliver(j)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
	defer cancel()

	var name string
	var err error
	switch {
	case j.vp != nil:
		name = j.vp.Name()
		err = j.vp.PublishValue(ctx, *j.value)
	case j.fp != nil:
		name = j.fp.Name()
		err = j.fp.PublishFiltered(ctx, *j.filtered)
	default:
		return
	}
	if err != nil {
		q.stats.SinkError(name)
		q.log.Warnf("%s queue: delivery to %s failed: %v", q.name, name, err)
		return
	}
	q.stats.SinkSent(name)
}
