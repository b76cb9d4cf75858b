// Package queue provides a serial execution queue.
//
// A Serial queue owns a single goroutine that runs submitted functions one at
// a time, in submission order. It is the execution context used to serialize
// all disk cache I/O: no two disk operations ever run concurrently, which
// removes filesystem races without per-file locking.
package queue

import "sync"

// Serial runs functions sequentially on a dedicated goroutine.
type Serial struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
}

// NewSerial creates a serial queue and starts its worker goroutine.
func NewSerial() *Serial {
	q := &Serial{}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Async submits fn for execution after all previously submitted functions.
// It never blocks. Submitting to a closed queue is a no-op.
func (q *Serial) Async(fn func()) {
	q.enqueue(fn)
}

// Sync submits fn and blocks until it has run. Callers must not hold locks
// that fn (or any earlier queued function) also needs.
func (q *Serial) Sync(fn func()) {
	done := make(chan struct{})
	if !q.enqueue(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	<-done
}

// Close stops the queue after draining already-submitted work.
func (q *Serial) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}

func (q *Serial) enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, fn)
	q.cond.Signal()
	return true
}

func (q *Serial) run() {
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		fn()
	}
}
