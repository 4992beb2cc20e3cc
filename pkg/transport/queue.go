package transport

import (
	"sync"
)

// Executor runs callbacks on a caller-chosen execution context.
// Integrators can supply one to marshal state changes, decoded messages
// and reply results onto a particular goroutine or worker pool. The
// default executor is a per-connection serial queue, so callbacks are
// delivered one at a time in order without blocking the connection's
// internal processing.
type Executor func(fn func())

// serialQueue runs submitted tasks one at a time, in submission order,
// on a dedicated goroutine. Submission never blocks. Once the queue has
// been closed and fully drained, later submissions run inline on the
// caller: by then the guarded state is frozen, and running inline keeps
// the guarantee that every submitted task eventually executes.
type serialQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   bool
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// async submits a task.
func (q *serialQueue) async(fn func()) {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		fn()
		return
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	q.mu.Unlock()
}

// close stops the queue goroutine after draining submitted tasks.
func (q *serialQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *serialQueue) run() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.done = true
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}
