package worker

import (
	"context"
	"sync"
)

// task is one submitted job and the channel its result goes to.
type task struct {
	ctx  context.Context
	fn   Job
	done chan error // buffered, size 1
}

// queue is a thread-safe unbounded FIFO of tasks.
//
// The queue uses a channel for signaling so that idle workers can wait
// without polling.
type queue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{} // buffered, size 1
}

func newQueue() *queue {
	return &queue{
		tasks:  make([]task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// push appends a task. Returns false if the queue is closed.
func (q *queue) push(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	q.notify()
	return true
}

// notify wakes one waiter. The buffer of 1 coalesces signals.
// Caller holds mu.
func (q *queue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// tryPop removes the front task without blocking.
func (q *queue) tryPop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]
	// Clear the slot so the backing array does not pin the job.
	q.tasks[0] = task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
		// More work is waiting; wake another worker.
		q.notify()
	}
	return t, true
}

// drained reports whether the queue is closed and empty.
func (q *queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.tasks) == 0
}

// wait returns a channel that signals when tasks may be available. It is
// closed when the queue closes.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// close stops accepting tasks and wakes every waiter.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
