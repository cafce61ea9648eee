// Package queue provides the two bounded hand-off stages of the pipeline:
// a priority task queue between the planner and the producer pool, and a
// FIFO data queue between the producer and consumer pools. Both block with
// a timeout instead of failing fast, so pools poll them in short cycles.
package queue

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/prque"

	"stocksync/internal/models"
)

// TaskQueue is a bounded priority queue. Higher-priority tasks pop first;
// within one priority level tasks leave in insertion order.
type TaskQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	pq       *prque.Prque[int64, models.Task]
	capacity int
	seq      int64
	closed   bool
}

// NewTaskQueue creates a queue holding at most capacity tasks.
func NewTaskQueue(capacity int) *TaskQueue {
	q := &TaskQueue{
		pq:       prque.New[int64, models.Task](nil),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// key folds (priority, arrival order) into the single int64 the heap orders
// by: priority in the high bits, a negated sequence number in the low bits so
// earlier arrivals of the same priority rank greater and pop first. 40 bits
// of sequence cover ~10^12 submissions per run.
func (q *TaskQueue) key(p models.Priority) int64 {
	q.seq++
	return int64(p)<<40 - q.seq
}

// Put inserts a task, blocking up to timeout while the queue is full.
// Returns false if the task could not be inserted in time or the queue is
// closed.
func (q *TaskQueue) Put(task models.Task, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pq.Size() >= q.capacity && !q.closed {
		if !waitWithDeadline(q.notFull, &q.mu, deadline) {
			return false
		}
	}
	if q.closed {
		return false
	}
	q.pq.Push(task, q.key(task.Priority))
	q.notEmpty.Signal()
	return true
}

// Get removes the highest-priority task, blocking up to timeout while the
// queue is empty. Returns the zero task and false on timeout or close.
// The optional onPop hooks run under the queue lock right after the pop, so
// callers can publish hand-off state atomically with the removal; hooks must
// not call back into the queue.
func (q *TaskQueue) Get(timeout time.Duration, onPop ...func()) (models.Task, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pq.Empty() && !q.closed {
		if !waitWithDeadline(q.notEmpty, &q.mu, deadline) {
			return models.Task{}, false
		}
	}
	if q.pq.Empty() {
		return models.Task{}, false
	}
	task := q.pq.PopItem()
	for _, hook := range onPop {
		hook()
	}
	q.notFull.Signal()
	return task, true
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Size()
}

// Close wakes all blocked callers. Puts fail afterwards; Gets drain what is
// already queued and then fail.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// waitWithDeadline waits on cond until signalled or the deadline passes.
// Returns false when the deadline passed. The mutex is held on entry and
// on return; a timer goroutine broadcasts to break the wait, which costs a
// spurious wakeup for other waiters but keeps Put/Get free of channels.
func waitWithDeadline(cond *sync.Cond, mu *sync.Mutex, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
	return time.Now().Before(deadline)
}
