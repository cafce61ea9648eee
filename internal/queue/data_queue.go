package queue

import (
	"time"

	"stocksync/internal/models"
)

// DataQueue is the bounded FIFO hand-off between producers and consumers.
// A buffered channel already gives FIFO order and back-pressure; this type
// only adds the timeout discipline the pools poll with.
type DataQueue struct {
	ch chan models.DataBatch
}

// NewDataQueue creates a queue holding at most capacity batches.
func NewDataQueue(capacity int) *DataQueue {
	return &DataQueue{ch: make(chan models.DataBatch, capacity)}
}

// Put inserts a batch, blocking up to timeout while the queue is full.
func (q *DataQueue) Put(batch models.DataBatch, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- batch:
		return true
	case <-timer.C:
		return false
	}
}

// Get removes the oldest batch, blocking up to timeout while the queue is
// empty. Returns the zero batch and false on timeout.
func (q *DataQueue) Get(timeout time.Duration) (models.DataBatch, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case batch := <-q.ch:
		return batch, true
	case <-timer.C:
		return models.DataBatch{}, false
	}
}

// Len returns the number of queued batches.
func (q *DataQueue) Len() int {
	return len(q.ch)
}
