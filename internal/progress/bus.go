// Package progress streams pipeline lifecycle events to observers. The bus
// is observation-only: publishing never blocks and never fails, and no part
// of the pipeline's correctness depends on a subscriber receiving anything.
package progress

import (
	"sync"
	"time"
)

// Kind enumerates the lifecycle event types.
type Kind string

const (
	PhaseStart    Kind = "PHASE_START"
	PhaseEnd      Kind = "PHASE_END"
	TaskStart     Kind = "TASK_START"
	TaskComplete  Kind = "TASK_COMPLETE"
	TaskFailed    Kind = "TASK_FAILED"
	BatchComplete Kind = "BATCH_COMPLETE"
	UpdateTotal   Kind = "UPDATE_TOTAL"
	Message       Kind = "MESSAGE"
)

// Event is one lifecycle notification. Only the fields relevant to the kind
// are populated.
type Event struct {
	Kind      Kind
	Phase     string
	TaskID    string
	Symbol    string
	Count     int
	Total     int
	Reason    string
	Text      string
	Timestamp time.Time
}

// Bus fans events out to subscribers through a single background delivery
// worker, so publication order is preserved for every subscriber. Slow
// subscribers have events dropped rather than stalling the pipeline.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
	queue       chan Event
	done        chan struct{}
	closed      bool
}

// New creates a bus and starts its delivery worker.
func New() *Bus {
	b := &Bus{
		queue: make(chan Event, 1024),
		done:  make(chan struct{}),
	}
	go b.deliver()
	return b
}

func (b *Bus) deliver() {
	defer close(b.done)
	for evt := range b.queue {
		b.mu.RLock()
		for _, ch := range b.subscribers {
			select {
			case ch <- evt:
			default:
				// drop if subscriber is slow
			}
		}
		b.mu.RUnlock()
	}
}

// Subscribe registers a channel for all events. The caller provides the
// buffer; an unbuffered or full channel loses events.
func (b *Bus) Subscribe(ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, ch)
}

// Publish enqueues an event for delivery. It never blocks: if the internal
// queue is full the event is dropped. Publish is a no-op after Close.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	// The send stays under the read lock so Close cannot close the queue
	// between the closed check and the send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- evt:
	default:
	}
}

// Close stops the delivery worker after draining queued events. Subscriber
// channels are not closed; that is the caller's responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.queue)
	<-b.done
}
