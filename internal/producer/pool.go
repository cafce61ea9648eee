// Package producer turns queued tasks into data batches: N workers drain
// the task queue, call the fetcher, and push results to the data queue.
// Worker errors never kill the pool; they become a requeue or a dead-letter
// record.
package producer

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"stocksync/internal/deadletter"
	"stocksync/internal/models"
	"stocksync/internal/progress"
	"stocksync/internal/queue"
	"stocksync/internal/ratelimit"
	"stocksync/internal/retrypolicy"
)

// Fetcher is the facade the workers call. One shared instance serves the
// whole pool.
type Fetcher interface {
	Dispatch(ctx context.Context, task models.Task) (*models.Frame, error)
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Processed int
	Failed    int
}

// Pool runs a fixed set of producer workers.
type Pool struct {
	fetcher    Fetcher
	tasks      *queue.TaskQueue
	data       *queue.DataQueue
	dead       *deadletter.Log
	bus        *progress.Bus
	policy     retrypolicy.Policy
	size       int
	putTimeout time.Duration

	stopping atomic.Bool
	inFlight atomic.Int64
	wg       sync.WaitGroup

	mu        sync.Mutex
	processed int
	failed    int
}

// New creates a pool of size workers. Workers do not run until Start.
func New(size int, fetcher Fetcher, tasks *queue.TaskQueue, data *queue.DataQueue, dead *deadletter.Log, bus *progress.Bus) *Pool {
	return &Pool{
		fetcher:    fetcher,
		tasks:      tasks,
		data:       data,
		dead:       dead,
		bus:        bus,
		policy:     retrypolicy.Default,
		size:       size,
		putTimeout: 30 * time.Second,
	}
}

// Start launches the workers. ctx cancellation has the same effect as Stop.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("[Producer] Starting %d workers", p.size)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop flags the workers to exit after their current task and waits up to
// timeout for them. Returns false if the wait timed out.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.stopping.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Printf("[Producer] Stop timed out after %s", timeout)
		return false
	}
}

// Idle reports whether no worker currently holds a task. Combined with
// empty queues this is the engine's drain condition.
func (p *Pool) Idle() bool {
	return p.inFlight.Load() == 0
}

// Statistics returns the pool counters.
func (p *Pool) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Processed: p.processed, Failed: p.failed}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for !p.stopping.Load() && ctx.Err() == nil {
		// Marking in flight under the queue lock means a drain observer can
		// never see an empty queue and an idle pool with a task mid-handoff.
		task, ok := p.tasks.Get(time.Second, func() { p.inFlight.Add(1) })
		if !ok {
			continue
		}
		p.process(ctx, id, task)
		p.inFlight.Add(-1)
	}
}

func (p *Pool) process(ctx context.Context, workerID int, task models.Task) {
	p.bus.Publish(progress.Event{Kind: progress.TaskStart, TaskID: task.ID, Symbol: task.Symbol})

	frame, err := p.fetcher.Dispatch(ctx, task)
	if err != nil {
		p.handleError(ctx, task, err)
		return
	}

	meta := models.BatchMeta{
		TaskType:      task.Type,
		StatementType: task.Params.StatementType,
		Params:        task.Params,
		WorkerID:      workerID,
	}
	var batch models.DataBatch
	if frame.IsEmpty() {
		// Legitimate "no data in range"; still enqueued so the consumer's
		// counts stay accurate. No retry.
		batch = models.EmptyBatch(task.ID, task.Symbol, meta)
	} else {
		batch = models.NewDataBatch(frame, meta, task.ID, task.Symbol)
	}

	if !p.data.Put(batch, p.putTimeout) {
		log.Printf("[Producer] Data queue full, dead-lettering task %s (%s %s)", task.ID, task.Type, task.Symbol)
		p.deadLetter(task, errors.New("data queue full: enqueue timed out"))
		return
	}

	p.mu.Lock()
	p.processed++
	p.mu.Unlock()
	p.bus.Publish(progress.Event{Kind: progress.TaskComplete, TaskID: task.ID, Symbol: task.Symbol, Count: batch.Size()})
}

// handleError applies the task-level retry contract: a retryable error on a
// task with budget left goes back on the task queue after the policy delay
// (or the reported window remainder for quota errors); everything else is
// dead-lettered.
func (p *Pool) handleError(ctx context.Context, task models.Task, taskErr error) {
	var tooLong *ratelimit.ErrWaitTooLong
	if errors.As(taskErr, &tooLong) {
		// A capped rate-limit wait is terminal even though its message
		// pattern looks retryable.
		p.deadLetter(task, taskErr)
		return
	}

	var rle *retrypolicy.RateLimitError
	isRateLimit := errors.As(taskErr, &rle)

	if task.CanRetry() && (isRateLimit || p.policy.ShouldRetry(taskErr, 1)) {
		delay := p.policy.Delay(task.RetryCount + 1)
		if isRateLimit {
			delay = rle.PeriodRemaining
		}
		log.Printf("[Producer] Task %s (%s %s) failed, requeueing in %s (retry %d/%d): %v",
			task.ID, task.Type, task.Symbol, delay, task.RetryCount+1, task.MaxRetries, taskErr)
		if err := sleepCtx(ctx, delay); err != nil {
			p.deadLetter(task, taskErr)
			return
		}
		if !p.tasks.Put(task.IncrementRetry(), p.putTimeout) {
			p.deadLetter(task, errors.New("task queue full: retry enqueue timed out"))
		}
		return
	}

	p.deadLetter(task, taskErr)
}

func (p *Pool) deadLetter(task models.Task, taskErr error) {
	if err := p.dead.Write(task, taskErr); err != nil {
		log.Printf("[Producer] Dead-letter write failed for task %s: %v", task.ID, err)
	}
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	p.bus.Publish(progress.Event{
		Kind: progress.TaskFailed, TaskID: task.ID, Symbol: task.Symbol,
		Reason: taskErr.Error(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
