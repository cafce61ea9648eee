// Package engine orchestrates a run: it plans tasks from the job and the
// persisted watermarks, then executes them in two strictly ordered phases
// through the producer and consumer pools.
package engine

import (
	"context"
	"log"
	"time"

	"stocksync/internal/consumer"
	"stocksync/internal/deadletter"
	"stocksync/internal/models"
	"stocksync/internal/producer"
	"stocksync/internal/progress"
	"stocksync/internal/queue"
)

// State is the engine's run phase.
type State string

const (
	StateInit             State = "INIT"
	StatePlanning         State = "PLANNING"
	StatePhase1Submitting State = "PHASE1_SUBMITTING"
	StatePhase1Draining   State = "PHASE1_DRAINING"
	StatePhase2Submitting State = "PHASE2_SUBMITTING"
	StatePhase2Draining   State = "PHASE2_DRAINING"
	StateFlushing         State = "FLUSHING"
	StateDone             State = "DONE"
	StateAborted          State = "ABORTED"
)

// Options carry the pool and queue sizing knobs.
type Options struct {
	MaxProducers  int
	MaxConsumers  int
	TaskQueueSize int
	DataQueueSize int
	Consumer      consumer.Options
}

// Report summarizes a completed run.
type Report struct {
	State         State
	Planned       int
	Dropped       int
	Processed     int
	Failed        int
	FlushedRows   int
	FailedBatches int
	ByType        map[string]int
	Elapsed       time.Duration
}

// Engine wires the pipeline together for one run at a time.
type Engine struct {
	storage PlannerStorage
	sink    consumer.Storage
	fetcher producer.Fetcher
	dead    *deadletter.Log
	bus     *progress.Bus
	opts    Options
	nowUTC  func() time.Time
	state   State
}

// New builds an engine. The fetcher, storage, and dead-letter log are shared
// process singletons injected here, never looked up from globals.
func New(storage PlannerStorage, sink consumer.Storage, fetcher producer.Fetcher, dead *deadletter.Log, bus *progress.Bus, opts Options) *Engine {
	if opts.MaxProducers <= 0 {
		opts.MaxProducers = 4
	}
	if opts.MaxConsumers <= 0 {
		opts.MaxConsumers = 2
	}
	if opts.TaskQueueSize <= 0 {
		opts.TaskQueueSize = 1000
	}
	if opts.DataQueueSize <= 0 {
		opts.DataQueueSize = 500
	}
	return &Engine{
		storage: storage,
		sink:    sink,
		fetcher: fetcher,
		dead:    dead,
		bus:     bus,
		opts:    opts,
		nowUTC:  func() time.Time { return time.Now().UTC() },
		state:   StateInit,
	}
}

// State returns the current run phase.
func (e *Engine) State() State {
	return e.state
}

func (e *Engine) today() string {
	return e.nowUTC().Format("20060102")
}

func (e *Engine) setState(s State) {
	e.state = s
	e.bus.Publish(progress.Event{Kind: progress.Message, Text: string(s)})
}

// Run executes one job end to end. Cancellation of ctx aborts the run after
// the current tasks finish and flushes what has been accumulated.
func (e *Engine) Run(ctx context.Context, job Job) (Report, error) {
	started := time.Now()
	report := Report{ByType: make(map[string]int)}

	e.setState(StatePlanning)
	system, business, dropped, err := e.plan(job)
	if err != nil {
		e.setState(StateAborted)
		report.State = StateAborted
		return report, err
	}
	report.Planned = len(system) + len(business)
	report.Dropped = dropped
	for _, t := range append(append([]models.Task{}, system...), business...) {
		report.ByType[t.DataType()]++
	}
	log.Printf("[Engine] Planned %d tasks (%d system, %d business, %d dropped up-to-date)",
		report.Planned, len(system), len(business), dropped)
	e.bus.Publish(progress.Event{Kind: progress.UpdateTotal, Total: report.Planned})

	e.execute(ctx, system, business, &report)
	report.Elapsed = time.Since(started)
	e.logReport(report)
	return report, nil
}

// RunTasks executes a pre-built task list, bypassing planning. Used to replay
// dead-letter records; system tasks still run strictly before business tasks.
func (e *Engine) RunTasks(ctx context.Context, replay []models.Task) (Report, error) {
	started := time.Now()
	report := Report{ByType: make(map[string]int)}

	var system, business []models.Task
	for _, t := range replay {
		report.ByType[t.DataType()]++
		if t.Type.IsSystem() {
			system = append(system, t)
		} else {
			business = append(business, t)
		}
	}
	report.Planned = len(replay)
	log.Printf("[Engine] Replaying %d tasks (%d system, %d business)",
		report.Planned, len(system), len(business))
	e.bus.Publish(progress.Event{Kind: progress.UpdateTotal, Total: report.Planned})

	e.execute(ctx, system, business, &report)
	report.Elapsed = time.Since(started)
	e.logReport(report)
	return report, nil
}

// execute runs the two phases over already-built task lists and fills in the
// report's outcome fields.
func (e *Engine) execute(ctx context.Context, system, business []models.Task, report *Report) {
	tasks := queue.NewTaskQueue(e.opts.TaskQueueSize)
	data := queue.NewDataQueue(e.opts.DataQueueSize)
	consumers := consumer.New(e.opts.MaxConsumers, e.sink, data, e.dead, e.bus, e.opts.Consumer)
	consumers.Start()

	aborted := false
	if len(system) > 0 {
		// Phase 1: the stock_list endpoint tolerates no parallelism, so the
		// producer pool is forced to a single worker.
		if err := e.runPhase(ctx, "phase1", system, 1, tasks, data, consumers, report); err != nil {
			aborted = true
		}
	}
	if !aborted && len(business) > 0 {
		workers := phase2Producers(e.opts.MaxProducers, len(business))
		if err := e.runPhase(ctx, "phase2", business, workers, tasks, data, consumers, report); err != nil {
			aborted = true
		}
	}

	e.setState(StateFlushing)
	tasks.Close()
	consumers.Stop(time.Minute)

	stats := consumers.Statistics()
	report.FlushedRows = stats.FlushedRows
	report.FailedBatches = stats.FailedBatches

	if aborted {
		e.setState(StateAborted)
		report.State = StateAborted
	} else {
		e.setState(StateDone)
		report.State = StateDone
	}
}

// runPhase submits one phase's tasks, waits for a full drain, and
// force-flushes the consumers before the next phase may begin.
func (e *Engine) runPhase(ctx context.Context, phase string, phaseTasks []models.Task, workers int, tasks *queue.TaskQueue, data *queue.DataQueue, consumers *consumer.Pool, report *Report) error {
	if phase == "phase1" {
		e.setState(StatePhase1Submitting)
	} else {
		e.setState(StatePhase2Submitting)
	}
	e.bus.Publish(progress.Event{Kind: progress.PhaseStart, Phase: phase, Total: len(phaseTasks)})
	log.Printf("[Engine] %s: %d tasks, %d producers", phase, len(phaseTasks), workers)

	producers := producer.New(workers, e.fetcher, tasks, data, e.dead, e.bus)
	producers.Start(ctx)
	defer func() {
		producers.Stop(30 * time.Second)
		stats := producers.Statistics()
		report.Processed += stats.Processed
		report.Failed += stats.Failed
		e.bus.Publish(progress.Event{Kind: progress.PhaseEnd, Phase: phase})
	}()

	for _, task := range phaseTasks {
		// Bounded queue back-pressures the submission loop; no task is
		// silently lost.
		for !tasks.Put(task, time.Second) {
			if ctx.Err() != nil {
				log.Printf("[Engine] %s submission interrupted", phase)
				return ctx.Err()
			}
		}
	}

	if phase == "phase1" {
		e.setState(StatePhase1Draining)
	} else {
		e.setState(StatePhase2Draining)
	}
	if err := e.waitDrained(ctx, tasks, data, producers); err != nil {
		return err
	}

	consumers.ForceFlush()
	return e.waitFlushed(ctx, consumers)
}

// waitDrained polls until the task queue is empty, no producer holds a task,
// and the data queue is empty. The condition must hold on two consecutive
// polls to close the window where a batch is between the data queue and a
// consumer's accumulator; the task-side handoff is already atomic with the
// in-flight counter.
func (e *Engine) waitDrained(ctx context.Context, tasks *queue.TaskQueue, data *queue.DataQueue, producers *producer.Pool) error {
	stable := 0
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if tasks.Len() == 0 && producers.Idle() && data.Len() == 0 {
				stable++
				if stable >= 2 {
					return nil
				}
			} else {
				stable = 0
			}
		}
	}
}

func (e *Engine) waitFlushed(ctx context.Context, consumers *consumer.Pool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if consumers.Pending() == 0 {
				return nil
			}
		}
	}
}

// phase2Producers fits the pool size to the workload: one producer per 50
// tasks, capped by the configured maximum, floor of one.
func phase2Producers(maxProducers, taskCount int) int {
	n := taskCount / 50
	if n < 1 {
		n = 1
	}
	if n > maxProducers {
		n = maxProducers
	}
	return n
}

func (e *Engine) logReport(r Report) {
	log.Printf("[Engine] Run %s in %s: planned=%d processed=%d failed=%d dropped=%d flushed_rows=%d failed_batches=%d",
		r.State, r.Elapsed.Round(time.Millisecond), r.Planned, r.Processed, r.Failed, r.Dropped, r.FlushedRows, r.FailedBatches)
	for taskType, n := range r.ByType {
		log.Printf("[Engine]   %s: %d planned", taskType, n)
	}
}
