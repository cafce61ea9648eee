// Package consumer turns data batches into durable upserts: M workers drain
// the data queue into per-worker accumulators keyed by (data type, symbol)
// and flush coalesced frames through the storage engine. Workers share
// nothing; storage's idempotent upsert makes cross-worker coordination
// unnecessary.
package consumer

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stocksync/internal/deadletter"
	"stocksync/internal/models"
	"stocksync/internal/progress"
	"stocksync/internal/queue"
)

// Storage is the sink the workers flush through. Connections open lazily
// inside the engine, so construction here is cheap.
type Storage interface {
	Save(frame *models.Frame, dataType string) error
}

// Options tune the flush behavior.
type Options struct {
	BatchSize     int           // bucket row threshold
	FlushInterval time.Duration // worker-wide periodic flush
	MaxRetries    int           // flush attempts per bucket
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Batches       int
	FlushedRows   int
	FailedBatches int
}

// Pool runs a fixed set of consumer workers.
type Pool struct {
	storage Storage
	data    *queue.DataQueue
	dead    *deadletter.Log
	bus     *progress.Bus
	size    int
	opts    Options

	stopping atomic.Bool
	forceGen atomic.Int64
	pending  atomic.Int64
	wg       sync.WaitGroup

	mu            sync.Mutex
	batches       int
	flushedRows   int
	failedBatches int
}

// New creates a pool of size workers. Zero option fields get safe defaults.
func New(size int, storage Storage, data *queue.DataQueue, dead *deadletter.Log, bus *progress.Bus, opts Options) *Pool {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Pool{
		storage: storage,
		data:    data,
		dead:    dead,
		bus:     bus,
		size:    size,
		opts:    opts,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	log.Printf("[Consumer] Starting %d workers (batch_size=%d, flush_interval=%s)",
		p.size, p.opts.BatchSize, p.opts.FlushInterval)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop flags the workers to exit; each flushes its accumulator on the way
// out. Returns false if the wait timed out.
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
		log.Printf("[Consumer] Stop timed out after %s", timeout)
		return false
	}
}

// ForceFlush asks every worker to flush its accumulator on its next loop
// iteration. Callers poll Pending to observe completion.
func (p *Pool) ForceFlush() {
	p.forceGen.Add(1)
}

// Pending reports accumulated rows not yet flushed, across all workers.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Statistics returns the pool counters.
func (p *Pool) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Batches: p.batches, FlushedRows: p.flushedRows, FailedBatches: p.failedBatches}
}

// bucket accumulates batches for one (data type, symbol) partition.
type bucket struct {
	dataType string
	symbol   string
	batches  []models.DataBatch
	rows     int
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	buckets := make(map[string]*bucket)
	lastFlush := time.Now()
	seenGen := p.forceGen.Load()

	for !p.stopping.Load() {
		if batch, ok := p.data.Get(time.Second); ok {
			p.accumulate(buckets, batch)
		}

		force := false
		if gen := p.forceGen.Load(); gen != seenGen {
			seenGen = gen
			force = true
		}
		periodic := time.Since(lastFlush) >= p.opts.FlushInterval

		if force || periodic {
			p.flushAll(id, buckets)
			lastFlush = time.Now()
			continue
		}
		for key, b := range buckets {
			if b.rows >= p.opts.BatchSize {
				p.flushBucket(id, b)
				delete(buckets, key)
			}
		}
	}
	p.flushAll(id, buckets)
}

func (p *Pool) accumulate(buckets map[string]*bucket, batch models.DataBatch) {
	p.mu.Lock()
	p.batches++
	p.mu.Unlock()

	if batch.IsEmpty() {
		// Counted above for accurate reporting; nothing to store.
		return
	}

	symbol := batch.Symbol
	if batch.Meta.TaskType.IsSystem() {
		symbol = models.SystemSymbol
	}
	key := batch.DataType() + "\x1f" + symbol
	b, ok := buckets[key]
	if !ok {
		b = &bucket{dataType: batch.DataType(), symbol: symbol}
		buckets[key] = b
	}
	b.batches = append(b.batches, batch)
	b.rows += batch.Size()
	p.pending.Add(int64(batch.Size()))
}

func (p *Pool) flushAll(id int, buckets map[string]*bucket) {
	for key, b := range buckets {
		p.flushBucket(id, b)
		delete(buckets, key)
	}
}

// flushBucket coalesces a bucket's batches into one frame, dedupes by the
// table's natural key keeping the last occurrence, and upserts inside a
// bounded retry envelope. A terminal failure dead-letters every batch in
// the bucket and only that bucket.
func (p *Pool) flushBucket(id int, b *bucket) {
	p.pending.Add(int64(-b.rows))

	frame := models.EmptyFrame()
	for _, batch := range b.batches {
		frame.Append(batch.Frame)
	}
	frame.DedupeByKey(dedupeKeys(b.dataType)...)
	if frame.IsEmpty() {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		if lastErr = p.storage.Save(frame, b.dataType); lastErr == nil {
			p.mu.Lock()
			p.flushedRows += frame.Len()
			p.mu.Unlock()
			p.bus.Publish(progress.Event{Kind: progress.BatchComplete, Symbol: b.symbol, Count: frame.Len()})
			return
		}
		log.Printf("[Consumer] Worker %d flush of %s/%s failed (attempt %d/%d): %v",
			id, b.dataType, b.symbol, attempt, p.opts.MaxRetries, lastErr)
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}

	log.Printf("[Consumer] Worker %d dead-lettering %d batches of %s/%s: %v",
		id, len(b.batches), b.dataType, b.symbol, lastErr)
	for _, batch := range b.batches {
		task := models.Task{
			ID:         batch.TaskID,
			Symbol:     batch.Symbol,
			Type:       batch.Meta.TaskType,
			Params:     batch.Meta.Params,
			Priority:   models.PriorityNormal,
			MaxRetries: p.opts.MaxRetries,
			RetryCount: p.opts.MaxRetries,
			CreatedAt:  batch.CreatedAt,
		}
		if err := p.dead.Write(task, fmt.Errorf("storage flush failed: %w", lastErr)); err != nil {
			log.Printf("[Consumer] Dead-letter write failed for batch %s: %v", batch.BatchID, err)
		}
	}
	p.mu.Lock()
	p.failedBatches += len(b.batches)
	p.mu.Unlock()
}

// dedupeKeys maps a data type to its table's natural key columns.
func dedupeKeys(dataType string) []string {
	switch {
	case dataType == "stock_list":
		return []string{"ts_code"}
	case strings.HasPrefix(dataType, "financials"):
		return []string{"ts_code", "ann_date", "end_date"}
	default:
		return []string{"ts_code", "trade_date"}
	}
}
