package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stocksync/internal/models"
)

func newTask(symbol string, p models.Priority) models.Task {
	return models.NewTask(symbol, models.TaskDaily, models.TaskParams{}, p)
}

func TestTaskQueuePriorityOrdering(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(10)
	q.Put(newTask("low", models.PriorityLow), time.Second)
	q.Put(newTask("normal", models.PriorityNormal), time.Second)
	q.Put(newTask("high", models.PriorityHigh), time.Second)

	for _, want := range []string{"high", "normal", "low"} {
		task, ok := q.Get(time.Second)
		if !ok {
			t.Fatalf("get %s: queue empty", want)
		}
		if task.Symbol != want {
			t.Fatalf("got %s, want %s", task.Symbol, want)
		}
	}
}

func TestTaskQueueFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(10)
	for _, sym := range []string{"a", "b", "c", "d"} {
		q.Put(newTask(sym, models.PriorityNormal), time.Second)
	}

	for _, want := range []string{"a", "b", "c", "d"} {
		task, ok := q.Get(time.Second)
		if !ok || task.Symbol != want {
			t.Fatalf("got (%s,%v), want %s", task.Symbol, ok, want)
		}
	}
}

func TestTaskQueueInterleavedPrioritiesPopInOrder(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(10)
	q.Put(newTask("n1", models.PriorityNormal), time.Second)
	q.Put(newTask("l1", models.PriorityLow), time.Second)
	q.Put(newTask("n2", models.PriorityNormal), time.Second)
	q.Put(newTask("h1", models.PriorityHigh), time.Second)

	for _, want := range []string{"h1", "n1", "n2", "l1"} {
		task, ok := q.Get(time.Second)
		if !ok || task.Symbol != want {
			t.Fatalf("got (%s,%v), want %s", task.Symbol, ok, want)
		}
	}
}

func TestTaskQueueGetHookRunsOnPopOnly(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(4)
	var marks atomic.Int64
	mark := func() { marks.Add(1) }

	if _, ok := q.Get(20*time.Millisecond, mark); ok || marks.Load() != 0 {
		t.Fatalf("hook ran on timeout: marks=%d", marks.Load())
	}
	q.Put(newTask("a", models.PriorityNormal), time.Second)
	if _, ok := q.Get(time.Second, mark); !ok || marks.Load() != 1 {
		t.Fatalf("hook must run exactly once on pop: ok=%v marks=%d", ok, marks.Load())
	}
}

// A drain observer checks Len()==0 plus an in-flight counter. When the
// counter is bumped by the pop hook, the observer must never see both zero
// while work remains.
func TestTaskQueueHookClosesHandoffWindow(t *testing.T) {
	t.Parallel()

	const n = 200
	q := NewTaskQueue(n)
	for i := 0; i < n; i++ {
		q.Put(newTask("s", models.PriorityNormal), time.Second)
	}

	var inFlight, done atomic.Int64
	go func() {
		for {
			_, ok := q.Get(200*time.Millisecond, func() { inFlight.Add(1) })
			if !ok {
				return
			}
			done.Add(1)
			inFlight.Add(-1)
		}
	}()

	for done.Load() < n {
		l := q.Len()
		m := inFlight.Load()
		d := done.Load()
		if l == 0 && m == 0 && d < n {
			t.Fatalf("observed drained state with %d tasks outstanding", n-d)
		}
	}
}

func TestTaskQueuePutTimesOutWhenFull(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(1)
	if !q.Put(newTask("a", models.PriorityNormal), time.Second) {
		t.Fatal("first put should succeed")
	}
	start := time.Now()
	if q.Put(newTask("b", models.PriorityNormal), 100*time.Millisecond) {
		t.Fatal("second put should time out")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("put returned before the timeout elapsed")
	}
}

func TestTaskQueueGetTimesOutWhenEmpty(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(1)
	task, ok := q.Get(100 * time.Millisecond)
	if ok {
		t.Fatalf("expected timeout, got task %+v", task)
	}
	if task.ID != "" {
		t.Fatalf("timeout must return the zero task, got %+v", task)
	}
}

func TestTaskQueuePutUnblocksWaitingGet(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(1)
	done := make(chan models.Task, 1)
	go func() {
		if task, ok := q.Get(3 * time.Second); ok {
			done <- task
		}
	}()
	time.Sleep(50 * time.Millisecond)
	q.Put(newTask("x", models.PriorityNormal), time.Second)

	select {
	case task := <-done:
		if task.Symbol != "x" {
			t.Fatalf("got %s, want x", task.Symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting get never woke up")
	}
}

func TestTaskQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(4)
	q.Put(newTask("a", models.PriorityNormal), time.Second)
	q.Close()

	if q.Put(newTask("b", models.PriorityNormal), 10*time.Millisecond) {
		t.Fatal("put after close should fail")
	}
	if task, ok := q.Get(time.Second); !ok || task.Symbol != "a" {
		t.Fatalf("close must not drop queued tasks, got (%s,%v)", task.Symbol, ok)
	}
	if _, ok := q.Get(10 * time.Millisecond); ok {
		t.Fatal("get on a drained closed queue should fail")
	}
}

func TestTaskQueueConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()

	const perProducer = 25
	q := NewTaskQueue(8)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if !q.Put(newTask("s", models.PriorityNormal), 5*time.Second) {
					t.Error("put timed out")
					return
				}
			}
		}()
	}

	got := make(chan struct{}, 4*perProducer)
	var cg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				if _, ok := q.Get(300 * time.Millisecond); !ok {
					return
				}
				got <- struct{}{}
			}
		}()
	}
	wg.Wait()
	cg.Wait()

	if len(got) != 4*perProducer {
		t.Fatalf("consumed %d tasks, want %d", len(got), 4*perProducer)
	}
}

func TestDataQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewDataQueue(4)
	for _, sym := range []string{"a", "b", "c"} {
		batch := models.NewDataBatch(nil, models.BatchMeta{TaskType: models.TaskDaily}, "task-"+sym, sym)
		if !q.Put(batch, time.Second) {
			t.Fatalf("put %s failed", sym)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		batch, ok := q.Get(time.Second)
		if !ok || batch.Symbol != want {
			t.Fatalf("got (%s,%v), want %s", batch.Symbol, ok, want)
		}
	}
}

func TestDataQueueTimeouts(t *testing.T) {
	t.Parallel()

	q := NewDataQueue(1)
	batch := models.NewDataBatch(nil, models.BatchMeta{TaskType: models.TaskDaily}, "t", "s")
	if !q.Put(batch, time.Second) {
		t.Fatal("put into empty queue failed")
	}
	if q.Put(batch, 50*time.Millisecond) {
		t.Fatal("put into full queue should time out")
	}
	if _, ok := q.Get(time.Second); !ok {
		t.Fatal("get from non-empty queue failed")
	}
	if _, ok := q.Get(50 * time.Millisecond); ok {
		t.Fatal("get from empty queue should time out")
	}
}
