package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBucketsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Rule{Calls: 2, Period: time.Minute})
	ctx := context.Background()

	// Drain endpoint A's burst entirely.
	for i := 0; i < 2; i++ {
		if err := l.AcquireOne(ctx, "daily"); err != nil {
			t.Fatalf("acquire daily #%d: %v", i, err)
		}
	}

	// Endpoint B still has its own full budget and must not block.
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		done <- l.AcquireOne(ctx, "daily_basic")
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire daily_basic blocked on daily's bucket: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("acquire daily_basic did not return")
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	t.Parallel()

	// 10 calls/second: after draining the burst, the next token arrives in
	// ~100ms. The wait must block rather than error.
	l := New(Rule{Calls: 10, Period: time.Second})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := l.AcquireOne(ctx, "e"); err != nil {
			t.Fatalf("burst acquire #%d: %v", i, err)
		}
	}

	start := time.Now()
	if err := l.AcquireOne(ctx, "e"); err != nil {
		t.Fatalf("post-burst acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected blocking refill wait, returned after %s", elapsed)
	}
}

func TestNoTokenLossUnderContention(t *testing.T) {
	t.Parallel()

	const quota = 50
	l := New(Rule{Calls: quota, Period: time.Hour}) // effectively no refill
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var acquired int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < quota; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.AcquireOne(ctx, "e"); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != quota {
		t.Fatalf("acquired %d tokens, want exactly %d", acquired, quota)
	}
}

func TestMaxDelayYieldsWaitTooLong(t *testing.T) {
	t.Parallel()

	l := New(Rule{Calls: 1, Period: time.Hour}, WithMaxDelay(100*time.Millisecond))
	ctx := context.Background()

	if err := l.AcquireOne(ctx, "e"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := l.AcquireOne(ctx, "e")
	var tooLong *ErrWaitTooLong
	if !errors.As(err, &tooLong) {
		t.Fatalf("err=%v, want ErrWaitTooLong", err)
	}
	if tooLong.Endpoint != "e" {
		t.Fatalf("endpoint=%q, want e", tooLong.Endpoint)
	}
}

func TestOverrideReplacesDefaultRule(t *testing.T) {
	t.Parallel()

	l := New(Rule{Calls: 1, Period: time.Hour}, WithOverride("daily", Rule{Calls: 100, Period: time.Second}))
	ctx := context.Background()

	// Under the default rule only one call would pass without blocking.
	for i := 0; i < 50; i++ {
		if err := l.AcquireOne(ctx, "daily"); err != nil {
			t.Fatalf("override acquire #%d: %v", i, err)
		}
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	t.Parallel()

	l := New(Rule{Calls: 1, Period: time.Hour})
	if err := l.AcquireOne(context.Background(), "e"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.AcquireOne(ctx, "e")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation latency exceeded a second")
	}
}
