// Package ratelimit enforces per-endpoint call-rate ceilings with keyed
// token buckets. Acquire blocks cooperatively until a token is available;
// distinct endpoint buckets consume independent budgets even when their
// quotas are identical.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule is one bucket's quota: Calls tokens per Period.
type Rule struct {
	Calls  int
	Period time.Duration
}

// DefaultRule is the upstream's global ceiling: 190 calls per minute for
// every endpoint that has no override.
var DefaultRule = Rule{Calls: 190, Period: time.Minute}

// ErrWaitTooLong is returned when a bucket's projected wait exceeds the
// configured cap. It is non-retryable; the caller dead-letters the task.
type ErrWaitTooLong struct {
	Endpoint string
	Wait     time.Duration
	Cap      time.Duration
}

func (e *ErrWaitTooLong) Error() string {
	return fmt.Sprintf("rate limit wait for %s (%s) exceeds cap %s", e.Endpoint, e.Wait, e.Cap)
}

// Limiter holds one token bucket per endpoint name.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*rate.Limiter
	defaultRule Rule
	overrides   map[string]Rule
	maxDelay    time.Duration // 0 means unbounded
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithOverride sets a per-endpoint quota replacing the default rule.
func WithOverride(endpoint string, rule Rule) Option {
	return func(l *Limiter) {
		l.overrides[endpoint] = rule
	}
}

// WithMaxDelay caps how long Acquire may block before failing with
// ErrWaitTooLong.
func WithMaxDelay(d time.Duration) Option {
	return func(l *Limiter) {
		l.maxDelay = d
	}
}

// New creates a limiter with the given default rule.
func New(defaultRule Rule, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:     make(map[string]*rate.Limiter),
		defaultRule: defaultRule,
		overrides:   make(map[string]Rule),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) bucket(endpoint string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[endpoint]
	if !ok {
		r := l.defaultRule
		if o, ok := l.overrides[endpoint]; ok {
			r = o
		}
		// Burst equals the full window quota so a fresh bucket can serve a
		// window's worth of calls immediately, then refills at the sustained
		// rate. Matches token-bucket boundary tolerance in the rate contract.
		b = rate.NewLimiter(rate.Limit(float64(r.Calls)/r.Period.Seconds()), r.Calls)
		l.buckets[endpoint] = b
	}
	return b
}

// Acquire debits weight tokens from the endpoint's bucket, blocking until
// they are available or ctx is cancelled. Weight is a forward-compatibility
// hook; current callers always pass 1 via AcquireOne.
func (l *Limiter) Acquire(ctx context.Context, endpoint string, weight int) error {
	b := l.bucket(endpoint)

	if l.maxDelay > 0 {
		res := b.ReserveN(time.Now(), weight)
		if !res.OK() {
			return fmt.Errorf("rate limiter for %s cannot satisfy weight %d", endpoint, weight)
		}
		if wait := res.Delay(); wait > l.maxDelay {
			res.Cancel()
			return &ErrWaitTooLong{Endpoint: endpoint, Wait: wait, Cap: l.maxDelay}
		}
		res.Cancel()
	}

	if err := b.WaitN(ctx, weight); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", endpoint, err)
	}
	return nil
}

// AcquireOne is the common single-call acquisition.
func (l *Limiter) AcquireOne(ctx context.Context, endpoint string) error {
	return l.Acquire(ctx, endpoint, 1)
}
