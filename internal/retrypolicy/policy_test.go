package retrypolicy

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil", err: nil, attempt: 1, want: false},
		{name: "connection reset", err: errors.New("connection reset by peer"), attempt: 1, want: true},
		{name: "timeout", err: errors.New("dial tcp: i/o timeout"), attempt: 2, want: true},
		{name: "server 503", err: errors.New("unexpected status 503"), attempt: 1, want: true},
		{name: "too many requests", err: errors.New("too many requests, slow down"), attempt: 1, want: true},
		{name: "attempts exhausted", err: errors.New("connection refused"), attempt: 3, want: false},
		{name: "invalid parameter", err: errors.New("Invalid Parameter: start_date"), attempt: 1, want: false},
		{name: "unauthorized", err: errors.New("401 Unauthorized"), attempt: 1, want: false},
		{name: "localized parameter error", err: errors.New("抱歉，参数错误"), attempt: 1, want: false},
		{name: "localized invalid symbol", err: errors.New("无法识别的股票代码"), attempt: 1, want: false},
		{name: "unknown error", err: errors.New("something odd happened"), attempt: 1, want: false},
		// non-retryable patterns beat retryable ones
		{name: "401 on connection", err: errors.New("connection rejected: 401"), attempt: 1, want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Default.ShouldRetry(tc.err, tc.attempt); got != tc.want {
				t.Fatalf("ShouldRetry(%v, %d)=%v, want %v", tc.err, tc.attempt, got, tc.want)
			}
		})
	}
}

func TestDelayShapes(t *testing.T) {
	t.Parallel()

	fixed := Policy{MaxAttempts: 5, Backoff: BackoffFixed, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2}
	linear := Policy{MaxAttempts: 5, Backoff: BackoffLinear, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}
	expo := Policy{MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}

	for n := 1; n <= 4; n++ {
		if got := fixed.Delay(n); got != 2*time.Second {
			t.Errorf("fixed.Delay(%d)=%s, want 2s", n, got)
		}
	}
	if got := linear.Delay(3); got != 6*time.Second {
		t.Errorf("linear.Delay(3)=%s, want 6s", got)
	}
	if got := expo.Delay(1); got != time.Second {
		t.Errorf("expo.Delay(1)=%s, want 1s", got)
	}
	if got := expo.Delay(4); got != 8*time.Second {
		t.Errorf("expo.Delay(4)=%s, want 8s", got)
	}
}

func TestDelayMonotonicAndClamped(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{
		{MaxAttempts: 10, Backoff: BackoffLinear, BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2},
		{MaxAttempts: 10, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2},
	} {
		prev := time.Duration(0)
		for n := 1; n <= 10; n++ {
			d := p.Delay(n)
			if d < prev {
				t.Fatalf("%s: Delay(%d)=%s < Delay(%d)=%s", p.Backoff, n, d, n-1, prev)
			}
			if d > p.MaxDelay {
				t.Fatalf("%s: Delay(%d)=%s exceeds cap %s", p.Backoff, n, d, p.MaxDelay)
			}
			prev = d
		}
	}
}

func TestPresets(t *testing.T) {
	t.Parallel()

	if Default.MaxAttempts != 3 || Default.Backoff != BackoffExponential {
		t.Fatalf("default preset changed: %+v", Default)
	}
	if !Network.ShouldRetry(errors.New("read timeout"), 4) {
		t.Fatal("network preset should allow a 4th attempt on timeouts")
	}
	if Network.ShouldRetry(errors.New("read timeout"), 5) {
		t.Fatal("network preset must stop at max attempts")
	}
	if !APILimit.ShouldRetry(errors.New("频次限制：每分钟最多访问该接口190次"), 1) {
		t.Fatal("api-limit preset should retry localized quota errors")
	}
	if got := APILimit.Delay(2); got != 40*time.Second {
		t.Fatalf("APILimit.Delay(2)=%s, want 40s", got)
	}
}

func TestRateLimitErrorCarriesPeriodRemaining(t *testing.T) {
	t.Parallel()

	var err error = &RateLimitError{Endpoint: "daily", PeriodRemaining: 12 * time.Second}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatal("errors.As failed to unwrap RateLimitError")
	}
	if rle.PeriodRemaining != 12*time.Second {
		t.Fatalf("PeriodRemaining=%s, want 12s", rle.PeriodRemaining)
	}

	wrapped := fmt.Errorf("fetch daily: %w", err)
	if !errors.As(wrapped, &rle) {
		t.Fatal("errors.As failed through wrapping")
	}
}
