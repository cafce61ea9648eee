// Package retrypolicy decides, for a failed remote call, whether to retry
// and how long to wait first. Policies are immutable values; the decision
// functions are pure over (error, attempt).
package retrypolicy

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Backoff selects the delay shape.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RateLimitError is raised by the transport when the upstream rejects a call
// for quota reasons and tells us when the window resets. Callers sleep
// exactly PeriodRemaining instead of the computed backoff.
type RateLimitError struct {
	Endpoint        string
	PeriodRemaining time.Duration
	Message         string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rate limit exceeded for %s, window resets in %s", e.Endpoint, e.PeriodRemaining)
}

// Policy is an immutable retry configuration.
type Policy struct {
	MaxAttempts          int
	Backoff              Backoff
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	BackoffFactor        float64
	RetryablePatterns    []string
	NonRetryablePatterns []string
}

var defaultRetryable = []string{
	"connection", "timeout", "proxy", "remote disconnected",
	"read timeout", "connect timeout", "ssl", "eof", "reset by peer",
	"rate limit", "quota exceeded", "too many requests",
	"500", "502", "503", "504",
}

var defaultNonRetryable = []string{
	"invalid parameter", "authentication failed", "permission denied",
	"unauthorized", "400", "401", "403", "404",
	"参数无效", "参数错误", "无法识别",
}

// Default is the general-purpose preset.
var Default = Policy{
	MaxAttempts:   3,
	Backoff:       BackoffExponential,
	BaseDelay:     time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
}

// Network retries harder with a gentler curve for flaky transports.
var Network = Policy{
	MaxAttempts:   5,
	Backoff:       BackoffExponential,
	BaseDelay:     2 * time.Second,
	MaxDelay:      60 * time.Second,
	BackoffFactor: 1.5,
	RetryablePatterns: []string{
		"connection", "timeout", "proxy", "remote disconnected",
		"read timeout", "connect timeout", "ssl", "eof", "reset by peer",
	},
}

// APILimit backs off linearly for quota errors that carry no reset hint.
var APILimit = Policy{
	MaxAttempts:   3,
	Backoff:       BackoffLinear,
	BaseDelay:     10 * time.Second,
	MaxDelay:      120 * time.Second,
	BackoffFactor: 2.0,
	RetryablePatterns: []string{
		"rate limit", "quota exceeded", "too many requests", "频次限制",
	},
}

func (p Policy) retryable() []string {
	if p.RetryablePatterns != nil {
		return p.RetryablePatterns
	}
	return defaultRetryable
}

func (p Policy) nonRetryable() []string {
	if p.NonRetryablePatterns != nil {
		return p.NonRetryablePatterns
	}
	return defaultNonRetryable
}

// ShouldRetry reports whether a further attempt is worthwhile. attempt is
// 1-based: the attempt that just failed. Non-retryable patterns win over
// retryable ones; unknown errors are not retried.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pat := range p.nonRetryable() {
		if strings.Contains(msg, strings.ToLower(pat)) {
			return false
		}
	}
	for _, pat := range p.retryable() {
		if strings.Contains(msg, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// Delay computes the wait before the given 1-based attempt, clamped to
// MaxDelay. Monotonically non-decreasing for linear and exponential shapes.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = time.Duration(float64(p.BaseDelay) * float64(attempt) * p.BackoffFactor)
	case BackoffExponential:
		d = time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	default:
		d = p.BaseDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
