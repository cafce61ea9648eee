package tushare

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"stocksync/internal/models"
	"stocksync/internal/ratelimit"
	"stocksync/internal/retrypolicy"
	"stocksync/internal/symbols"
)

// Endpoint names double as rate-limit bucket keys, so every typed method
// debits its own budget.
const (
	EndpointStockList    = "stock_basic"
	EndpointDaily        = "daily"
	EndpointDailyBasic   = "daily_basic"
	EndpointIncome       = "income"
	EndpointBalanceSheet = "balancesheet"
	EndpointCashFlow     = "cashflow"
)

// Fetcher is the one shared facade all producer workers call. A single
// instance per process keeps every worker debiting the same rate-limit
// buckets; a second instance would fragment the quota.
type Fetcher struct {
	transport Transport
	limiter   *ratelimit.Limiter
	policy    retrypolicy.Policy
}

// NewFetcher wires the middleware stack: retry(policy) around
// limiter.Acquire around transport.Call.
func NewFetcher(transport Transport, limiter *ratelimit.Limiter, policy retrypolicy.Policy) *Fetcher {
	return &Fetcher{transport: transport, limiter: limiter, policy: policy}
}

// invoke runs one endpoint call under the full middleware stack. Each
// attempt re-acquires a rate-limit token, so retries stay inside the quota.
func (f *Fetcher) invoke(ctx context.Context, endpoint string, call func(context.Context) (*models.Frame, error)) (*models.Frame, error) {
	var lastErr error
	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		if err := f.limiter.AcquireOne(ctx, endpoint); err != nil {
			var tooLong *ratelimit.ErrWaitTooLong
			if errors.As(err, &tooLong) {
				return nil, err
			}
			return nil, fmt.Errorf("acquire %s: %w", endpoint, err)
		}

		frame, err := call(ctx)
		if err == nil {
			return frame, nil
		}
		lastErr = err

		var rle *retrypolicy.RateLimitError
		switch {
		case errors.As(err, &rle) && attempt < f.policy.MaxAttempts:
			// The upstream told us when its window resets; sleep exactly
			// that instead of the computed backoff.
			log.Printf("[Fetcher] %s rate limited, sleeping %s (attempt %d/%d)",
				endpoint, rle.PeriodRemaining, attempt, f.policy.MaxAttempts)
			if err := sleepCtx(ctx, rle.PeriodRemaining); err != nil {
				return nil, err
			}
		case f.policy.ShouldRetry(err, attempt):
			delay := f.policy.Delay(attempt)
			log.Printf("[Fetcher] %s failed (attempt %d/%d), retrying in %s: %v",
				endpoint, attempt, f.policy.MaxAttempts, delay, err)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: retries exhausted: %w", endpoint, lastErr)
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

// FetchStockList downloads the security master for all listed A-shares.
func (f *Fetcher) FetchStockList(ctx context.Context) (*models.Frame, error) {
	return f.invoke(ctx, EndpointStockList, func(ctx context.Context) (*models.Frame, error) {
		frame, err := f.transport.Call(ctx, EndpointStockList, map[string]string{
			"exchange":    "",
			"list_status": "L",
		}, "ts_code,symbol,name,area,industry,market,list_date")
		if err != nil {
			return nil, err
		}
		return orEmpty(frame), nil
	})
}

// FetchDailyHistory downloads daily OHLC bars for one symbol. A nil payload
// on a range longer than 7 days is a known upstream quirk; it is logged and
// normalized to an empty frame rather than treated as a failure.
func (f *Fetcher) FetchDailyHistory(ctx context.Context, symbol, start, end, adjust string) (*models.Frame, error) {
	tsCode, err := symbols.Normalize(symbol)
	if err != nil {
		return nil, fmt.Errorf("invalid parameter: %w", err)
	}
	return f.invoke(ctx, EndpointDaily, func(ctx context.Context) (*models.Frame, error) {
		params := map[string]string{
			"ts_code":    tsCode,
			"start_date": start,
			"end_date":   end,
		}
		if adjust != "" && adjust != "none" {
			params["adj"] = adjust
		}
		frame, err := f.transport.Call(ctx, EndpointDaily, params, "")
		if err != nil {
			return nil, err
		}
		if frame.Rows == nil && rangeDays(start, end) > 7 {
			log.Printf("[Fetcher] %s returned null daily payload for %s..%s, treating as empty", tsCode, start, end)
		}
		return orEmpty(frame), nil
	})
}

// FetchDailyBasic downloads daily valuation metrics for one symbol.
func (f *Fetcher) FetchDailyBasic(ctx context.Context, symbol, start, end string) (*models.Frame, error) {
	return f.fetchRange(ctx, EndpointDailyBasic, symbol, start, end)
}

// FetchIncome downloads quarterly income statements for one symbol.
func (f *Fetcher) FetchIncome(ctx context.Context, symbol, start, end string) (*models.Frame, error) {
	return f.fetchRange(ctx, EndpointIncome, symbol, start, end)
}

// FetchBalanceSheet downloads quarterly balance sheets for one symbol.
func (f *Fetcher) FetchBalanceSheet(ctx context.Context, symbol, start, end string) (*models.Frame, error) {
	return f.fetchRange(ctx, EndpointBalanceSheet, symbol, start, end)
}

// FetchCashFlow downloads quarterly cash-flow statements for one symbol.
func (f *Fetcher) FetchCashFlow(ctx context.Context, symbol, start, end string) (*models.Frame, error) {
	return f.fetchRange(ctx, EndpointCashFlow, symbol, start, end)
}

func (f *Fetcher) fetchRange(ctx context.Context, endpoint, symbol, start, end string) (*models.Frame, error) {
	tsCode, err := symbols.Normalize(symbol)
	if err != nil {
		return nil, fmt.Errorf("invalid parameter: %w", err)
	}
	return f.invoke(ctx, endpoint, func(ctx context.Context) (*models.Frame, error) {
		frame, err := f.transport.Call(ctx, endpoint, map[string]string{
			"ts_code":    tsCode,
			"start_date": start,
			"end_date":   end,
		}, "")
		if err != nil {
			return nil, err
		}
		return orEmpty(frame), nil
	})
}

// Dispatch routes a task to the matching typed method.
func (f *Fetcher) Dispatch(ctx context.Context, task models.Task) (*models.Frame, error) {
	p := task.Params
	switch task.Type {
	case models.TaskStockList:
		return f.FetchStockList(ctx)
	case models.TaskDaily:
		return f.FetchDailyHistory(ctx, task.Symbol, p.StartDate, p.EndDate, p.Adjust)
	case models.TaskDailyBasic:
		return f.FetchDailyBasic(ctx, task.Symbol, p.StartDate, p.EndDate)
	case models.TaskFinancials:
		switch p.StatementType {
		case models.StatementIncome, "":
			return f.FetchIncome(ctx, task.Symbol, p.StartDate, p.EndDate)
		case models.StatementBalanceSheet:
			return f.FetchBalanceSheet(ctx, task.Symbol, p.StartDate, p.EndDate)
		case models.StatementCashFlow:
			return f.FetchCashFlow(ctx, task.Symbol, p.StartDate, p.EndDate)
		default:
			return nil, fmt.Errorf("invalid parameter: unknown statement type %q", p.StatementType)
		}
	}
	return nil, fmt.Errorf("invalid parameter: unknown task type %q", task.Type)
}

func orEmpty(frame *models.Frame) *models.Frame {
	if frame == nil || frame.Rows == nil {
		return models.EmptyFrame()
	}
	return frame
}

// rangeDays counts the calendar days spanned by two YYYYMMDD dates,
// inclusive. Unparseable dates count as zero so the quirk check never
// masks a real error.
func rangeDays(start, end string) int {
	s, err1 := time.Parse("20060102", start)
	e, err2 := time.Parse("20060102", end)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(e.Sub(s).Hours()/24) + 1
}
