package models

import (
	"testing"
)

func TestIncrementRetryIsPure(t *testing.T) {
	t.Parallel()

	orig := NewTask("600519.SH", TaskDaily, TaskParams{StartDate: "20240101", EndDate: "20240131"}, PriorityNormal)
	bumped := orig.IncrementRetry()

	if orig.RetryCount != 0 {
		t.Fatalf("original mutated: retry count %d", orig.RetryCount)
	}
	if bumped.RetryCount != 1 {
		t.Fatalf("bumped retry count = %d, want 1", bumped.RetryCount)
	}
	if bumped.ID != orig.ID {
		t.Fatalf("retry changed task identity: %s != %s", bumped.ID, orig.ID)
	}
	if !bumped.CreatedAt.Equal(orig.CreatedAt) {
		t.Fatal("retry changed creation time")
	}
}

func TestCanRetry(t *testing.T) {
	t.Parallel()

	task := NewTask("600519.SH", TaskDaily, TaskParams{}, PriorityNormal)
	for i := 0; i < task.MaxRetries; i++ {
		if !task.CanRetry() {
			t.Fatalf("CanRetry=false at retry_count=%d, max=%d", task.RetryCount, task.MaxRetries)
		}
		task = task.IncrementRetry()
	}
	if task.CanRetry() {
		t.Fatalf("CanRetry=true after exhausting budget (%d/%d)", task.RetryCount, task.MaxRetries)
	}
}

func TestParseTaskType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    TaskType
		wantErr bool
	}{
		{in: "daily", want: TaskDaily},
		{in: "daily_basic", want: TaskDailyBasic},
		{in: "financials", want: TaskFinancials},
		{in: "stock_list", want: TaskStockList},
		{in: "weekly", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTaskType(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("ParseTaskType(%q) err=%v, wantErr=%v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseTaskType(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTaskIDsAreUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		task := NewTask(SystemSymbol, TaskStockList, TaskParams{}, PriorityHigh)
		if seen[task.ID] {
			t.Fatalf("duplicate task id %s", task.ID)
		}
		seen[task.ID] = true
	}
}

func TestDataTypeSplitsFinancials(t *testing.T) {
	t.Parallel()

	task := NewTask("600519.SH", TaskFinancials, TaskParams{StatementType: StatementCashFlow}, PriorityNormal)
	if got := task.DataType(); got != "financials_cashflow" {
		t.Fatalf("DataType()=%q, want financials_cashflow", got)
	}
	daily := NewTask("600519.SH", TaskDaily, TaskParams{}, PriorityNormal)
	if got := daily.DataType(); got != "daily" {
		t.Fatalf("DataType()=%q, want daily", got)
	}
}
