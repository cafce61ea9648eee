package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies which remote endpoint a task targets.
type TaskType string

const (
	TaskStockList  TaskType = "stock_list"
	TaskDaily      TaskType = "daily"
	TaskDailyBasic TaskType = "daily_basic"
	TaskFinancials TaskType = "financials"
)

// ParseTaskType validates a config-supplied task type string.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskStockList, TaskDaily, TaskDailyBasic, TaskFinancials:
		return TaskType(s), nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// IsSystem reports whether the task type belongs to phase 1.
// stock_list is the only system-level type; it feeds symbol resolution
// for everything else.
func (t TaskType) IsSystem() bool {
	return t == TaskStockList
}

// StatementType discriminates the financials endpoints.
type StatementType string

const (
	StatementIncome       StatementType = "income"
	StatementBalanceSheet StatementType = "balancesheet"
	StatementCashFlow     StatementType = "cashflow"
)

// Priority orders tasks in the task queue. Higher drains first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// SystemSymbol is the sentinel symbol for tasks that are not tied to a
// single security (currently only stock_list).
const SystemSymbol = "system"

// TaskParams carries the per-task fetch parameters. Values are set at
// planning time and never mutated afterwards.
type TaskParams struct {
	StartDate     string        // YYYYMMDD, inclusive
	EndDate       string        // YYYYMMDD, inclusive
	Adjust        string        // daily bars only: "", "qfq", "hfq"
	StatementType StatementType // financials only
	TaskName      string        // originating task-config key
	ForceRun      bool
}

// Task is one unit of fetch work. Tasks are immutable; retries go through
// IncrementRetry which returns a copy.
type Task struct {
	ID         string
	Symbol     string
	Type       TaskType
	Params     TaskParams
	Priority   Priority
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
}

// NewTask creates a task with a fresh id and the default retry budget.
func NewTask(symbol string, taskType TaskType, params TaskParams, priority Priority) Task {
	return Task{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Type:       taskType,
		Params:     params,
		Priority:   priority,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

// CanRetry reports whether the retry budget is not yet exhausted.
func (t Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// IncrementRetry returns a copy with the retry count bumped. The id and
// creation time are preserved so the task keeps its identity across retries.
func (t Task) IncrementRetry() Task {
	t.RetryCount++
	return t
}

// DataType names the storage table a task's rows land in. financials splits
// by statement type for accounting purposes but all three share one table.
func (t Task) DataType() string {
	if t.Type == TaskFinancials && t.Params.StatementType != "" {
		return string(t.Type) + "_" + string(t.Params.StatementType)
	}
	return string(t.Type)
}
