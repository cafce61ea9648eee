package deadletter

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"stocksync/internal/models"
)

func tempLog(t *testing.T) *Log {
	t.Helper()
	return NewLog(filepath.Join(t.TempDir(), "dead_letter.jsonl"))
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	t.Parallel()

	l := tempLog(t)
	task := models.NewTask("600519.SH", models.TaskDaily, models.TaskParams{
		StartDate: "20240101", EndDate: "20240131", TaskName: "daily",
	}, models.PriorityNormal)
	task.RetryCount = 3

	if err := l.Write(task, errors.New("connection reset by peer")); err != nil {
		t.Fatalf("write: %v", err)
	}

	records, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.TaskID != task.ID || rec.Symbol != "600519.SH" || rec.TaskType != "daily" {
		t.Fatalf("record identity mismatch: %+v", rec)
	}
	if rec.RetryCount != 3 || rec.MaxRetries != 3 {
		t.Fatalf("retry accounting mismatch: %+v", rec)
	}
	if !strings.Contains(rec.ErrorMessage, "connection reset") {
		t.Fatalf("error message lost: %q", rec.ErrorMessage)
	}
	if rec.FailedAt.IsZero() || rec.FailedAt.Location() != rec.FailedAt.UTC().Location() {
		t.Fatalf("failed_at must be UTC and set: %v", rec.FailedAt)
	}
	if got := rec.Params["start_date"]; got != "20240101" {
		t.Fatalf("params.start_date=%v, want 20240101", got)
	}
}

func TestReadFilters(t *testing.T) {
	t.Parallel()

	l := tempLog(t)
	for _, tc := range []struct {
		symbol string
		typ    models.TaskType
	}{
		{"600519.SH", models.TaskDaily},
		{"000001.SZ", models.TaskDaily},
		{"600519.SH", models.TaskDailyBasic},
	} {
		task := models.NewTask(tc.symbol, tc.typ, models.TaskParams{}, models.PriorityNormal)
		if err := l.Write(task, errors.New("timeout")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	byType, err := l.Read(Filter{TaskType: "daily"})
	if err != nil {
		t.Fatalf("read by type: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("daily filter: got %d, want 2", len(byType))
	}

	bySymbol, err := l.Read(Filter{SymbolPattern: "600519"})
	if err != nil {
		t.Fatalf("read by symbol: %v", err)
	}
	if len(bySymbol) != 2 {
		t.Fatalf("symbol filter: got %d, want 2", len(bySymbol))
	}

	limited, err := l.Read(Filter{Limit: 1})
	if err != nil {
		t.Fatalf("read limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit filter: got %d, want 1", len(limited))
	}
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	l := NewLog(filepath.Join(t.TempDir(), "nope.jsonl"))
	records, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d records from missing file", len(records))
	}
}

func TestReadSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	l := tempLog(t)
	task := models.NewTask("600519.SH", models.TaskDaily, models.TaskParams{}, models.PriorityNormal)
	if err := l.Write(task, errors.New("timeout")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()
	if err := l.Write(task, errors.New("timeout again")); err != nil {
		t.Fatalf("write after corruption: %v", err)
	}

	records, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 valid ones", len(records))
	}
}

func TestArchiveRemovesOnlyNamedTasks(t *testing.T) {
	t.Parallel()

	l := tempLog(t)
	keep := models.NewTask("600519.SH", models.TaskDaily, models.TaskParams{}, models.PriorityNormal)
	gone := models.NewTask("000001.SZ", models.TaskDaily, models.TaskParams{}, models.PriorityNormal)
	for _, task := range []models.Task{keep, gone} {
		if err := l.Write(task, errors.New("timeout")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	removed, err := l.Archive([]string{gone.ID, "does-not-exist"})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d, want 1", removed)
	}

	records, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 1 || records[0].TaskID != keep.ID {
		t.Fatalf("surviving records wrong: %+v", records)
	}
}

func TestConcurrentWritesAreAllRecorded(t *testing.T) {
	t.Parallel()

	l := tempLog(t)
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := models.NewTask("600519.SH", models.TaskDaily, models.TaskParams{}, models.PriorityNormal)
			if err := l.Write(task, errors.New("timeout")); err != nil {
				t.Errorf("write: %v", err)
			}
		}()
	}
	wg.Wait()

	records, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != n {
		t.Fatalf("got %d records, want %d", len(records), n)
	}
}

func TestMissingSymbolsAndStatistics(t *testing.T) {
	t.Parallel()

	l := tempLog(t)
	task := models.NewTask("600519.SH", models.TaskDaily, models.TaskParams{}, models.PriorityNormal)
	if err := l.Write(task, errors.New("timeout")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.LogMissingSymbols(models.TaskDailyBasic, []string{"000001.SZ", "000002.SZ"}); err != nil {
		t.Fatalf("log missing: %v", err)
	}

	stats, err := l.Statistics()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total=%d, want 3", stats.Total)
	}
	if stats.ByErrorType[ErrTypeMissingData] != 2 {
		t.Fatalf("missing-data count=%d, want 2", stats.ByErrorType[ErrTypeMissingData])
	}
	if stats.ByTaskType["daily"] != 1 || stats.ByTaskType["daily_basic"] != 2 {
		t.Fatalf("by task type wrong: %+v", stats.ByTaskType)
	}
}

func TestToTasksRebuildsRunnableWork(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Symbol: "600519.SH", TaskType: "daily", Params: map[string]any{"start_date": "20240101"}},
		{Symbol: "system", TaskType: "stock_list", Params: map[string]any{}},
		{Symbol: "000001.SZ", TaskType: "financials", Params: map[string]any{"statement_type": "income"}},
		{Symbol: "x", TaskType: "bogus"},
	}

	tasks := ToTasks(records, "20240630")
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3 (bogus type skipped)", len(tasks))
	}
	if tasks[0].Params.StartDate != "20240101" || tasks[0].Params.EndDate != "20240630" {
		t.Fatalf("date range not rebuilt: %+v", tasks[0].Params)
	}
	if tasks[1].Priority != models.PriorityHigh {
		t.Fatalf("system task should be high priority, got %v", tasks[1].Priority)
	}
	if tasks[2].Params.StatementType != models.StatementIncome {
		t.Fatalf("statement type lost: %+v", tasks[2].Params)
	}
	if tasks[0].ID == "" || tasks[0].ID == records[0].TaskID {
		t.Fatal("replayed task must get a fresh id")
	}
}
