// Package deadletter keeps the durable record of terminally failed work:
// one JSON object per line, append-only, safe under concurrent workers.
// The file is the single authoritative channel for failures; a task either
// produced a stored batch or has exactly one record here.
package deadletter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stocksync/internal/models"
)

// ErrTypeMissingData marks reconcile records for symbols absent from a
// business table (written by verify, not by the producer pool).
const ErrTypeMissingData = "MISSING_DATA"

// Record is the line-delimited JSON schema.
type Record struct {
	TaskID            string         `json:"task_id"`
	Symbol            string         `json:"symbol"`
	TaskType          string         `json:"task_type"`
	Params            map[string]any `json:"params"`
	Priority          int            `json:"priority"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	ErrorType         string         `json:"error_type"`
	ErrorMessage      string         `json:"error_message"`
	FailedAt          time.Time      `json:"failed_at"`
	OriginalCreatedAt time.Time      `json:"original_created_at"`
}

// Filter narrows Read results. Zero values match everything.
type Filter struct {
	TaskType      string
	SymbolPattern string // substring match
	Limit         int
}

// Stats groups record counts for reporting.
type Stats struct {
	Total       int
	ByTaskType  map[string]int
	ByErrorType map[string]int
}

// Log appends, reads, and rewrites the dead-letter file. All writes are
// serialized through one process-wide mutex for portability; the one-line
// format keeps each record readable even if an append is torn elsewhere.
type Log struct {
	mu   sync.Mutex
	path string
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string {
	return l.path
}

// Write appends one record for a task that exhausted its retries.
func (l *Log) Write(task models.Task, taskErr error) error {
	rec := Record{
		TaskID:     task.ID,
		Symbol:     task.Symbol,
		TaskType:   string(task.Type),
		Params:     paramsMap(task.Params),
		Priority:   int(task.Priority),
		RetryCount: task.RetryCount,
		MaxRetries: task.MaxRetries,
		ErrorType:  errorType(taskErr),
		ErrorMessage: func() string {
			if taskErr == nil {
				return ""
			}
			return taskErr.Error()
		}(),
		FailedAt:          time.Now().UTC(),
		OriginalCreatedAt: task.CreatedAt,
	}
	return l.append(rec)
}

// LogMissingSymbols appends one MISSING_DATA record per symbol for the
// reconcile workflow.
func (l *Log) LogMissingSymbols(taskType models.TaskType, symbols []string) error {
	now := time.Now().UTC()
	for _, sym := range symbols {
		rec := Record{
			TaskID:            uuid.NewString(),
			Symbol:            sym,
			TaskType:          string(taskType),
			Params:            map[string]any{},
			Priority:          int(models.PriorityNormal),
			ErrorType:         ErrTypeMissingData,
			ErrorMessage:      fmt.Sprintf("symbol %s missing from %s", sym, taskType),
			FailedAt:          now,
			OriginalCreatedAt: now,
		}
		if err := l.append(rec); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create dead letter dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dead letter log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append dead letter record: %w", err)
	}
	return nil
}

// Read returns records matching the filter, oldest first.
func (l *Log) Read(filter Filter) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(filter)
}

func (l *Log) readLocked(filter Filter) ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open dead letter log: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("[DeadLetter] Skipping malformed record at %s:%d: %v", l.path, line, err)
			continue
		}
		if filter.TaskType != "" && rec.TaskType != filter.TaskType {
			continue
		}
		if filter.SymbolPattern != "" && !strings.Contains(rec.Symbol, filter.SymbolPattern) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan dead letter log: %w", err)
	}
	return out, nil
}

// Archive rewrites the file without the named task ids. Copy-remaining to a
// temp file then rename, so readers never see a half-written log.
func (l *Log) Archive(taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		drop[id] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readLocked(Filter{})
	if err != nil {
		return 0, err
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open temp dead letter log: %w", err)
	}

	removed := 0
	w := bufio.NewWriter(f)
	for _, rec := range records {
		if drop[rec.TaskID] {
			removed++
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("marshal record %s: %w", rec.TaskID, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("write temp dead letter log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("flush temp dead letter log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close temp dead letter log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replace dead letter log: %w", err)
	}
	return removed, nil
}

// Statistics counts records grouped by task type and error type.
func (l *Log) Statistics() (Stats, error) {
	records, err := l.Read(Filter{})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		ByTaskType:  make(map[string]int),
		ByErrorType: make(map[string]int),
	}
	for _, rec := range records {
		stats.Total++
		stats.ByTaskType[rec.TaskType]++
		stats.ByErrorType[rec.ErrorType]++
	}
	return stats, nil
}

// ToTasks converts records back into runnable tasks with fresh ids, for
// replaying terminally failed work. MISSING_DATA records get a full-history
// date range since there is nothing persisted to resume from.
func ToTasks(records []Record, endDate string) []models.Task {
	tasks := make([]models.Task, 0, len(records))
	for _, rec := range records {
		taskType, err := models.ParseTaskType(rec.TaskType)
		if err != nil {
			log.Printf("[DeadLetter] Skipping record with unknown task type %q", rec.TaskType)
			continue
		}
		params := models.TaskParams{
			StartDate:     str(rec.Params["start_date"]),
			EndDate:       str(rec.Params["end_date"]),
			Adjust:        str(rec.Params["adjust"]),
			StatementType: models.StatementType(str(rec.Params["statement_type"])),
			TaskName:      str(rec.Params["task_name"]),
		}
		if params.EndDate == "" {
			params.EndDate = endDate
		}
		priority := models.PriorityNormal
		if taskType.IsSystem() {
			priority = models.PriorityHigh
		}
		tasks = append(tasks, models.NewTask(rec.Symbol, taskType, params, priority))
	}
	return tasks
}

func paramsMap(p models.TaskParams) map[string]any {
	m := map[string]any{
		"start_date": p.StartDate,
		"end_date":   p.EndDate,
		"task_name":  p.TaskName,
		"force_run":  p.ForceRun,
	}
	if p.Adjust != "" {
		m["adjust"] = p.Adjust
	}
	if p.StatementType != "" {
		m["statement_type"] = string(p.StatementType)
	}
	return m
}

func errorType(err error) string {
	if err == nil {
		return "unknown"
	}
	return fmt.Sprintf("%T", err)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
