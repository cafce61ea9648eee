package engine

import (
	"fmt"
	"log"
	"time"

	"stocksync/internal/models"
	"stocksync/internal/symbols"
)

// EarliestMarketDate is the first feasible trading date; force runs and
// symbols with no watermark start here.
const EarliestMarketDate = "19901219"

// TaskSpec is one enabled entry from the tasks config, resolved by a group.
type TaskSpec struct {
	Name          string
	Type          models.TaskType
	Adjust        string
	StatementType models.StatementType
	StartDate     string
	EndDate       string
}

// Job is a declarative run request: which task specs, over which symbols.
type Job struct {
	Specs      []TaskSpec
	Symbols    []string
	AllSymbols bool
	Force      bool
}

// PlannerStorage is the slice of the storage engine planning needs.
type PlannerStorage interface {
	GetAllStockCodes() ([]string, error)
	BatchGetLatestDates(dataType string, symbols []string) (map[string]string, error)
}

// plan expands a job into concrete tasks: system tasks for phase 1,
// per-symbol business tasks with incremental date ranges for phase 2.
func (e *Engine) plan(job Job) (system, business []models.Task, dropped int, err error) {
	var systemSpecs, businessSpecs []TaskSpec
	for _, spec := range job.Specs {
		if spec.Type.IsSystem() {
			systemSpecs = append(systemSpecs, spec)
		} else {
			businessSpecs = append(businessSpecs, spec)
		}
	}

	for _, spec := range systemSpecs {
		system = append(system, models.NewTask(models.SystemSymbol, spec.Type, models.TaskParams{
			TaskName: spec.Name,
			ForceRun: job.Force,
		}, models.PriorityHigh))
	}

	if len(businessSpecs) == 0 {
		return system, nil, 0, nil
	}

	syms, err := e.resolveSymbols(job)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(syms) == 0 {
		log.Printf("[Engine] No symbols to plan business tasks for")
		return system, nil, 0, nil
	}

	end := e.today()
	for _, spec := range businessSpecs {
		// One grouped watermark query per task spec, never per symbol.
		marks, err := e.storage.BatchGetLatestDates(watermarkDataType(spec), syms)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("watermarks for %s: %w", spec.Name, err)
		}
		for _, sym := range syms {
			start := EarliestMarketDate
			if !job.Force {
				if mark, ok := marks[sym]; ok {
					next, err := nextDay(mark)
					if err != nil {
						return nil, nil, 0, fmt.Errorf("watermark %q for %s/%s: %w", mark, spec.Name, sym, err)
					}
					start = next
				}
			}
			if spec.StartDate != "" && spec.StartDate > start {
				start = spec.StartDate
			}
			taskEnd := end
			if spec.EndDate != "" && spec.EndDate < taskEnd {
				taskEnd = spec.EndDate
			}
			if start > taskEnd {
				dropped++
				continue
			}
			business = append(business, models.NewTask(sym, spec.Type, models.TaskParams{
				StartDate:     start,
				EndDate:       taskEnd,
				Adjust:        spec.Adjust,
				StatementType: spec.StatementType,
				TaskName:      spec.Name,
				ForceRun:      job.Force,
			}, models.PriorityNormal))
		}
	}
	return system, business, dropped, nil
}

// resolveSymbols turns the job's symbol selection into normalized ts_codes.
// Invalid symbols are logged and dropped, never fatal.
func (e *Engine) resolveSymbols(job Job) ([]string, error) {
	if job.AllSymbols {
		codes, err := e.storage.GetAllStockCodes()
		if err != nil {
			return nil, fmt.Errorf("read security master: %w", err)
		}
		if len(codes) == 0 {
			log.Printf("[Engine] Security master is empty; run the stock_list task first")
		}
		return codes, nil
	}
	valid, invalid := symbols.NormalizeAll(job.Symbols)
	for _, bad := range invalid {
		log.Printf("[Engine] Dropping invalid symbol %q", bad)
	}
	return valid, nil
}

// watermarkDataType maps a spec to the data type its watermark lives under.
// All three financial statement types share one table and one watermark.
func watermarkDataType(spec TaskSpec) string {
	return string(spec.Type)
}

func nextDay(date string) (string, error) {
	d, err := time.Parse("20060102", date)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, 1).Format("20060102"), nil
}
