// Package verify reconciles the security master against the business
// tables: any listed symbol with no rows for a data type gets a
// MISSING_DATA dead-letter record, which a later rerun can replay.
package verify

import (
	"fmt"
	"log"
	"sort"

	"stocksync/internal/deadletter"
	"stocksync/internal/models"
	"stocksync/internal/storage"
)

// Storage is the slice of the storage engine reconciliation reads.
type Storage interface {
	GetAllStockCodes() ([]string, error)
	ListBusinessTables() ([]storage.TablePair, error)
}

// BusinessTypes are the data types reconciliation checks coverage for.
var BusinessTypes = []models.TaskType{models.TaskDaily, models.TaskDailyBasic, models.TaskFinancials}

// Result reports what reconciliation found, per data type.
type Result struct {
	Master  int
	Missing map[models.TaskType][]string
}

// Total counts missing (symbol, data type) pairs.
func (r Result) Total() int {
	n := 0
	for _, syms := range r.Missing {
		n += len(syms)
	}
	return n
}

// Run diffs the security master against stored coverage and appends one
// MISSING_DATA record per absent (symbol, data type) pair.
func Run(store Storage, dead *deadletter.Log) (Result, error) {
	result := Result{Missing: make(map[models.TaskType][]string)}

	master, err := store.GetAllStockCodes()
	if err != nil {
		return result, fmt.Errorf("read security master: %w", err)
	}
	result.Master = len(master)
	if len(master) == 0 {
		log.Printf("[Verify] Security master is empty, nothing to reconcile")
		return result, nil
	}

	pairs, err := store.ListBusinessTables()
	if err != nil {
		return result, fmt.Errorf("enumerate business tables: %w", err)
	}
	present := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		present[p.DataType+"\x1f"+p.Symbol] = true
	}

	for _, taskType := range BusinessTypes {
		var missing []string
		for _, sym := range master {
			if !present[string(taskType)+"\x1f"+sym] {
				missing = append(missing, sym)
			}
		}
		if len(missing) == 0 {
			continue
		}
		sort.Strings(missing)
		result.Missing[taskType] = missing
		log.Printf("[Verify] %d of %d symbols missing from %s", len(missing), len(master), taskType)
		if err := dead.LogMissingSymbols(taskType, missing); err != nil {
			return result, fmt.Errorf("record missing symbols for %s: %w", taskType, err)
		}
	}
	if result.Total() == 0 {
		log.Printf("[Verify] All %d symbols covered across business tables", len(master))
	}
	return result, nil
}
