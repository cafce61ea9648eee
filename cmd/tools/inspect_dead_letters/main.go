// Command inspect_dead_letters lists, summarizes, and archives records in
// the dead-letter log.
//
// Usage:
//
//	inspect_dead_letters -list [-task-type daily] [-symbol 600519.SH] [-limit 20]
//	inspect_dead_letters -stats
//	inspect_dead_letters -archive id1,id2,...
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"stocksync/internal/deadletter"
)

func main() {
	path := flag.String("path", "logs/dead_letter.jsonl", "dead-letter log path")
	list := flag.Bool("list", false, "list matching records")
	stats := flag.Bool("stats", false, "print per-type and per-symbol counts")
	taskType := flag.String("task-type", "", "filter by task type")
	symbol := flag.String("symbol", "", "filter by symbol")
	limit := flag.Int("limit", 0, "cap the number of listed records (0 = all)")
	archive := flag.String("archive", "", "comma-separated task IDs to remove from the log")
	flag.Parse()

	dead := deadletter.NewLog(*path)

	switch {
	case *archive != "":
		var ids []string
		for _, id := range strings.Split(*archive, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		removed, err := dead.Archive(ids)
		if err != nil {
			log.Fatalf("[Inspect] Archive failed: %v", err)
		}
		fmt.Printf("archived %d of %d requested records\n", removed, len(ids))

	case *stats:
		st, err := dead.Statistics()
		if err != nil {
			log.Fatalf("[Inspect] Statistics failed: %v", err)
		}
		fmt.Printf("total records: %d\n", st.Total)
		printCounts("by task type", st.ByTaskType)
		printCounts("by error type", st.ByErrorType)

	case *list:
		records, err := dead.Read(deadletter.Filter{
			TaskType:      *taskType,
			SymbolPattern: *symbol,
			Limit:         *limit,
		})
		if err != nil {
			log.Fatalf("[Inspect] Read failed: %v", err)
		}
		for _, rec := range records {
			fmt.Printf("%s  %-12s %-12s retries=%d/%d  %s: %s\n",
				rec.FailedAt.Format(time.RFC3339), rec.TaskType, rec.Symbol,
				rec.RetryCount, rec.MaxRetries, rec.ErrorType, rec.ErrorMessage)
		}
		fmt.Printf("%d records\n", len(records))

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func printCounts(title string, counts map[string]int) {
	fmt.Printf("%s:\n", title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, counts[k])
	}
}
