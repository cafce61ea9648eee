package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stocksync/internal/config"
	"stocksync/internal/consumer"
	"stocksync/internal/deadletter"
	"stocksync/internal/engine"
	"stocksync/internal/models"
	"stocksync/internal/progress"
	"stocksync/internal/ratelimit"
	"stocksync/internal/retrypolicy"
	"stocksync/internal/storage"
	"stocksync/internal/tushare"
	"stocksync/internal/verify"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "verify":
			return runVerify(args[1:])
		case "retry":
			return runRetry(args[1:])
		}
	}

	fs := flag.NewFlagSet("stocksync", flag.ContinueOnError)
	groupName := fs.String("group", "", "task group to run (required)")
	symbolsFlag := fs.String("symbols", "", "comma-separated symbols overriding the group's list")
	force := fs.Bool("force", false, "ignore watermarks and refetch from the earliest market date")
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *groupName == "" {
		fmt.Fprintln(os.Stderr, "usage: stocksync --group NAME [--symbols LIST] [--force] [--config PATH]")
		fmt.Fprintln(os.Stderr, "       stocksync verify [--config PATH]")
		fmt.Fprintln(os.Stderr, "       stocksync retry [--task-type TYPE] [--config PATH]")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Main] Failed to load config %s: %v", *configPath, err)
		return exitError
	}
	if cfg.TushareToken == "" {
		log.Printf("[Main] No Tushare token configured (set tushare_token or TUSHARE_TOKEN)")
		return exitError
	}

	group, err := cfg.Group(*groupName)
	if err != nil {
		log.Printf("[Main] %v", err)
		return exitError
	}
	job, err := buildJob(cfg, group, *symbolsFlag, *force)
	if err != nil {
		log.Printf("[Main] %v", err)
		return exitError
	}

	log.Printf("[Main] stocksync %s starting group %q (%d task specs)", BuildCommit, *groupName, len(job.Specs))

	p := wire(cfg)
	defer p.close()

	ctx, cancel := shutdownContext()
	defer cancel()

	report, err := p.engine.Run(ctx, job)
	if err != nil {
		log.Printf("[Main] Run failed: %v", err)
		return exitError
	}
	if report.State == engine.StateAborted {
		log.Printf("[Main] Run aborted")
		return exitError
	}
	if report.Failed > 0 || report.FailedBatches > 0 {
		log.Printf("[Main] Completed with failures; inspect %s and rerun to reconcile", p.dead.Path())
	}
	return exitOK
}

// pipeline bundles the process singletons a run needs.
type pipeline struct {
	store  *storage.Engine
	dead   *deadletter.Log
	bus    *progress.Bus
	engine *engine.Engine
}

func wire(cfg *config.Config) *pipeline {
	store := storage.NewEngine(cfg.Database.Path)
	dead := deadletter.NewLog(cfg.DeadLetter.Path)

	limiterOpts := make([]ratelimit.Option, 0, len(cfg.RateLimits))
	for endpoint, rule := range cfg.RateLimits {
		limiterOpts = append(limiterOpts, ratelimit.WithOverride(endpoint, ratelimit.Rule{
			Calls: rule.Calls, Period: rule.Period,
		}))
	}
	limiter := ratelimit.New(ratelimit.DefaultRule, limiterOpts...)
	fetcher := tushare.NewFetcher(tushare.NewClient(cfg.TushareToken, cfg.APIURL), limiter, retrypolicy.Default)

	bus := progress.New()
	startLogSubscriber(bus)

	eng := engine.New(store, store, fetcher, dead, bus, engine.Options{
		MaxProducers:  cfg.Downloader.MaxProducers,
		MaxConsumers:  cfg.Downloader.MaxConsumers,
		TaskQueueSize: cfg.Downloader.ProducerQueueSize,
		DataQueueSize: cfg.Downloader.DataQueueSize,
		Consumer: consumer.Options{
			BatchSize:     cfg.Consumer.BatchSize,
			FlushInterval: cfg.Consumer.FlushInterval,
			MaxRetries:    cfg.Consumer.MaxRetries,
		},
	})
	return &pipeline{store: store, dead: dead, bus: bus, engine: eng}
}

func (p *pipeline) close() {
	p.bus.Close()
	p.store.Close()
}

// shutdownContext cancels on SIGINT/SIGTERM so the engine finishes current
// tasks and flushes before exiting.
func shutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[Main] Received %s, finishing current tasks and flushing...", sig)
		cancel()
	}()
	return ctx, cancel
}

// buildJob resolves a group into the engine's job: enabled task specs in the
// group's order, plus the symbol selection with CLI override.
func buildJob(cfg *config.Config, group config.Group, symbolsFlag string, force bool) (engine.Job, error) {
	var specs []engine.TaskSpec
	for _, name := range group.Tasks {
		tc, ok := cfg.Tasks[name]
		if !ok {
			return engine.Job{}, fmt.Errorf("group references unknown task %q", name)
		}
		if !tc.Enabled {
			log.Printf("[Main] Skipping disabled task %q", name)
			continue
		}
		taskType, err := models.ParseTaskType(tc.Type)
		if err != nil {
			return engine.Job{}, fmt.Errorf("task %q: %w", name, err)
		}
		specs = append(specs, engine.TaskSpec{
			Name:          tc.Name,
			Type:          taskType,
			Adjust:        tc.Adjust,
			StatementType: models.StatementType(tc.StatementType),
			StartDate:     tc.StartDate,
			EndDate:       tc.EndDate,
		})
	}

	job := engine.Job{Specs: specs, Force: force}
	switch {
	case symbolsFlag != "":
		for _, s := range strings.Split(symbolsFlag, ",") {
			if s = strings.TrimSpace(s); s != "" {
				job.Symbols = append(job.Symbols, s)
			}
		}
	case group.Symbols.All:
		job.AllSymbols = true
	case len(group.Symbols.List) > 0:
		job.Symbols = group.Symbols.List
	case cfg.Downloader.Symbols.All:
		job.AllSymbols = true
	default:
		job.Symbols = cfg.Downloader.Symbols.List
	}
	return job, nil
}

// startLogSubscriber stands in for a terminal renderer: phase and failure
// events become log lines.
func startLogSubscriber(bus *progress.Bus) {
	ch := make(chan progress.Event, 256)
	bus.Subscribe(ch)
	go func() {
		for evt := range ch {
			switch evt.Kind {
			case progress.PhaseStart:
				log.Printf("[Progress] %s started (%d tasks)", evt.Phase, evt.Total)
			case progress.PhaseEnd:
				log.Printf("[Progress] %s finished", evt.Phase)
			case progress.TaskFailed:
				log.Printf("[Progress] Task %s (%s) failed: %s", evt.TaskID, evt.Symbol, evt.Reason)
			}
		}
	}()
}

// runRetry converts dead-letter records back into tasks and replays them
// through the full pipeline. On a clean replay the archived records are
// removed from the log; failed tasks append fresh records either way.
func runRetry(args []string) int {
	fs := flag.NewFlagSet("stocksync retry", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration")
	taskType := fs.String("task-type", "", "only replay records of this task type")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Main] Failed to load config %s: %v", *configPath, err)
		return exitError
	}
	if cfg.TushareToken == "" {
		log.Printf("[Main] No Tushare token configured (set tushare_token or TUSHARE_TOKEN)")
		return exitError
	}

	p := wire(cfg)
	defer p.close()

	records, err := p.dead.Read(deadletter.Filter{TaskType: *taskType})
	if err != nil {
		log.Printf("[Main] Failed to read dead letters: %v", err)
		return exitError
	}
	if len(records) == 0 {
		log.Printf("[Main] No dead letters to replay")
		return exitOK
	}

	today := time.Now().UTC().Format("20060102")
	tasks := deadletter.ToTasks(records, today)
	log.Printf("[Main] Replaying %d tasks from %d dead letters", len(tasks), len(records))

	ctx, cancel := shutdownContext()
	defer cancel()

	report, err := p.engine.RunTasks(ctx, tasks)
	if err != nil {
		log.Printf("[Main] Replay failed: %v", err)
		return exitError
	}
	if report.State == engine.StateAborted {
		log.Printf("[Main] Replay aborted")
		return exitError
	}
	if report.Failed > 0 || report.FailedBatches > 0 {
		log.Printf("[Main] Replay completed with failures; original records kept in %s", p.dead.Path())
		return exitOK
	}

	var ids []string
	for _, rec := range records {
		if rec.TaskID != "" {
			ids = append(ids, rec.TaskID)
		}
	}
	removed, err := p.dead.Archive(ids)
	if err != nil {
		log.Printf("[Main] Replay succeeded but archiving failed: %v", err)
		return exitError
	}
	log.Printf("[Main] Replay succeeded, archived %d dead letters", removed)
	return exitOK
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("stocksync verify", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Main] Failed to load config %s: %v", *configPath, err)
		return exitError
	}

	store := storage.NewEngine(cfg.Database.Path)
	defer store.Close()
	dead := deadletter.NewLog(cfg.DeadLetter.Path)

	result, err := verify.Run(store, dead)
	if err != nil {
		log.Printf("[Main] Verify failed: %v", err)
		return exitError
	}
	log.Printf("[Main] Verify complete: %d symbols in master, %d missing pairs recorded", result.Master, result.Total())
	return exitOK
}
