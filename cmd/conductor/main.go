package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nevindra/conductor"
	"github.com/nevindra/conductor/agents/events"
	"github.com/nevindra/conductor/agents/marketdata"
	"github.com/nevindra/conductor/agents/predmarket"
	"github.com/nevindra/conductor/bus"
	"github.com/nevindra/conductor/internal/config"
	"github.com/nevindra/conductor/observer"
	"github.com/nevindra/conductor/store/postgres"
	"github.com/nevindra/conductor/store/sqlite"
)

func main() {
	var (
		configPath     = flag.String("config", os.Getenv("CONDUCTOR_CONFIG"), "path to conductor.toml")
		reportPath     = flag.String("report", "", "write an HTML run report to this path")
		skipValidation = flag.Bool("skip-validation", false, "skip the post-run validation verdict")
		verbose        = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: conductor [flags] <query>")
		os.Exit(2)
	}

	cfg := config.Load(*configPath)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	if cfg.Planner.Provider != "" {
		logger.Warn("planner provider configured but no provider is bundled; using deterministic planning",
			"provider", cfg.Planner.Provider)
	}

	var tracer conductor.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		tracer = observer.NewTracer()
	}

	// Task store
	var store conductor.TaskStore
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Database.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = pg
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	defer store.Close()

	// Artifact bus
	artifactBus, err := bus.New(cfg.Bus.Root, bus.WithLogger(logger))
	if err != nil {
		log.Fatalf("bus: %v", err)
	}

	// Agents. With the observer enabled, workers register behind a wrapper
	// that records per-task metrics.
	reg := conductor.NewRegistry()
	instrument := func(w conductor.Worker) conductor.Worker {
		if inst != nil {
			return inst.WrapWorker(w)
		}
		return w
	}

	md := marketdata.Open(marketDataPath(cfg), marketdata.WithLogger(logger))
	defer md.Close()
	if err := marketdata.EnsureSchema(ctx, md.DB()); err != nil {
		log.Fatalf("market data schema: %v", err)
	}
	if err := reg.Register(marketdata.Spec(), instrument(md), marketdata.Tool()); err != nil {
		log.Fatalf("register market data agent: %v", err)
	}

	if cfg.Search.Endpoint != "" {
		pm := predmarket.New(cfg.Search.Endpoint, cfg.Search.APIKey, predmarket.WithLogger(logger))
		if err := reg.Register(predmarket.Spec(), instrument(pm), predmarket.Tool()); err != nil {
			log.Fatalf("register prediction market agent: %v", err)
		}
	}

	ev := events.New(eventSources(), events.WithLogger(logger))
	if err := reg.Register(events.Spec(), instrument(ev), events.Tool()); err != nil {
		log.Fatalf("register events agent: %v", err)
	}

	// Engine
	var execOpts []conductor.ExecutorOption
	if cfg.Execution.MaxParallel > 0 {
		execOpts = append(execOpts, conductor.WithMaxParallel(cfg.Execution.MaxParallel))
	}
	if cfg.Execution.TaskTimeoutSec > 0 {
		execOpts = append(execOpts, conductor.WithTaskTimeout(time.Duration(cfg.Execution.TaskTimeoutSec)*time.Second))
	}
	if cfg.Execution.DepWaitTimeoutSec > 0 {
		execOpts = append(execOpts, conductor.WithDepWaitTimeout(time.Duration(cfg.Execution.DepWaitTimeoutSec)*time.Second))
	}

	engine := conductor.NewEngine(reg, store, artifactBus,
		conductor.WithLogger(logger),
		conductor.WithTracer(tracer),
		conductor.WithMaxSubtasks(cfg.Planner.MaxSubtasks),
		conductor.WithExecutor(execOpts...),
	)

	var runOpts []conductor.RunOption
	if *skipValidation {
		runOpts = append(runOpts, conductor.SkipValidation())
	}

	res, err := engine.Run(ctx, query, runOpts...)
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	if inst != nil {
		inst.RecordRun(ctx, res)
	}

	fmt.Println(conductor.ReportMarkdown(res))

	if *reportPath != "" {
		html, err := conductor.ReportHTML(res)
		if err != nil {
			log.Fatalf("report: %v", err)
		}
		if err := os.WriteFile(*reportPath, []byte(html), 0o644); err != nil {
			log.Fatalf("write report: %v", err)
		}
		logger.Info("report written", "path", *reportPath)
	}
}

// marketDataPath puts the market data table next to the task store file.
func marketDataPath(cfg config.Config) string {
	dir := filepath.Dir(cfg.Database.Path)
	return filepath.Join(dir, "market_data.db")
}

func eventSources() []string {
	if v := os.Getenv("CONDUCTOR_EVENT_SOURCES"); v != "" {
		return strings.Split(v, ",")
	}
	return nil
}
