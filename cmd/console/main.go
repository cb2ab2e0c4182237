// Package main provides the console application entry point: a REPL that
// lets an operator queue backtests, run field sync, and drive the alpha
// generator against the upstream WorldQuant BRAIN platform.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minejiarong/wqbconsole/internal/catch"
	"github.com/minejiarong/wqbconsole/internal/config"
	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/fieldsync"
	"github.com/minejiarong/wqbconsole/internal/generate"
	"github.com/minejiarong/wqbconsole/internal/llm"
	"github.com/minejiarong/wqbconsole/internal/observability"
	"github.com/minejiarong/wqbconsole/internal/orchestrator"
	"github.com/minejiarong/wqbconsole/internal/session"
	"github.com/minejiarong/wqbconsole/internal/store/sqlite"
	"github.com/minejiarong/wqbconsole/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	slog.Info("starting console", slog.String("env", cfg.AppEnv))

	db, err := sqlite.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("database open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	jobs := sqlite.NewJobStore(db)
	alphas := sqlite.NewAlphaStore(db)
	fields := sqlite.NewFieldStore(db)

	sess, err := session.New(cfg)
	if err != nil {
		slog.Error("session init failed", slog.Any("error", err))
		os.Exit(1)
	}

	llmClient, err := llm.New(cfg)
	if err != nil {
		slog.Error("llm client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	events := make(domain.Events, 256)

	fieldSyncSvc := fieldsync.New(sess, fields, cfg, events)
	generatorSvc := generate.New(llmClient, sess.Catalog(), fields, alphas, jobs, events)
	catchSvc := catch.New(sess, alphas, events)

	retryCfg := domain.RetryConfig{Base: cfg.RetryBase, Cap: cfg.RetryCap, MaxRetries: cfg.RetryMaxRetries}
	w := worker.New(sess)
	pool := worker.NewPool(jobs, alphas, w, cfg.WorkerPoolSize, retryCfg)

	watchdog := orchestrator.NewWatchdog(jobs, alphas, cfg.AlphaStaleAfter, cfg.WatchdogInterval, events)

	orc := orchestrator.New(jobs, alphas, fields, fieldSyncSvc, generatorSvc, catchSvc, events, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go pool.Run(ctx)
	go watchdog.Run(ctx)
	go printEvents(ctx, events)

	slog.Info("console ready", slog.Int("worker_pool_size", cfg.WorkerPoolSize))
	runREPL(ctx, orc)
	slog.Info("console stopped")
}

// printEvents drains the shared event channel to stdout until ctx is
// cancelled (spec §9: "a terminal UI in production, a test harness
// otherwise" — this is that terminal UI).
func printEvents(ctx context.Context, events domain.Events) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			printEvent(ev)
		}
	}
}

func printEvent(ev domain.Event) {
	switch e := ev.(type) {
	case domain.LogEvent:
		fmt.Println(e.Msg)
	case domain.MessageEvent:
		fmt.Println(e.Msg)
	case domain.ErrorEvent:
		fmt.Println("error: " + e.Msg)
	case domain.AlphasEvent:
		for _, a := range e.Alphas {
			fmt.Printf("  %-50s %-8s sharpe=%s\n", a.Expression, a.Status, formatFloatPtr(a.IsSharpe))
		}
	case domain.DetailEvent:
		fmt.Printf("  %s (%s/%s) sharpe=%s fitness=%s\n", e.Alpha.Expression, e.Alpha.Region, e.Alpha.Universe, formatFloatPtr(e.Alpha.IsSharpe), formatFloatPtr(e.Alpha.IsFitness))
	case domain.StatsEvent:
		fmt.Printf("  total=%d pending=%d running=%d completed=%d retryable=%d fatal=%d exceeded=%d\n",
			e.Stats.Total, e.Stats.Pending, e.Stats.Running, e.Stats.Completed, e.Stats.Retryable, e.Stats.Fatal, e.Stats.Exceeded)
	case domain.FieldStatsRowsEvent:
		for _, row := range e.Rows {
			fmt.Printf("  %s/%s/%d: %d fields\n", row.Region, row.Universe, row.Delay, row.DistinctFieldCnt)
		}
	}
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", *v)
}

func runREPL(ctx context.Context, orc *orchestrator.Orchestrator) {
	scanner := bufio.NewScanner(os.Stdin)
	inputLines := make(chan string)
	go func() {
		defer close(inputLines)
		for scanner.Scan() {
			inputLines <- scanner.Text()
		}
	}()

	fmt.Print("wqbconsole> ")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-inputLines:
			if !ok {
				return
			}
			if orc.Dispatch(ctx, line) {
				return
			}
			fmt.Print("wqbconsole> ")
		}
	}
}
