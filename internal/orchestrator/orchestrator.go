package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/minejiarong/wqbconsole/internal/catch"
	"github.com/minejiarong/wqbconsole/internal/config"
	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/fieldsync"
	"github.com/minejiarong/wqbconsole/internal/generate"
	"github.com/minejiarong/wqbconsole/internal/store"
)

const (
	defaultRegion   = "CHN"
	defaultUniverse = "TOP2000U"
)

// Orchestrator owns the long-running background tasks (the worker pool runs
// independently; this owns field sync and the generate loop) and dispatches
// one-shot commands against the stores and services.
type Orchestrator struct {
	jobs   store.JobStore
	alphas store.AlphaStore
	fields store.FieldStore

	fieldSync *fieldsync.Service
	generator *generate.Service
	catcher   *catch.Service

	events   domain.Events
	cfg      config.Config

	mu             sync.Mutex
	generateCancel context.CancelFunc
}

// New constructs an Orchestrator. The worker pool is started and owned
// separately by the caller (its lifetime spans the whole process, not just
// command dispatch).
func New(
	jobs store.JobStore,
	alphas store.AlphaStore,
	fields store.FieldStore,
	fieldSync *fieldsync.Service,
	generator *generate.Service,
	catcher *catch.Service,
	events domain.Events,
	cfg config.Config,
) *Orchestrator {
	return &Orchestrator{
		jobs: jobs, alphas: alphas, fields: fields,
		fieldSync: fieldSync, generator: generator, catcher: catcher,
		events: events, cfg: cfg,
	}
}

// Dispatch parses and executes one console command line. It returns true if
// the caller should exit the REPL (a "quit" command was issued).
func (o *Orchestrator) Dispatch(ctx context.Context, line string) (quit bool) {
	cmd := ParseCommand(strings.TrimSpace(line), o.cfg.LlmProvider)

	switch cmd.Kind {
	case KindHelp:
		o.events.Emit(domain.LogEvent{Msg: helpText})

	case KindQuit:
		o.events.Emit(domain.LogEvent{Msg: "shutting down..."})
		return true

	case KindUnknown:
		o.events.Emit(domain.LogEvent{Msg: cmd.Usage})

	case KindBacktest:
		o.doBacktest(ctx, cmd.Expr)

	case KindBacktestsClear:
		if err := o.jobs.WipeAll(ctx); err != nil {
			o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to clear backtests: %v", err)})
		} else {
			o.events.Emit(domain.MessageEvent{Msg: "backtest queue cleared"})
		}

	case KindAlphasClear:
		if err := o.alphas.WipeAll(ctx); err != nil {
			o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to clear alphas: %v", err)})
		} else {
			o.events.Emit(domain.MessageEvent{Msg: "alphas cleared"})
		}

	case KindAlphasList:
		o.doAlphasList(ctx)

	case KindDetail:
		o.doDetail(ctx, cmd.Expr)

	case KindStats:
		o.doStats(ctx)

	case KindCatch:
		go func() {
			if err := o.catcher.Run(ctx, cmd.AlphaID); err != nil {
				slog.Warn("catch failed", slog.String("alpha_id", cmd.AlphaID), slog.Any("error", err))
			}
		}()

	case KindFieldsSync:
		go func() {
			if err := o.fieldSync.SyncAllDiscovered(ctx); err != nil {
				o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("field sync failed: %v", err)})
			}
		}()

	case KindFieldStats:
		o.doFieldStats(ctx)

	case KindFieldSample:
		o.doFieldSample(ctx, cmd)

	case KindGenerateOnce:
		go o.runGenerateOnce(ctx, cmd)

	case KindGenerateStart:
		o.startGenerateLoop(ctx, cmd)

	case KindGenerateStop:
		o.stopGenerateLoop()
	}
	return false
}

func (o *Orchestrator) doBacktest(ctx context.Context, expr string) {
	if reason := generate.ValidatePrequeue(expr); reason != "" {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("rejected: %s fails prequeue validation (%s)", expr, reason)})
		return
	}
	if err := o.alphas.Upsert(ctx, domain.Alpha{
		Expression: expr, Region: defaultRegion, Universe: defaultUniverse,
		Language: "FASTEXPR", Delay: 1, Decay: 10, Neutralization: "INDUSTRY",
		Status: domain.AlphaPending, MetricsJSON: "{}", ChecksJSON: "[]",
	}); err != nil {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to persist alpha: %v", err)})
		return
	}
	if _, created, err := o.jobs.Enqueue(ctx, expr, defaultRegion, defaultUniverse); err != nil {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to enqueue: %v", err)})
	} else if created {
		o.events.Emit(domain.MessageEvent{Msg: "queued: " + expr})
	} else {
		o.events.Emit(domain.MessageEvent{Msg: "already queued: " + expr})
	}
}

// doAlphasList reports every stored alpha, mirroring original_source's
// refresh_ui (app_service.rs), which snapshots the whole table to the UI.
func (o *Orchestrator) doAlphasList(ctx context.Context) {
	list, err := o.alphas.List(ctx)
	if err != nil {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to list alphas: %v", err)})
		return
	}
	o.events.Emit(domain.AlphasEvent{Alphas: list})
}

// doDetail reports one stored alpha by expression, grounded on
// original_source's AppCommand::GetDetail handling in main.rs.
func (o *Orchestrator) doDetail(ctx context.Context, expr string) {
	alpha, err := o.alphas.Get(ctx, expr)
	if err != nil {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to look up alpha: %v", err)})
		return
	}
	if alpha == nil {
		o.events.Emit(domain.ErrorEvent{Msg: "no such alpha: " + expr})
		return
	}
	o.events.Emit(domain.DetailEvent{Alpha: *alpha})
}

// doStats reports the backtest queue's aggregate job counts, grounded on
// original_source's refresh_stats (app_service.rs).
func (o *Orchestrator) doStats(ctx context.Context) {
	stats, err := o.jobs.Stats(ctx)
	if err != nil {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to read stats: %v", err)})
		return
	}
	o.events.Emit(domain.StatsEvent{Stats: stats})
}

func (o *Orchestrator) doFieldStats(ctx context.Context) {
	rows, err := o.fields.StatsByRUD(ctx)
	if err != nil {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to read field stats: %v", err)})
		return
	}
	o.events.Emit(domain.FieldStatsRowsEvent{Rows: rows})
}

func (o *Orchestrator) doFieldSample(ctx context.Context, cmd Command) {
	region := orDefault(cmd.Region, defaultRegion)
	universe := orDefault(cmd.Universe, defaultUniverse)
	delay := cmd.Delay
	if !cmd.HasDelay {
		delay = 1
	}
	sample, err := o.fields.SampleWeighted(ctx, region, universe, delay, cmd.N)
	if err != nil {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("failed to sample fields: %v", err)})
		return
	}
	o.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("sample (%s/%s/%d, n=%d): %s", region, universe, delay, len(sample), strings.Join(sample, ", "))})
}

func (o *Orchestrator) genConfigFrom(cmd Command) generate.Config {
	delay := cmd.Delay
	if !cmd.HasDelay {
		delay = 0
	}
	return generate.Config{
		BatchSize: cmd.Batch, MaxInsert: cmd.Batch, Model: cmd.Model,
		IntervalSec: cmd.IntervalSec, Region: cmd.Region, Universe: cmd.Universe,
		Delay: delay, FieldSampleSize: cmd.SampleSize, AutoBacktest: cmd.AutoBacktest,
	}
}

func (o *Orchestrator) runGenerateOnce(ctx context.Context, cmd Command) {
	res, err := o.generator.GenerateOnce(ctx, o.genConfigFrom(cmd))
	if err != nil {
		o.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("generate once failed: %v", err)})
		return
	}
	o.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf(
		"generate once complete: candidates=%d accepted=%d queued=%d", res.Candidates, res.Accepted, res.Queued)})
}

func (o *Orchestrator) startGenerateLoop(ctx context.Context, cmd Command) {
	o.mu.Lock()
	if o.generateCancel != nil {
		o.mu.Unlock()
		o.events.Emit(domain.MessageEvent{Msg: "generate loop already running; use 'generate stop' first"})
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.generateCancel = cancel
	o.mu.Unlock()

	o.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf("generate loop started: model=%s batch=%d interval=%ds", cmd.Model, cmd.Batch, cmd.IntervalSec)})
	go func() {
		o.generator.GenerateLoop(loopCtx, o.genConfigFrom(cmd))
		o.mu.Lock()
		o.generateCancel = nil
		o.mu.Unlock()
	}()
}

func (o *Orchestrator) stopGenerateLoop() {
	o.mu.Lock()
	cancel := o.generateCancel
	o.generateCancel = nil
	o.mu.Unlock()

	if cancel == nil {
		o.events.Emit(domain.MessageEvent{Msg: "generate loop is not running"})
		return
	}
	cancel()
	o.events.Emit(domain.MessageEvent{Msg: "generate loop stopped"})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

const helpText = `commands:
  backtest <expr>              queue one expression for simulation
  backtest clear                wipe the backtest queue
  alphas | alphas list           list every stored alpha
  alphas clear                  wipe all stored alphas
  detail <expr>                  show one stored alpha's full metrics
  stats                          show backtest queue counts by status
  catch <alpha_id>               import an already-simulated alpha by id
  fields sync                    discover and sync the data-field catalog
  fields stats                   show field counts by region/universe/delay
  fields sample [region] [universe] [delay] [n]
                                  draw a weighted field sample
  generate once <n> [model] [region] [universe] [delay] [sample_size] [auto_backtest]
  generate loop <n> <interval> [model] [region] [universe] [delay] [sample_size] [auto_backtest]
  generate stop                  cancel a running generate loop
  help                           show this message
  quit                           exit`
