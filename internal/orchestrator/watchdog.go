package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/store"
)

// Watchdog resets jobs and alphas stuck in an in-flight state so a crashed
// worker cannot wedge the queue forever: once at startup it moves every
// claimed/submitting/running/fetching job back to QUEUED, and on each tick it
// returns alphas left simulating past a staleness threshold to PENDING.
// Adapted from the teacher's StuckJobSweeper ticker-and-sweep shape.
type Watchdog struct {
	jobs       store.JobStore
	alphas     store.AlphaStore
	staleAfter time.Duration
	interval   time.Duration
	events     domain.Events
}

// NewWatchdog constructs a Watchdog. staleAfter/interval fall back to
// sensible defaults when non-positive.
func NewWatchdog(jobs store.JobStore, alphas store.AlphaStore, staleAfter, interval time.Duration, events domain.Events) *Watchdog {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{jobs: jobs, alphas: alphas, staleAfter: staleAfter, interval: interval, events: events}
}

// Run performs crash-recovery once at startup, then sweeps stale-simulating
// alphas on every interval tick until ctx is cancelled. reset_stale_jobs is a
// startup-only operation (spec §4.2, invariant 5): it unconditionally moves
// every in-flight job back to QUEUED, so running it again on a later tick
// would yank a job a worker is still legitimately working on and let a
// second worker double-claim it.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.startupRecovery(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("watchdog stopping")
			return
		case <-ticker.C:
			w.periodicSweep(ctx)
		}
	}
}

// startupRecovery resets every in-flight job to QUEUED, the crash-recovery
// path run exactly once before the ticker loop starts.
func (w *Watchdog) startupRecovery(ctx context.Context) {
	tracer := otel.Tracer("orchestrator.watchdog")
	ctx, span := tracer.Start(ctx, "Watchdog.startupRecovery")
	defer span.End()

	resetJobs, err := w.jobs.ResetStaleJobs(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("watchdog failed to reset stale jobs", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("watchdog.reset_jobs", resetJobs))
	if resetJobs > 0 {
		slog.Warn("watchdog reset stale jobs", slog.Int("count", resetJobs))
		w.events.Emit(domain.MessageEvent{Msg: "watchdog reset " + strconv.Itoa(resetJobs) + " stale job(s)"})
	}
}

// periodicSweep resets alphas stuck in SIMULATING past staleAfter. Unlike
// reset_stale_jobs this is safe to repeat: ResetStaleSimulating only touches
// rows whose updated_at is older than staleAfter, so an alpha a worker is
// still actively simulating is left alone.
func (w *Watchdog) periodicSweep(ctx context.Context) {
	tracer := otel.Tracer("orchestrator.watchdog")
	ctx, span := tracer.Start(ctx, "Watchdog.periodicSweep")
	defer span.End()
	span.SetAttributes(attribute.Float64("watchdog.stale_after_seconds", w.staleAfter.Seconds()))

	resetAlphas, err := w.alphas.ResetStaleSimulating(ctx, w.staleAfter)
	if err != nil {
		span.RecordError(err)
		slog.Error("watchdog failed to reset stale alphas", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("watchdog.reset_alphas", resetAlphas))
	if resetAlphas > 0 {
		slog.Warn("watchdog reset stale alphas", slog.Int("count", resetAlphas))
		w.events.Emit(domain.MessageEvent{Msg: "watchdog reset " + strconv.Itoa(resetAlphas) + " stale alpha(s)"})
	}
}
