package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/observability"
	"github.com/minejiarong/wqbconsole/internal/store"
)

const idleSleep = 300 * time.Millisecond

// Pool is a fixed-size pool of concurrent workers, each independently
// claiming and running jobs until ctx is cancelled (spec §4.4).
type Pool struct {
	jobs   store.JobStore
	alphas store.AlphaStore
	w      *Worker
	size   int
	retry  domain.RetryConfig

	wg sync.WaitGroup
}

// NewPool constructs a Pool of size workers sharing jobs/alphas/w.
func NewPool(jobs store.JobStore, alphas store.AlphaStore, w *Worker, size int, retry domain.RetryConfig) *Pool {
	if size <= 0 {
		size = 10
	}
	return &Pool{jobs: jobs, alphas: alphas, w: w, size: size, retry: retry}
}

// Run starts size worker loops and blocks until ctx is cancelled and every
// loop has exited.
func (p *Pool) Run(ctx domain.Context) {
	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx domain.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.jobs.ClaimNext(ctx, workerID, time.Now())
		if err != nil {
			slog.Error("claim_next failed", slog.String("worker_id", workerID), slog.Any("error", err))
			time.Sleep(idleSleep)
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
			continue
		}
		if !job.NextRunAt.IsZero() {
			observability.JobClaimLatency.Observe(time.Since(job.NextRunAt).Seconds())
		}

		p.runOne(ctx, workerID, job)
	}
}

func (p *Pool) runOne(ctx domain.Context, workerID string, job *domain.Job) {
	tracer := otel.Tracer("worker.pool")
	ctx, span := tracer.Start(ctx, "Pool.runOne")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.expression", job.Expression),
		attribute.String("worker_id", workerID),
	)
	observability.WorkersBusy.Inc()
	defer observability.WorkersBusy.Dec()

	if err := p.jobs.MarkStatus(ctx, job.ID, domain.JobSubmitting, nil); err != nil {
		slog.Error("mark_status(SUBMITTING) failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	if err := p.alphas.MarkSimulating(ctx, job.Expression); err != nil {
		slog.Error("mark_alpha_simulating failed", slog.String("expression", job.Expression), slog.Any("error", err))
	}

	result, berr := p.w.Run(ctx, job.Expression, job.Region, job.Universe)
	if berr != nil {
		p.handleError(ctx, job, berr)
		return
	}
	p.handleSuccess(ctx, job, result)
}

func (p *Pool) handleSuccess(ctx domain.Context, job *domain.Job, result domain.BacktestResult) {
	if err := p.jobs.MarkDone(ctx, job.ID, result.SimulationID, result.AlphaID, result); err != nil {
		slog.Error("mark_done(job) failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		observability.JobsTerminalTotal.WithLabelValues("error").Inc()
		return
	}
	if err := p.alphas.MarkDone(ctx, job.Expression, result); err != nil {
		slog.Error("mark_done(alpha) failed", slog.String("expression", job.Expression), slog.Any("error", err))
	}
	observability.JobsTerminalTotal.WithLabelValues("done").Inc()
	slog.Info("job completed", slog.Int64("job_id", job.ID), slog.String("alpha_id", result.AlphaID))
}

func (p *Pool) handleError(ctx domain.Context, job *domain.Job, berr *domain.BacktestError) {
	code := string(berr.Kind)
	msg := berr.Message

	if !berr.Retryable() {
		if err := p.jobs.MarkFailedPermanent(ctx, job.ID, berr.Kind, &code, &msg); err != nil {
			slog.Error("mark_failed_permanent failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		}
		if err := p.alphas.MarkError(ctx, job.Expression); err != nil {
			slog.Error("mark_error(alpha) failed", slog.String("expression", job.Expression), slog.Any("error", err))
		}
		observability.JobsTerminalTotal.WithLabelValues("failed_permanent").Inc()
		slog.Warn("job failed permanently", slog.Int64("job_id", job.ID), slog.String("kind", code), slog.String("message", msg))
		return
	}

	nextRunAt := time.Now().Add(p.retry.NextRunDelay(job.RetryCount+1, domain.RandomJitter()))
	if err := p.jobs.MarkFailedRetryable(ctx, job.ID, berr.Kind, &code, &msg, nextRunAt); err != nil {
		slog.Error("mark_failed_retryable failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
	slog.Info("job scheduled for retry", slog.Int64("job_id", job.ID), slog.Time("next_run_at", nextRunAt))
}
