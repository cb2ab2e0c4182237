package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

// JobStore persists backtest_jobs. ClaimNext runs its select+update inside a
// single *sql.Tx per call rather than a long-lived BEGIN IMMEDIATE held
// across calls, which is the source of "transaction within a transaction"
// errors when two callers share a connection.
type JobStore struct{ DB *sql.DB }

// NewJobStore constructs a JobStore over db.
func NewJobStore(db *sql.DB) *JobStore { return &JobStore{DB: db} }

func unixNow(now time.Time) int64 { return now.UTC().Unix() }

// Enqueue inserts a new job unless a non-terminal job for expression exists.
func (s *JobStore) Enqueue(ctx domain.Context, expression, region, universe string) (int64, bool, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "backtest_jobs"))

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("op=jobs.enqueue.begin: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM backtest_jobs WHERE expression=? AND status NOT IN (?,?)`,
		expression, string(domain.JobDone), string(domain.JobFailedPermanent)).Scan(&existing)
	if err != nil {
		return 0, false, fmt.Errorf("op=jobs.enqueue.check: %w", err)
	}
	if existing > 0 {
		return 0, false, nil
	}

	now := unixNow(time.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO backtest_jobs (expression, region, universe, status, priority, retry_count, max_retries, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, 5, ?, ?, ?)`,
		expression, region, universe, string(domain.JobQueued), now, now, now)
	if err != nil {
		return 0, false, fmt.Errorf("op=jobs.enqueue.insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("op=jobs.enqueue.id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("op=jobs.enqueue.commit: %w", err)
	}
	return id, true, nil
}

// ClaimNext atomically selects the highest-priority, oldest eligible job and
// marks it CLAIMED, all inside one transaction (spec §4.2, invariant 1).
func (s *JobStore) ClaimNext(ctx domain.Context, workerID string, now time.Time) (*domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()

	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim_next.begin: %w", err)
	}
	defer tx.Rollback()

	nowU := unixNow(now)
	row := tx.QueryRowContext(ctx, `
		SELECT id FROM backtest_jobs
		WHERE status IN (?, ?) AND next_run_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, string(domain.JobQueued), string(domain.JobRetryWait), nowU)

	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=jobs.claim_next.select: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE backtest_jobs SET status=?, claimed_by=?, claimed_at=?, updated_at=? WHERE id=?`,
		string(domain.JobClaimed), workerID, nowU, nowU, id); err != nil {
		return nil, fmt.Errorf("op=jobs.claim_next.update: %w", err)
	}

	j, err := scanJob(tx.QueryRowContext(ctx, jobSelectCols+` WHERE id=?`, id))
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim_next.reload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("op=jobs.claim_next.commit: %w", err)
	}
	return j, nil
}

const jobSelectCols = `SELECT id, expression, region, universe, status, priority, retry_count, max_retries,
	next_run_at, claimed_by, claimed_at, simulation_id, alpha_id, metrics_json, checks_json,
	last_error_kind, last_error_code, last_error_message, created_at, updated_at FROM backtest_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var claimedAt, createdAt, updatedAt, nextRunAt int64
	var status string
	var lastErrorKind sql.NullString
	if err := row.Scan(&j.ID, &j.Expression, &j.Region, &j.Universe, &status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&nextRunAt, &j.ClaimedBy, &claimedAt, &j.SimulationID, &j.AlphaID, &j.MetricsJSON, &j.ChecksJSON,
		&lastErrorKind, &j.LastErrorCode, &j.LastErrorMessage, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	j.NextRunAt = time.Unix(nextRunAt, 0).UTC()
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if claimedAt > 0 {
		t := time.Unix(claimedAt, 0).UTC()
		j.ClaimedAt = &t
	}
	if lastErrorKind.Valid {
		k := domain.ErrorKind(lastErrorKind.String)
		j.LastErrorKind = &k
	}
	return &j, nil
}

// MarkStatus transitions a job to status, optionally recording a simulation id.
func (s *JobStore) MarkStatus(ctx domain.Context, id int64, status domain.JobStatus, simulationID *string) error {
	now := unixNow(time.Now())
	var err error
	if simulationID != nil {
		_, err = s.DB.ExecContext(ctx, `UPDATE backtest_jobs SET status=?, simulation_id=?, updated_at=? WHERE id=?`,
			string(status), *simulationID, now, id)
	} else {
		_, err = s.DB.ExecContext(ctx, `UPDATE backtest_jobs SET status=?, updated_at=? WHERE id=?`,
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("op=jobs.mark_status: %w", err)
	}
	return nil
}

// MarkDone records a successful terminal outcome.
func (s *JobStore) MarkDone(ctx domain.Context, id int64, simulationID, alphaID string, res domain.BacktestResult) error {
	now := unixNow(time.Now())
	_, err := s.DB.ExecContext(ctx, `
		UPDATE backtest_jobs SET status=?, simulation_id=?, alpha_id=?, metrics_json=?, checks_json=?, updated_at=?
		WHERE id=?`, string(domain.JobDone), simulationID, alphaID, res.MetricsJSON, res.ChecksJSON, now, id)
	if err != nil {
		return fmt.Errorf("op=jobs.mark_done: %w", err)
	}
	return nil
}

// MarkFailedRetryable increments retry_count and schedules the next attempt,
// or escalates to FAILED_PERMANENT/RETRY_EXCEEDED if max_retries is spent
// (spec §4.2, invariant 4).
func (s *JobStore) MarkFailedRetryable(ctx domain.Context, id int64, kind domain.ErrorKind, code, message *string, nextRunAt time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=jobs.mark_failed_retryable.begin: %w", err)
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count, max_retries FROM backtest_jobs WHERE id=?`, id).
		Scan(&retryCount, &maxRetries); err != nil {
		return fmt.Errorf("op=jobs.mark_failed_retryable.select: %w", err)
	}
	retryCount++
	now := unixNow(time.Now())

	if retryCount > maxRetries {
		exceeded := domain.ErrKindRetryExceeded
		if _, err := tx.ExecContext(ctx, `
			UPDATE backtest_jobs SET status=?, retry_count=?, last_error_kind=?, last_error_code=?, last_error_message=?, updated_at=?
			WHERE id=?`, string(domain.JobFailedPermanent), retryCount, string(exceeded), code, message, now, id); err != nil {
			return fmt.Errorf("op=jobs.mark_failed_retryable.exceeded: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE backtest_jobs SET status=?, retry_count=?, next_run_at=?, last_error_kind=?, last_error_code=?, last_error_message=?, updated_at=?
		WHERE id=?`, string(domain.JobRetryWait), retryCount, unixNow(nextRunAt), string(kind), code, message, now, id); err != nil {
		return fmt.Errorf("op=jobs.mark_failed_retryable.update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=jobs.mark_failed_retryable.commit: %w", err)
	}
	return nil
}

// MarkFailedPermanent marks a job terminally failed (non-retryable classification).
func (s *JobStore) MarkFailedPermanent(ctx domain.Context, id int64, kind domain.ErrorKind, code, message *string) error {
	now := unixNow(time.Now())
	_, err := s.DB.ExecContext(ctx, `
		UPDATE backtest_jobs SET status=?, last_error_kind=?, last_error_code=?, last_error_message=?, updated_at=?
		WHERE id=?`, string(domain.JobFailedPermanent), string(kind), code, message, now, id)
	if err != nil {
		return fmt.Errorf("op=jobs.mark_failed_permanent: %w", err)
	}
	return nil
}

// ResetStaleJobs rewrites every non-terminal state other than
// QUEUED/RETRY_WAIT back to QUEUED, the recovery path after a crash
// (spec §4.2, invariant 5).
func (s *JobStore) ResetStaleJobs(ctx domain.Context) (int, error) {
	now := unixNow(time.Now())
	res, err := s.DB.ExecContext(ctx, `
		UPDATE backtest_jobs SET status=?, next_run_at=?, updated_at=?
		WHERE status IN (?, ?, ?, ?)`,
		string(domain.JobQueued), now, now,
		string(domain.JobClaimed), string(domain.JobSubmitting), string(domain.JobRunning), string(domain.JobFetching))
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reset_stale_jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reset_stale_jobs.rows: %w", err)
	}
	return int(n), nil
}

// Stats summarizes the job queue.
func (s *JobStore) Stats(ctx domain.Context) (domain.Stats, error) {
	var st domain.Stats
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM backtest_jobs GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("op=jobs.stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("op=jobs.stats.scan: %w", err)
		}
		st.Total += n
		switch domain.JobStatus(status) {
		case domain.JobQueued, domain.JobRetryWait:
			st.Pending += n
			if domain.JobStatus(status) == domain.JobRetryWait {
				st.Retryable += n
			}
		case domain.JobClaimed, domain.JobSubmitting, domain.JobRunning, domain.JobFetching:
			st.Running += n
		case domain.JobDone:
			st.Completed += n
		case domain.JobFailedPermanent:
			st.Fatal += n
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("op=jobs.stats.rows: %w", err)
	}
	var exceeded int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM backtest_jobs WHERE last_error_kind=?`,
		string(domain.ErrKindRetryExceeded)).Scan(&exceeded); err != nil {
		return st, fmt.Errorf("op=jobs.stats.exceeded: %w", err)
	}
	st.Exceeded = exceeded
	return st, nil
}

// WipeAll deletes every job row (spec §9 Open Question: "backtest clear").
func (s *JobStore) WipeAll(ctx domain.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM backtest_jobs`); err != nil {
		return fmt.Errorf("op=jobs.wipe_all: %w", err)
	}
	return nil
}
