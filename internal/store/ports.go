// Package store defines the persistence ports (JobStore, AlphaStore,
// FieldStore) implemented concretely by internal/store/sqlite.
package store

import (
	"time"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

// JobStore is the durable queue of backtest jobs (spec §4.2).
type JobStore interface {
	Enqueue(ctx domain.Context, expression, region, universe string) (int64, bool, error)
	ClaimNext(ctx domain.Context, workerID string, now time.Time) (*domain.Job, error)
	MarkStatus(ctx domain.Context, id int64, status domain.JobStatus, simulationID *string) error
	MarkDone(ctx domain.Context, id int64, simulationID, alphaID string, res domain.BacktestResult) error
	MarkFailedRetryable(ctx domain.Context, id int64, kind domain.ErrorKind, code, message *string, nextRunAt time.Time) error
	MarkFailedPermanent(ctx domain.Context, id int64, kind domain.ErrorKind, code, message *string) error
	ResetStaleJobs(ctx domain.Context) (int, error)
	Stats(ctx domain.Context) (domain.Stats, error)
	WipeAll(ctx domain.Context) error
}

// AlphaStore mediates the Alpha row lifecycle (spec §3, §4.2).
type AlphaStore interface {
	Upsert(ctx domain.Context, a domain.Alpha) error
	MarkSimulating(ctx domain.Context, expression string) error
	MarkDone(ctx domain.Context, expression string, res domain.BacktestResult) error
	MarkError(ctx domain.Context, expression string) error
	Get(ctx domain.Context, expression string) (*domain.Alpha, error)
	List(ctx domain.Context) ([]domain.Alpha, error)
	ResetStaleSimulating(ctx domain.Context, staleAfter time.Duration) (int, error)
	WipeAll(ctx domain.Context) error
}

// FieldStore is the catalog of fields scoped by (region, universe, delay)
// and the weighted-sampling source for the generator (spec §4.5).
type FieldStore interface {
	UpsertFields(ctx domain.Context, fields []domain.Field) error
	UpsertScopes(ctx domain.Context, scopes []domain.FieldScope) error
	StatsByRUD(ctx domain.Context) ([]domain.FieldStatsRow, error)
	SampleWeighted(ctx domain.Context, region, universe string, delay int, n int) ([]string, error)
	SampleWeightedGrouped(ctx domain.Context, region, universe string, delay int, n int) (nonEvent []string, event []string, err error)
	MarkFieldEvent(ctx domain.Context, fieldID, region, universe string, delay int) error
	IsEventScope(ctx domain.Context, fieldID, region, universe string, delay int) (bool, error)
	ExtractUsedFields(ctx domain.Context, expression string) ([]string, error)
	OperatorIncompatible(ctx domain.Context, operatorName string) (bool, error)
}
