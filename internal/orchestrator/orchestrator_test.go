package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minejiarong/wqbconsole/internal/config"
	"github.com/minejiarong/wqbconsole/internal/domain"
)

type fakeJobStore struct {
	enqueued    []string
	wiped       bool
	statsReturn domain.Stats
}

func (f *fakeJobStore) Enqueue(ctx domain.Context, expression, region, universe string) (int64, bool, error) {
	f.enqueued = append(f.enqueued, expression)
	return int64(len(f.enqueued)), true, nil
}
func (f *fakeJobStore) ClaimNext(ctx domain.Context, workerID string, now time.Time) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) MarkStatus(ctx domain.Context, id int64, status domain.JobStatus, simulationID *string) error {
	return nil
}
func (f *fakeJobStore) MarkDone(ctx domain.Context, id int64, simulationID, alphaID string, res domain.BacktestResult) error {
	return nil
}
func (f *fakeJobStore) MarkFailedRetryable(ctx domain.Context, id int64, kind domain.ErrorKind, code, message *string, nextRunAt time.Time) error {
	return nil
}
func (f *fakeJobStore) MarkFailedPermanent(ctx domain.Context, id int64, kind domain.ErrorKind, code, message *string) error {
	return nil
}
func (f *fakeJobStore) ResetStaleJobs(ctx domain.Context) (int, error) { return 0, nil }
func (f *fakeJobStore) Stats(ctx domain.Context) (domain.Stats, error) { return f.statsReturn, nil }
func (f *fakeJobStore) WipeAll(ctx domain.Context) error               { f.wiped = true; return nil }

type fakeAlphaStore struct {
	upserted   []domain.Alpha
	wiped      bool
	listReturn []domain.Alpha
	getReturn  *domain.Alpha
}

func (f *fakeAlphaStore) Upsert(ctx domain.Context, a domain.Alpha) error {
	f.upserted = append(f.upserted, a)
	return nil
}
func (f *fakeAlphaStore) MarkSimulating(ctx domain.Context, expression string) error { return nil }
func (f *fakeAlphaStore) MarkDone(ctx domain.Context, expression string, res domain.BacktestResult) error {
	return nil
}
func (f *fakeAlphaStore) MarkError(ctx domain.Context, expression string) error { return nil }
func (f *fakeAlphaStore) Get(ctx domain.Context, expression string) (*domain.Alpha, error) {
	return f.getReturn, nil
}
func (f *fakeAlphaStore) List(ctx domain.Context) ([]domain.Alpha, error) { return f.listReturn, nil }
func (f *fakeAlphaStore) ResetStaleSimulating(ctx domain.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeAlphaStore) WipeAll(ctx domain.Context) error { f.wiped = true; return nil }

type fakeFieldStore struct {
	statsRows []domain.FieldStatsRow
}

func (f *fakeFieldStore) UpsertFields(ctx domain.Context, fields []domain.Field) error { return nil }
func (f *fakeFieldStore) UpsertScopes(ctx domain.Context, scopes []domain.FieldScope) error {
	return nil
}
func (f *fakeFieldStore) StatsByRUD(ctx domain.Context) ([]domain.FieldStatsRow, error) {
	return f.statsRows, nil
}
func (f *fakeFieldStore) SampleWeighted(ctx domain.Context, region, universe string, delay, n int) ([]string, error) {
	return []string{"field_a", "field_b"}, nil
}
func (f *fakeFieldStore) SampleWeightedGrouped(ctx domain.Context, region, universe string, delay, n int) ([]string, []string, error) {
	return nil, nil, nil
}
func (f *fakeFieldStore) MarkFieldEvent(ctx domain.Context, fieldID, region, universe string, delay int) error {
	return nil
}
func (f *fakeFieldStore) IsEventScope(ctx domain.Context, fieldID, region, universe string, delay int) (bool, error) {
	return false, nil
}
func (f *fakeFieldStore) ExtractUsedFields(ctx domain.Context, expression string) ([]string, error) {
	return nil, nil
}
func (f *fakeFieldStore) OperatorIncompatible(ctx domain.Context, operatorName string) (bool, error) {
	return false, nil
}

func drain(events domain.Events) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestDispatchBacktestEnqueuesValidExpression(t *testing.T) {
	jobs := &fakeJobStore{}
	alphas := &fakeAlphaStore{}
	events := make(domain.Events, 16)
	o := New(jobs, alphas, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})

	quit := o.Dispatch(context.Background(), "backtest ts_rank(close, 20)")
	require.False(t, quit)
	require.Equal(t, []string{"ts_rank(close, 20)"}, jobs.enqueued)
	require.Len(t, alphas.upserted, 1)
}

func TestDispatchBacktestRejectsPrequeueInvalid(t *testing.T) {
	jobs := &fakeJobStore{}
	alphas := &fakeAlphaStore{}
	events := make(domain.Events, 16)
	o := New(jobs, alphas, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})

	o.Dispatch(context.Background(), "backtest ts_rank(close, 20,)")
	require.Empty(t, jobs.enqueued)
	require.Empty(t, alphas.upserted)

	found := false
	for _, ev := range drain(events) {
		if _, ok := ev.(domain.ErrorEvent); ok {
			found = true
		}
	}
	require.True(t, found, "expected an ErrorEvent reporting the prequeue rejection")
}

func TestDispatchBacktestClearAndAlphasClear(t *testing.T) {
	jobs := &fakeJobStore{}
	alphas := &fakeAlphaStore{}
	events := make(domain.Events, 16)
	o := New(jobs, alphas, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})

	o.Dispatch(context.Background(), "backtest clear")
	require.True(t, jobs.wiped)

	o.Dispatch(context.Background(), "alphas clear")
	require.True(t, alphas.wiped)
}

func TestDispatchFieldStatsEmitsEvent(t *testing.T) {
	jobs := &fakeJobStore{}
	alphas := &fakeAlphaStore{}
	fields := &fakeFieldStore{statsRows: []domain.FieldStatsRow{{Region: "CHN", Universe: "TOP2000U", Delay: 1, DistinctFieldCnt: 42}}}
	events := make(domain.Events, 16)
	o := New(jobs, alphas, fields, nil, nil, nil, events, config.Config{})

	o.Dispatch(context.Background(), "fields stats")

	var got *domain.FieldStatsRowsEvent
	for _, ev := range drain(events) {
		if rowsEv, ok := ev.(domain.FieldStatsRowsEvent); ok {
			got = &rowsEv
		}
	}
	require.NotNil(t, got)
	require.Len(t, got.Rows, 1)
	require.Equal(t, 42, got.Rows[0].DistinctFieldCnt)
}

func TestDispatchQuitReturnsTrue(t *testing.T) {
	events := make(domain.Events, 16)
	o := New(&fakeJobStore{}, &fakeAlphaStore{}, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})
	require.True(t, o.Dispatch(context.Background(), "quit"))
}

func TestDispatchAlphasListEmitsEvent(t *testing.T) {
	alphas := &fakeAlphaStore{listReturn: []domain.Alpha{{Expression: "close", Status: domain.AlphaPending}}}
	events := make(domain.Events, 16)
	o := New(&fakeJobStore{}, alphas, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})

	o.Dispatch(context.Background(), "alphas")

	var got *domain.AlphasEvent
	for _, ev := range drain(events) {
		if e, ok := ev.(domain.AlphasEvent); ok {
			got = &e
		}
	}
	require.NotNil(t, got)
	require.Len(t, got.Alphas, 1)
	require.Equal(t, "close", got.Alphas[0].Expression)
}

func TestDispatchDetailEmitsEventWhenFound(t *testing.T) {
	alpha := domain.Alpha{Expression: "close", Status: domain.AlphaDone}
	alphas := &fakeAlphaStore{getReturn: &alpha}
	events := make(domain.Events, 16)
	o := New(&fakeJobStore{}, alphas, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})

	o.Dispatch(context.Background(), "detail close")

	var got *domain.DetailEvent
	for _, ev := range drain(events) {
		if e, ok := ev.(domain.DetailEvent); ok {
			got = &e
		}
	}
	require.NotNil(t, got)
	require.Equal(t, "close", got.Alpha.Expression)
}

func TestDispatchDetailEmitsErrorWhenMissing(t *testing.T) {
	alphas := &fakeAlphaStore{}
	events := make(domain.Events, 16)
	o := New(&fakeJobStore{}, alphas, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})

	o.Dispatch(context.Background(), "detail nonexistent")

	found := false
	for _, ev := range drain(events) {
		if _, ok := ev.(domain.ErrorEvent); ok {
			found = true
		}
	}
	require.True(t, found)
}

func TestDispatchStatsEmitsEvent(t *testing.T) {
	jobs := &fakeJobStore{statsReturn: domain.Stats{Total: 5, Pending: 2}}
	events := make(domain.Events, 16)
	o := New(jobs, &fakeAlphaStore{}, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})

	o.Dispatch(context.Background(), "stats")

	var got *domain.StatsEvent
	for _, ev := range drain(events) {
		if e, ok := ev.(domain.StatsEvent); ok {
			got = &e
		}
	}
	require.NotNil(t, got)
	require.Equal(t, 5, got.Stats.Total)
	require.Equal(t, 2, got.Stats.Pending)
}

func TestDispatchGenerateStopWithoutRunningLoopEmitsMessage(t *testing.T) {
	events := make(domain.Events, 16)
	o := New(&fakeJobStore{}, &fakeAlphaStore{}, &fakeFieldStore{}, nil, nil, nil, events, config.Config{})
	quit := o.Dispatch(context.Background(), "generate stop")
	require.False(t, quit)

	found := false
	for _, ev := range drain(events) {
		if msg, ok := ev.(domain.MessageEvent); ok && msg.Msg == "generate loop is not running" {
			found = true
		}
	}
	require.True(t, found)
}
