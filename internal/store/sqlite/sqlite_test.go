package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

func newTestDB(t *testing.T) *JobStore {
	t.Helper()
	db, err := Open("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewJobStore(db)
}

func TestEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	js := newTestDB(t)

	id1, ok1, err := js.Enqueue(ctx, "ts_rank(close,20)", "CHN", "TOP2000U")
	require.NoError(t, err)
	require.True(t, ok1)
	require.NotZero(t, id1)

	_, ok2, err := js.Enqueue(ctx, "ts_rank(close,20)", "CHN", "TOP2000U")
	require.NoError(t, err)
	require.False(t, ok2, "enqueue must be a no-op while a non-terminal job exists")
}

func TestClaimNextNoDoubleClaim(t *testing.T) {
	ctx := context.Background()
	js := newTestDB(t)
	_, _, err := js.Enqueue(ctx, "ts_rank(close,20)", "CHN", "TOP2000U")
	require.NoError(t, err)

	now := time.Now()
	j1, err := js.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)
	require.NotNil(t, j1)
	require.Equal(t, domain.JobClaimed, j1.Status)

	j2, err := js.ClaimNext(ctx, "w2", now)
	require.NoError(t, err)
	require.Nil(t, j2, "second claimant must receive no job")
}

func TestMarkFailedRetryableEscalatesToExceeded(t *testing.T) {
	ctx := context.Background()
	js := newTestDB(t)
	id, _, err := js.Enqueue(ctx, "ts_rank(close,20)", "CHN", "TOP2000U")
	require.NoError(t, err)

	_, err = js.DB.ExecContext(ctx, `UPDATE backtest_jobs SET max_retries=1 WHERE id=?`, id)
	require.NoError(t, err)

	code := "E1"
	msg := "boom"
	require.NoError(t, js.MarkFailedRetryable(ctx, id, domain.ErrKindInfra, &code, &msg, time.Now()))
	j, err := scanJob(js.DB.QueryRowContext(ctx, jobSelectCols+` WHERE id=?`, id))
	require.NoError(t, err)
	require.Equal(t, domain.JobRetryWait, j.Status)

	require.NoError(t, js.MarkFailedRetryable(ctx, id, domain.ErrKindInfra, &code, &msg, time.Now()))
	j, err = scanJob(js.DB.QueryRowContext(ctx, jobSelectCols+` WHERE id=?`, id))
	require.NoError(t, err)
	require.Equal(t, domain.JobFailedPermanent, j.Status)
	require.NotNil(t, j.LastErrorKind)
	require.Equal(t, domain.ErrKindRetryExceeded, *j.LastErrorKind)
}

func TestResetStaleJobsClosesNonTerminalStates(t *testing.T) {
	ctx := context.Background()
	js := newTestDB(t)
	id, _, err := js.Enqueue(ctx, "ts_rank(close,20)", "CHN", "TOP2000U")
	require.NoError(t, err)
	_, err = js.ClaimNext(ctx, "w1", time.Now())
	require.NoError(t, err)

	n, err := js.ResetStaleJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	j, err := scanJob(js.DB.QueryRowContext(ctx, jobSelectCols+` WHERE id=?`, id))
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, j.Status)
}

func TestMergeJSONTreesDeepMerge(t *testing.T) {
	merged, err := mergeJSONTrees(`{"IS":{"sharpe":1.0},"a":1}`, `{"IS":{"fitness":2.0},"a":2}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"IS":{"sharpe":1.0,"fitness":2.0},"a":2}`, merged)
}

func TestAlphaStoreMarkDoneMergesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	db, err := Open("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	defer db.Close()
	as := NewAlphaStore(db)

	require.NoError(t, as.Upsert(ctx, domain.Alpha{Expression: "e1", Region: "CHN", Universe: "TOP2000U"}))
	require.NoError(t, as.MarkDone(ctx, "e1", domain.BacktestResult{MetricsJSON: `{"IS":{"sharpe":1.5}}`, ChecksJSON: `[{"name":"x"}]`}))
	require.NoError(t, as.MarkDone(ctx, "e1", domain.BacktestResult{MetricsJSON: `{"IS":{"fitness":2.0}}`, ChecksJSON: `[{"name":"x"},{"name":"y"}]`}))

	a, err := as.Get(ctx, "e1")
	require.NoError(t, err)
	require.JSONEq(t, `{"IS":{"sharpe":1.5,"fitness":2.0}}`, a.MetricsJSON)
	require.Equal(t, domain.AlphaDone, a.Status)
}

func TestFieldStoreWeightedSamplingBiasesRareFields(t *testing.T) {
	ctx := context.Background()
	db, err := Open("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	defer db.Close()
	fs := NewFieldStore(db)

	require.NoError(t, fs.UpsertFields(ctx, []domain.Field{{FieldID: "f_a"}, {FieldID: "f_b"}, {FieldID: "f_c"}}))
	var scopes []domain.FieldScope
	scopes = append(scopes, domain.FieldScope{FieldID: "f_a", Region: "CHN", Universe: "TOP2000U", Delay: 1})
	scopes = append(scopes, domain.FieldScope{FieldID: "f_b", Region: "CHN", Universe: "TOP2000U", Delay: 1})
	for i := 0; i < 100; i++ {
		// simulate f_c's higher scope-row frequency via repeated delays — distinct delay values keep the unique index happy
		scopes = append(scopes, domain.FieldScope{FieldID: "f_c", Region: "CHN", Universe: "TOP2000U", Delay: i + 2})
	}
	require.NoError(t, fs.UpsertScopes(ctx, scopes))

	countA, countB, countC := 0, 0, 0
	const trials = 2000
	for i := 0; i < trials; i++ {
		ids, err := fs.SampleWeighted(ctx, "CHN", "TOP2000U", 0, 2)
		require.NoError(t, err)
		for _, id := range ids {
			switch id {
			case "f_a":
				countA++
			case "f_b":
				countB++
			case "f_c":
				countC++
			}
		}
	}
	require.Greater(t, float64(countA)/trials, 0.5)
	require.Greater(t, float64(countB)/trials, 0.5)
	require.Less(t, float64(countC)/trials, 0.5)
}
