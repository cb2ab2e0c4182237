package catch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/session"
)

type scriptedRequester struct {
	resp *session.Response
	err  error
}

func (s *scriptedRequester) Request(ctx domain.Context, verb, path string, body any) (*session.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func jsonResp(status int, body string) *session.Response {
	return &session.Response{Status: status, Headers: http.Header{}, Body: []byte(body)}
}

type fakeAlphaStore struct {
	upserted []domain.Alpha
	doneExpr string
	doneRes  domain.BacktestResult
}

func (f *fakeAlphaStore) Upsert(ctx domain.Context, a domain.Alpha) error {
	f.upserted = append(f.upserted, a)
	return nil
}
func (f *fakeAlphaStore) MarkSimulating(ctx domain.Context, expression string) error { return nil }
func (f *fakeAlphaStore) MarkDone(ctx domain.Context, expression string, res domain.BacktestResult) error {
	f.doneExpr = expression
	f.doneRes = res
	return nil
}
func (f *fakeAlphaStore) MarkError(ctx domain.Context, expression string) error { return nil }
func (f *fakeAlphaStore) Get(ctx domain.Context, expression string) (*domain.Alpha, error) {
	return nil, nil
}
func (f *fakeAlphaStore) List(ctx domain.Context) ([]domain.Alpha, error) { return nil, nil }
func (f *fakeAlphaStore) ResetStaleSimulating(ctx domain.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeAlphaStore) WipeAll(ctx domain.Context) error { return nil }

func TestCatchRunImportsAlphaAndMarksDone(t *testing.T) {
	body := `{
		"regular": {"code": "ts_rank(close, 20)", "operatorCount": 1},
		"settings": {"region": "CHN", "universe": "TOP2000U", "language": "FASTEXPR", "delay": 1, "decay": 10, "neutralization": "INDUSTRY"},
		"is": {"sharpe": 1.5, "fitness": 0.8, "checks": [{"name": "LOW_SHARPE", "result": "PASS"}]}
	}`
	req := &scriptedRequester{resp: jsonResp(200, body)}
	alphas := &fakeAlphaStore{}
	events := make(domain.Events, 16)

	svc := New(req, alphas, events)
	err := svc.Run(context.Background(), "abc123")
	require.NoError(t, err)

	require.Len(t, alphas.upserted, 1)
	require.Equal(t, "ts_rank(close, 20)", alphas.upserted[0].Expression)
	require.Equal(t, "CHN", alphas.upserted[0].Region)
	require.Equal(t, "ts_rank(close, 20)", alphas.doneExpr)
	require.NotNil(t, alphas.doneRes.IsSharpe)
	require.Equal(t, 1.5, *alphas.doneRes.IsSharpe)
}

func TestCatchRunMissingRegularCodeFails(t *testing.T) {
	req := &scriptedRequester{resp: jsonResp(200, `{"settings": {}}`)}
	alphas := &fakeAlphaStore{}
	events := make(domain.Events, 16)

	svc := New(req, alphas, events)
	err := svc.Run(context.Background(), "abc123")
	require.Error(t, err)
	require.Empty(t, alphas.upserted)
}

func TestCatchRunNetworkErrorPropagates(t *testing.T) {
	req := &scriptedRequester{err: errors.New("boom")}
	alphas := &fakeAlphaStore{}
	events := make(domain.Events, 16)

	svc := New(req, alphas, events)
	err := svc.Run(context.Background(), "abc123")
	require.Error(t, err)
}

func TestCatchRunNonSuccessStatusFails(t *testing.T) {
	req := &scriptedRequester{resp: jsonResp(404, `{}`)}
	alphas := &fakeAlphaStore{}
	events := make(domain.Events, 16)

	svc := New(req, alphas, events)
	err := svc.Run(context.Background(), "missing")
	require.Error(t, err)
}
