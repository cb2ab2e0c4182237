package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/session"
)

// scriptedRequester replays canned responses in call order, keyed by the
// request's position, so a single test can walk submit→poll→poll→fetch.
type scriptedRequester struct {
	responses []*session.Response
	calls     []string // "VERB path" per call, for assertions
	i         int
}

func (s *scriptedRequester) Request(ctx domain.Context, verb, path string, body any) (*session.Response, error) {
	s.calls = append(s.calls, verb+" "+path)
	if s.i >= len(s.responses) {
		return nil, errors.New("scriptedRequester: out of canned responses")
	}
	r := s.responses[s.i]
	s.i++
	return r, nil
}

func jsonResp(status int, body string, headers http.Header) *session.Response {
	if headers == nil {
		headers = http.Header{}
	}
	return &session.Response{Status: status, Headers: headers, Body: []byte(body)}
}

func TestWorkerRunHappyPath(t *testing.T) {
	req := &scriptedRequester{responses: []*session.Response{
		jsonResp(201, `{"id":"sim123"}`, nil),
		jsonResp(200, `{"status":"COMPLETE","alpha":"alpha789"}`, nil),
		jsonResp(200, `{"is":{"sharpe":1.5,"fitness":0.9,"turnover":0.1,"returns":0.2,"drawdown":0.05,"pnl":1000,"checks":[{"name":"LOW_SHARPE","result":"PASS"}]}}`, nil),
	}}
	w := New(req)
	result, berr := w.Run(context.Background(), "ts_rank(close,20)", "USA", "TOP3000")
	require.Nil(t, berr)
	require.Equal(t, "sim123", result.SimulationID)
	require.Equal(t, "alpha789", result.AlphaID)
	require.NotNil(t, result.IsSharpe)
	require.Equal(t, 1.5, *result.IsSharpe)
	require.Contains(t, result.MetricsJSON, "IS")
	require.Contains(t, result.ChecksJSON, "LOW_SHARPE")
	require.Equal(t, []string{"POST /simulations", "GET /simulations/sim123", "GET /alphas/alpha789"}, req.calls)
}

func TestWorkerSubmitExtractsIDFromLocationHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Location", "https://api.worldquantbrain.com/simulations/sim999")
	req := &scriptedRequester{responses: []*session.Response{
		jsonResp(201, "", h),
		jsonResp(200, `{"status":"COMPLETE","alpha":"a1"}`, nil),
		jsonResp(200, `{}`, nil),
	}}
	w := New(req)
	result, berr := w.Run(context.Background(), "expr", "USA", "TOP3000")
	require.Nil(t, berr)
	require.Equal(t, "sim999", result.SimulationID)
}

func TestWorkerSubmit400IsAlphaError(t *testing.T) {
	req := &scriptedRequester{responses: []*session.Response{
		jsonResp(400, "bad expression", nil),
	}}
	w := New(req)
	_, berr := w.Run(context.Background(), "bad(", "USA", "TOP3000")
	require.NotNil(t, berr)
	require.Equal(t, domain.ErrKindAlpha, berr.Kind)
	require.False(t, berr.Retryable())
}

func TestWorkerSubmit429IsInfraRetryableWithRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	req := &scriptedRequester{responses: []*session.Response{
		jsonResp(429, "", h),
	}}
	w := New(req)
	_, berr := w.Run(context.Background(), "expr", "USA", "TOP3000")
	require.NotNil(t, berr)
	require.Equal(t, domain.ErrKindInfra, berr.Kind)
	require.True(t, berr.Retryable())
}

func TestWorkerPollErrorStatusIsAlphaError(t *testing.T) {
	req := &scriptedRequester{responses: []*session.Response{
		jsonResp(201, `{"id":"sim1"}`, nil),
		jsonResp(200, `{"status":"ERROR","message":"NaN produced"}`, nil),
	}}
	w := New(req)
	_, berr := w.Run(context.Background(), "expr", "USA", "TOP3000")
	require.NotNil(t, berr)
	require.Equal(t, domain.ErrKindAlpha, berr.Kind)
	require.Contains(t, berr.Message, "NaN produced")
}

func TestWorkerPollInProgressThenComplete(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "0")
	req := &scriptedRequester{responses: []*session.Response{
		jsonResp(201, `{"id":"sim1"}`, nil),
		jsonResp(200, `{"progress":0.3}`, h),
		jsonResp(200, `{"status":"WARNING","alpha":"a2"}`, nil),
		jsonResp(200, `{}`, nil),
	}}
	w := New(req)
	result, berr := w.Run(context.Background(), "expr", "USA", "TOP3000")
	require.Nil(t, berr)
	require.Equal(t, "a2", result.AlphaID)
}
