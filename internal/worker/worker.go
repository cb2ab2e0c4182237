// Package worker implements Worker (spec §4.3) and WorkerPool (spec §4.4):
// the submit/poll/fetch state machine that drives one backtest attempt, and
// the fixed-size pool of goroutines that repeatedly claim and run jobs.
package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/session"
)

// Requester is the subset of session.Client a Worker needs. Kept narrow so
// tests can supply a stub without standing up cookie jars or Basic auth.
type Requester interface {
	Request(ctx domain.Context, verb, path string, body any) (*session.Response, error)
}

// Worker runs one submit/poll/fetch attempt for a single job. It holds no
// per-attempt state between calls to Run, matching spec §4.3 "the engine
// does not pool HTTP responses across attempts".
type Worker struct {
	sess Requester
}

// New constructs a Worker bound to sess.
func New(sess Requester) *Worker {
	return &Worker{sess: sess}
}

// simulationSettings are the fixed backtest settings every submission uses
// (spec §6 request body); only region, universe, and expression vary.
type simulationSettings struct {
	InstrumentType string  `json:"instrumentType"`
	Region         string  `json:"region"`
	Universe       string  `json:"universe"`
	Delay          int     `json:"delay"`
	Decay          int     `json:"decay"`
	Neutralization string  `json:"neutralization"`
	Truncation     float64 `json:"truncation"`
	Pasteurization string  `json:"pasteurization"`
	UnitHandling   string  `json:"unitHandling"`
	NanHandling    string  `json:"nanHandling"`
	Language       string  `json:"language"`
	Visualization  bool    `json:"visualization"`
}

type simulationRequest struct {
	Type     string             `json:"type"`
	Settings simulationSettings `json:"settings"`
	Regular  string             `json:"regular"`
}

func buildSimData(expression, region, universe string) simulationRequest {
	return simulationRequest{
		Type: "REGULAR",
		Settings: simulationSettings{
			InstrumentType: "EQUITY",
			Region:         region,
			Universe:       universe,
			Delay:          1,
			Decay:          10,
			Neutralization: "INDUSTRY",
			Truncation:     0.08,
			Pasteurization: "ON",
			UnitHandling:   "VERIFY",
			NanHandling:    "OFF",
			Language:       "FASTEXPR",
			Visualization:  false,
		},
		Regular: expression,
	}
}

type simulationPollResponse struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress"`
	Alpha    *string  `json:"alpha"`
	Message  *string  `json:"message"`
}

type alphaDetailResponse struct {
	Is map[string]any `json:"is"`
}

// Run performs one submit→poll→fetch attempt for expression under
// region/universe, returning a successful result or a classified error
// (spec §4.3). ctx cancellation aborts mid-poll.
func (w *Worker) Run(ctx domain.Context, expression, region, universe string) (domain.BacktestResult, *domain.BacktestError) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "Worker.Run")
	defer span.End()
	span.SetAttributes(attribute.String("alpha.expression", expression))

	simID, berr := w.submit(ctx, expression, region, universe)
	if berr != nil {
		return domain.BacktestResult{}, berr
	}
	slog.Info("simulation submitted", slog.String("simulation_id", simID))

	alphaID, berr := w.poll(ctx, simID)
	if berr != nil {
		return domain.BacktestResult{}, berr
	}

	result, berr := w.fetch(ctx, alphaID)
	if berr != nil {
		return domain.BacktestResult{}, berr
	}
	result.SimulationID = simID
	result.AlphaID = alphaID
	return result, nil
}

func (w *Worker) submit(ctx domain.Context, expression, region, universe string) (string, *domain.BacktestError) {
	resp, err := w.sess.Request(ctx, "POST", "/simulations", buildSimData(expression, region, universe))
	if err != nil {
		return "", domain.InfraErr(fmt.Sprintf("submit request failed: %v", err))
	}

	if resp.Status < 200 || resp.Status >= 300 {
		return "", classifySubmitError(resp)
	}

	locationID := lastPathSegment(resp.Headers.Get("Location"))
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		if locationID == "" {
			return "", domain.InternalErr("submit returned no body and no Location header")
		}
		return locationID, nil
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", domain.InternalErr(fmt.Sprintf("submit response JSON parse failed: %v", err))
	}
	if parsed.ID != "" {
		return parsed.ID, nil
	}
	if locationID != "" {
		return locationID, nil
	}
	return "", domain.InternalErr("submit returned success but no simulation id")
}

func classifySubmitError(resp *session.Response) *domain.BacktestError {
	body := truncateStr(string(resp.Body), 512)
	switch {
	case resp.Status == 400:
		return domain.AlphaErr("invalid expression: " + body)
	case resp.Status == 401:
		return domain.InfraErr("authentication expired, awaiting automatic retry")
	case resp.Status == 429:
		return &domain.BacktestError{Kind: domain.ErrKindInfra, Message: "rate limited (429)", RetryAfter: parseRetryAfter(resp.Headers.Get("Retry-After"))}
	case resp.Status >= 500 && resp.Status <= 599:
		return domain.InfraErr(fmt.Sprintf("upstream server error (%d)", resp.Status))
	default:
		return domain.InternalErr(fmt.Sprintf("unexpected status (%d): %s", resp.Status, body))
	}
}

const defaultPollRetryAfter = 20 * time.Second

func (w *Worker) poll(ctx domain.Context, simID string) (string, *domain.BacktestError) {
	pollCount := 0
	for {
		select {
		case <-ctx.Done():
			return "", domain.InfraErr("polling cancelled: " + ctx.Err().Error())
		default:
		}
		pollCount++

		resp, err := w.sess.Request(ctx, "GET", "/simulations/"+simID, nil)
		if err != nil {
			return "", domain.InfraErr(fmt.Sprintf("poll request failed: %v", err))
		}
		if resp.Status < 200 || resp.Status >= 300 {
			return "", domain.InfraErr(fmt.Sprintf("poll returned status %d", resp.Status))
		}

		retryAfter := defaultPollRetryAfter
		hasRetryAfter := resp.Headers.Get("Retry-After") != ""
		if hasRetryAfter {
			retryAfter = parseRetryAfter(resp.Headers.Get("Retry-After"))
		}

		body := strings.TrimSpace(string(resp.Body))
		if body == "" {
			time.Sleep(retryAfter)
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(resp.Body, &raw); err != nil {
			return "", domain.InternalErr(fmt.Sprintf("poll JSON parse failed: %v, body=%s", err, truncateStr(body, 256)))
		}

		_, hasStatus := raw["status"]
		if hasRetryAfter && !hasStatus {
			if pollCount%10 == 0 {
				logPollProgress(simID, raw, pollCount)
			}
			time.Sleep(retryAfter)
			continue
		}

		var sim simulationPollResponse
		if err := json.Unmarshal(resp.Body, &sim); err != nil {
			return "", domain.InternalErr(fmt.Sprintf("poll result shape mismatch: %v", err))
		}

		switch sim.Status {
		case "COMPLETE", "WARNING":
			slog.Info("simulation finished", slog.String("simulation_id", simID), slog.String("status", sim.Status))
			if sim.Alpha == nil || *sim.Alpha == "" {
				return "", domain.InternalErr("simulation succeeded but returned no alpha id")
			}
			return *sim.Alpha, nil
		case "ERROR", "FAIL":
			msg := "unknown engine error"
			if sim.Message != nil {
				msg = *sim.Message
			}
			return "", domain.AlphaErr("backtest failed: " + msg)
		case "CANCELLED":
			return "", domain.InfraErr("simulation cancelled externally")
		default:
			time.Sleep(retryAfter)
		}
	}
}

func logPollProgress(simID string, raw map[string]any, pollCount int) {
	if p, ok := raw["progress"].(float64); ok {
		slog.Info("simulation progress", slog.String("simulation_id", simID), slog.Float64("pct", p*100), slog.Int("poll_count", pollCount))
		return
	}
	slog.Info("simulation running", slog.String("simulation_id", simID), slog.Int("poll_count", pollCount))
}

func (w *Worker) fetch(ctx domain.Context, alphaID string) (domain.BacktestResult, *domain.BacktestError) {
	resp, err := w.sess.Request(ctx, "GET", "/alphas/"+alphaID, nil)
	if err != nil {
		return domain.BacktestResult{}, domain.InfraErr(fmt.Sprintf("fetch detail failed: %v", err))
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return domain.BacktestResult{}, domain.InfraErr(fmt.Sprintf("fetch returned status %d", resp.Status))
	}

	var detail alphaDetailResponse
	if err := json.Unmarshal(resp.Body, &detail); err != nil {
		return domain.BacktestResult{}, domain.InternalErr(fmt.Sprintf("detail JSON parse failed: %v", err))
	}

	result := domain.BacktestResult{MetricsJSON: "{}", ChecksJSON: "[]"}
	if detail.Is == nil {
		return result, nil
	}

	metricsWrapped, err := json.Marshal(map[string]any{"IS": detail.Is})
	if err != nil {
		return domain.BacktestResult{}, domain.InternalErr(fmt.Sprintf("metrics encode failed: %v", err))
	}
	result.MetricsJSON = string(metricsWrapped)

	result.IsSharpe = floatField(detail.Is, "sharpe")
	result.IsFitness = floatField(detail.Is, "fitness")
	result.IsTurnover = floatField(detail.Is, "turnover")
	result.IsReturns = floatField(detail.Is, "returns")
	result.IsDrawdown = floatField(detail.Is, "drawdown")
	result.IsPnl = floatField(detail.Is, "pnl")

	if checks, ok := detail.Is["checks"]; ok {
		if b, err := json.Marshal(checks); err == nil {
			result.ChecksJSON = string(b)
		}
	}
	return result, nil
}

func floatField(m map[string]any, key string) *float64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func lastPathSegment(s string) string {
	s = strings.TrimRight(s, "/")
	if s == "" {
		return ""
	}
	parts := strings.Split(s, "/")
	return parts[len(parts)-1]
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultPollRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultPollRetryAfter
}

func truncateStr(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
