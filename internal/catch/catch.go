// Package catch implements the one-shot "catch <alpha_id>" import: fetch an
// alpha already simulated on the upstream platform and persist its
// definition and IS metrics locally, grounded on original_source's
// commands/catch.rs.
package catch

import (
	"encoding/json"
	"fmt"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/session"
	"github.com/minejiarong/wqbconsole/internal/store"
)

// Requester is the subset of session.Client catch needs.
type Requester interface {
	Request(ctx domain.Context, verb, path string, body any) (*session.Response, error)
}

// Service imports one alpha by id from the upstream platform into AlphaStore.
type Service struct {
	sess   Requester
	alphas store.AlphaStore
	events domain.Events
}

// New constructs a Service.
func New(sess Requester, alphas store.AlphaStore, events domain.Events) *Service {
	return &Service{sess: sess, alphas: alphas, events: events}
}

type alphaRegular struct {
	Code          string `json:"code"`
	OperatorCount int    `json:"operatorCount"`
}

type alphaSettings struct {
	Region         string `json:"region"`
	Universe       string `json:"universe"`
	Language       string `json:"language"`
	Delay          int    `json:"delay"`
	Decay          int    `json:"decay"`
	Neutralization string `json:"neutralization"`
}

type alphaDocument struct {
	Regular  alphaRegular   `json:"regular"`
	Settings alphaSettings  `json:"settings"`
	Is       map[string]any `json:"is"`
}

// Run fetches alphaID and upserts its definition and IS metrics (spec §4.10).
func (s *Service) Run(ctx domain.Context, alphaID string) error {
	s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("fetching alpha %s...", alphaID)})

	resp, err := s.sess.Request(ctx, "GET", "/alphas/"+alphaID, nil)
	if err != nil {
		s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("✗ network request failed: %v", err)})
		return fmt.Errorf("op=catch.Run.request: %w", err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("✗ fetch failed: HTTP %d", resp.Status)})
		return fmt.Errorf("op=catch.Run: status=%d", resp.Status)
	}

	var doc alphaDocument
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("✗ JSON decode failed: %v", err)})
		return fmt.Errorf("op=catch.Run.decode: %w", err)
	}
	if doc.Regular.Code == "" {
		s.events.Emit(domain.LogEvent{Msg: "✗ missing regular.code in response"})
		return fmt.Errorf("op=catch.Run: missing regular.code")
	}

	a := domain.Alpha{
		Expression:     doc.Regular.Code,
		Region:         orDefault(doc.Settings.Region, "USA"),
		Universe:       orDefault(doc.Settings.Universe, "TOP3000"),
		Language:       orDefault(doc.Settings.Language, "FASTEXPR"),
		Delay:          doc.Settings.Delay,
		Decay:          doc.Settings.Decay,
		Neutralization: orDefault(doc.Settings.Neutralization, "NONE"),
		Status:         domain.AlphaPending,
		MetricsJSON:    "{}",
		ChecksJSON:     "[]",
	}
	if err := s.alphas.Upsert(ctx, a); err != nil {
		s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("✗ database save failed: %v", err)})
		return fmt.Errorf("op=catch.Run.upsert: %w", err)
	}

	result := buildResult(doc.Is)
	if err := s.alphas.MarkDone(ctx, a.Expression, result); err != nil {
		s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("✗ database save failed: %v", err)})
		return fmt.Errorf("op=catch.Run.mark_done: %w", err)
	}

	s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("✓ alpha %s imported successfully", alphaID)})
	return nil
}

func buildResult(is map[string]any) domain.BacktestResult {
	result := domain.BacktestResult{MetricsJSON: "{}", ChecksJSON: "[]"}
	if is == nil {
		return result
	}

	metricsWrapped, err := json.Marshal(map[string]any{"IS": is})
	if err == nil {
		result.MetricsJSON = string(metricsWrapped)
	}

	result.IsSharpe = floatField(is, "sharpe")
	result.IsFitness = floatField(is, "fitness")
	result.IsTurnover = floatField(is, "turnover")
	result.IsReturns = floatField(is, "returns")
	result.IsDrawdown = floatField(is, "drawdown")
	result.IsPnl = floatField(is, "pnl")

	if checks, ok := is["checks"]; ok {
		if b, err := json.Marshal(checks); err == nil {
			result.ChecksJSON = string(b)
		}
	}
	return result
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

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
