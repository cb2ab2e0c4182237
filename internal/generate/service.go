package generate

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/llm"
	"github.com/minejiarong/wqbconsole/internal/session"
	"github.com/minejiarong/wqbconsole/internal/store"
)

const (
	defaultRegion   = "CHN"
	defaultUniverse = "TOP2000U"
	defaultDelay    = 1
	defaultDecay    = 10
)

// Config parametrizes one generate_once/generate_loop run (spec §4.8).
type Config struct {
	BatchSize       int
	MaxInsert       int
	Model           string
	IntervalSec     int
	Region          string
	Universe        string
	Delay           int
	FieldSampleSize int
	AutoBacktest    bool
}

// Result reports the outcome of one generate_once call.
type Result struct {
	RunID            string
	TotalLines       int
	Candidates       int
	Accepted         int
	Inserted         int
	Queued           int
	RejectedExamples []string
}

// Service implements Generator (spec §4.8): prompt assembly, LLM call,
// parsing/validation, and persistence.
type Service struct {
	llm     llm.Client
	catalog *session.OperatorCatalog
	fields  store.FieldStore
	alphas  store.AlphaStore
	jobs    store.JobStore
	events  domain.Events
}

// New constructs a Service.
func New(llmClient llm.Client, catalog *session.OperatorCatalog, fields store.FieldStore, alphas store.AlphaStore, jobs store.JobStore, events domain.Events) *Service {
	return &Service{llm: llmClient, catalog: catalog, fields: fields, alphas: alphas, jobs: jobs, events: events}
}

// GenerateOnce runs one full generate_once pipeline (spec §4.8 steps 1-7).
func (s *Service) GenerateOnce(ctx domain.Context, cfg Config) (Result, error) {
	runID := ulid.Make().String()
	region := orDefault(cfg.Region, defaultRegion)
	universe := orDefault(cfg.Universe, defaultUniverse)
	delay := cfg.Delay
	if delay == 0 {
		delay = defaultDelay
	}

	ops, err := s.catalog.Get(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("op=generate.once.catalog: %w", err)
	}

	nonEvent, event, err := s.fields.SampleWeightedGrouped(ctx, region, universe, delay, cfg.FieldSampleSize)
	if err != nil {
		return Result{}, fmt.Errorf("op=generate.once.sample_fields: %w", err)
	}

	incompatible, err := s.listIncompatibleOperators(ctx, ops)
	if err != nil {
		slog.Warn("failed to list incompatible operators", slog.Any("error", err))
	}

	prompt := BuildPrompt(cfg.BatchSize, nonEvent, event, region, universe, delay, incompatible, ops)
	if estimated, ok := EstimateTokenBudget(prompt, 2048); !ok {
		slog.Warn("generator prompt exceeds max_tokens budget", slog.String("run_id", runID), slog.Int("estimated", estimated))
	}

	resp, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model:       cfg.Model,
		System:      "You generate alpha expressions for WorldQuant BRAIN FASTEXPR. Output only expressions.",
		User:        prompt,
		Temperature: 0.7,
		MaxTokens:   2048,
	})
	if err != nil {
		return Result{}, fmt.Errorf("op=generate.once.chat: %w", err)
	}

	parsed := ParseAlphaExprs(resp.Text)

	seen := map[string]struct{}{}
	var accepted []string
	for _, e := range parsed.Exprs {
		if len(accepted) >= cfg.MaxInsert {
			break
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		accepted = append(accepted, e)
	}

	for _, expr := range accepted {
		if err := s.alphas.Upsert(ctx, domain.Alpha{
			Expression:     expr,
			Region:         region,
			Universe:       universe,
			Language:       "FASTEXPR",
			Delay:          delay,
			Decay:          defaultDecay,
			Neutralization: "INDUSTRY",
			Status:         domain.AlphaPending,
		}); err != nil {
			slog.Error("failed to persist generated alpha", slog.String("expression", expr), slog.Any("error", err))
		}
	}

	queued := 0
	if cfg.AutoBacktest {
		queued = s.enqueueSurvivors(ctx, accepted, region, universe, delay)
	}

	s.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf(
		"generate run %s complete: candidates=%d accepted=%d queued=%d rejected_examples=%d",
		runID, len(parsed.Exprs), len(accepted), queued, len(parsed.RejectedExamples))})

	return Result{
		RunID:            runID,
		TotalLines:       parsed.TotalLines,
		Candidates:       len(parsed.Exprs),
		Accepted:         len(accepted),
		Inserted:         len(accepted),
		Queued:           queued,
		RejectedExamples: parsed.RejectedExamples,
	}, nil
}

func (s *Service) enqueueSurvivors(ctx domain.Context, accepted []string, region, universe string, delay int) int {
	queued := 0
	for _, expression := range accepted {
		if reason := ValidatePrequeue(expression); reason != "" {
			s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("skipped enqueue: %s => prequeue validation failed: %s", expression, reason)})
			continue
		}
		if incompatible, err := s.eventOperatorIncompatible(ctx, expression, region, universe, delay); err != nil {
			slog.Warn("event/operator compatibility check failed", slog.String("expression", expression), slog.Any("error", err))
		} else if incompatible {
			s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("skipped enqueue: %s => event field used with an incompatible operator", expression)})
			continue
		}
		if _, created, err := s.jobs.Enqueue(ctx, expression, region, universe); err != nil {
			slog.Error("failed to enqueue generated expression", slog.String("expression", expression), slog.Any("error", err))
		} else if created {
			queued++
		}
	}
	s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("auto-enqueued %d expressions for backtest", queued)})
	return queued
}

// eventOperatorIncompatible implements spec §7's operator/event compatibility
// gate: reject if any used field is event-flagged in this scope AND any used
// operator is in the incompatible set.
func (s *Service) eventOperatorIncompatible(ctx domain.Context, expression, region, universe string, delay int) (bool, error) {
	fieldIDs, err := s.fields.ExtractUsedFields(ctx, expression)
	if err != nil {
		return false, err
	}
	hasEventField := false
	for _, fieldID := range fieldIDs {
		isEvent, err := s.fields.IsEventScope(ctx, fieldID, region, universe, delay)
		if err != nil {
			return false, err
		}
		if isEvent {
			hasEventField = true
			break
		}
	}
	if !hasEventField {
		return false, nil
	}

	for _, tok := range operatorTokens(expression) {
		incompatible, err := s.fields.OperatorIncompatible(ctx, tok)
		if err != nil {
			return false, err
		}
		if incompatible {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) listIncompatibleOperators(ctx domain.Context, ops []domain.Operator) ([]string, error) {
	var names []string
	for _, op := range ops {
		incompatible, err := s.fields.OperatorIncompatible(ctx, op.Name)
		if err != nil {
			return nil, err
		}
		if incompatible {
			names = append(names, op.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// GenerateLoop repeats GenerateOnce with a sleep of cfg.IntervalSec between
// iterations until ctx is cancelled (spec §4.8 generate_loop).
func (s *Service) GenerateLoop(ctx domain.Context, cfg Config) {
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if res, err := s.GenerateOnce(ctx, cfg); err != nil {
			s.events.Emit(domain.ErrorEvent{Msg: "generate error: " + err.Error()})
		} else {
			s.events.Emit(domain.LogEvent{Msg: fmt.Sprintf("generate complete: candidates=%d inserted=%d rejected=%d", res.Candidates, res.Inserted, len(res.RejectedExamples))})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

var operatorTokenRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// operatorTokens extracts the function-call identifiers used in expression
// (tokens immediately followed by "("), distinguishing operator usage from
// bare field references for the event/operator compatibility gate.
func operatorTokens(expression string) []string {
	matches := operatorTokenRe.FindAllStringSubmatch(expression, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
