// Package orchestrator implements the console's command dispatcher: parsing
// one line of operator input into a Command and routing it to the worker
// pool, field syncer, generator, or catch service, grounded on
// original_source's commands/app_command.rs.
package orchestrator

import (
	"strconv"
	"strings"
)

// Kind discriminates the parsed shape of one console command line.
type Kind string

const (
	KindCatch            Kind = "catch"
	KindBacktest         Kind = "backtest"
	KindBacktestsClear   Kind = "backtest_clear"
	KindAlphasClear      Kind = "alphas_clear"
	KindAlphasList       Kind = "alphas_list"
	KindDetail           Kind = "detail"
	KindStats            Kind = "stats"
	KindGenerateStart    Kind = "generate_start"
	KindGenerateOnce     Kind = "generate_once"
	KindGenerateStop     Kind = "generate_stop"
	KindHelp             Kind = "help"
	KindQuit             Kind = "quit"
	KindFieldsSync       Kind = "fields_sync"
	KindFieldStats       Kind = "field_stats"
	KindFieldSample      Kind = "field_sample"
	KindUnknown          Kind = "unknown"
)

// Command is a fully-parsed console command line (mirrors original_source's
// AppCommand enum, expressed as a tagged struct rather than a Go-native
// enum since Go has no sum types).
type Command struct {
	Kind Kind

	// Catch / Backtest
	AlphaID string
	Expr    string

	// Generate{Start,Once}
	Model        string
	Batch        int
	IntervalSec  int
	Region       string
	Universe     string
	Delay        int
	HasDelay     bool
	SampleSize   int
	AutoBacktest bool

	// FieldSample
	N int

	// Unknown
	Usage string
}

const defaultFieldSampleN = 300

// ParseCommand parses one line of console input into a Command.
func ParseCommand(line string, provider string) Command {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{Kind: KindUnknown}
	}

	switch parts[0] {
	case "alpha", "alphas":
		if len(parts) > 1 && parts[1] == "clear" {
			return Command{Kind: KindAlphasClear}
		}
		if len(parts) == 1 || parts[1] == "list" {
			return Command{Kind: KindAlphasList}
		}
		return Command{Kind: KindUnknown, Usage: "usage: alphas | alphas list | alphas clear"}

	case "detail":
		if len(parts) > 1 {
			return Command{Kind: KindDetail, Expr: strings.Join(parts[1:], " ")}
		}
		return Command{Kind: KindUnknown, Usage: "usage: detail <expr>"}

	case "stats":
		return Command{Kind: KindStats}

	case "fields":
		return parseFieldsCommand(parts)

	case "catch":
		if len(parts) > 1 {
			return Command{Kind: KindCatch, AlphaID: parts[1]}
		}
		return Command{Kind: KindUnknown, Usage: "usage: catch <alpha_id>"}

	case "backtest":
		if len(parts) > 1 && parts[1] == "clear" {
			return Command{Kind: KindBacktestsClear}
		}
		expr := strings.Join(parts[1:], " ")
		if expr != "" {
			return Command{Kind: KindBacktest, Expr: expr}
		}
		return Command{Kind: KindUnknown, Usage: "usage: backtest <expr> | backtest clear"}

	case "generate":
		return parseGenerateCommand(parts, provider)

	case "help", "h":
		return Command{Kind: KindHelp}

	case "quit", "q", "exit":
		return Command{Kind: KindQuit}

	default:
		return Command{Kind: KindUnknown, Usage: "unknown command: " + parts[0]}
	}
}

func parseFieldsCommand(parts []string) Command {
	if len(parts) < 2 {
		return Command{Kind: KindUnknown, Usage: fieldsUsage}
	}
	switch parts[1] {
	case "sync":
		return Command{Kind: KindFieldsSync}
	case "stats":
		return Command{Kind: KindFieldStats}
	case "sample":
		cmd := Command{Kind: KindFieldSample, N: defaultFieldSampleN}
		if len(parts) > 2 {
			cmd.Region = parts[2]
		}
		if len(parts) > 3 {
			cmd.Universe = parts[3]
		}
		if len(parts) > 4 {
			if d, err := strconv.Atoi(parts[4]); err == nil {
				cmd.Delay = d
				cmd.HasDelay = true
			}
		}
		if len(parts) > 5 {
			if n, err := strconv.Atoi(parts[5]); err == nil {
				cmd.N = n
			}
		}
		return cmd
	default:
		return Command{Kind: KindUnknown, Usage: fieldsUsage}
	}
}

const fieldsUsage = "usage: fields sync | fields stats | fields sample [region] [universe] [delay] [n]"

const generateUsage = "usage: generate loop <n> <sec> [model] [region] [universe] [delay] [sample_size] [auto_backtest] | " +
	"generate once <n> [model] [region] [universe] [delay] [sample_size] [auto_backtest] | generate stop"

func parseGenerateCommand(parts []string, provider string) Command {
	if len(parts) < 2 {
		return Command{Kind: KindUnknown, Usage: generateUsage}
	}

	switch parts[1] {
	case "stop":
		return Command{Kind: KindGenerateStop}

	case "loop":
		batch := intAt(parts, 2, 1)
		interval := 5
		if len(parts) > 3 {
			if v, ok := parseIntervalSeconds(parts[3]); ok {
				interval = v
			}
		}
		rest := parseGenerateTail(parts, 4, provider)
		return Command{
			Kind: KindGenerateStart, Batch: batch, IntervalSec: interval,
			Model: rest.model, Region: rest.region, Universe: rest.universe,
			Delay: rest.delay, HasDelay: rest.hasDelay, SampleSize: rest.sampleSize,
			AutoBacktest: rest.autoBacktest,
		}

	case "once":
		batch := intAt(parts, 2, 1)
		rest := parseGenerateTail(parts, 3, provider)
		return Command{
			Kind: KindGenerateOnce, Batch: batch,
			Model: rest.model, Region: rest.region, Universe: rest.universe,
			Delay: rest.delay, HasDelay: rest.hasDelay, SampleSize: rest.sampleSize,
			AutoBacktest: rest.autoBacktest,
		}

	default:
		return Command{Kind: KindUnknown, Usage: "unknown generate subcommand: " + parts[1]}
	}
}

type generateTail struct {
	model        string
	region       string
	universe     string
	delay        int
	hasDelay     bool
	sampleSize   int
	autoBacktest bool
}

// parseGenerateTail parses the shared "[model] [region] [universe] [delay]
// [sample_size] [auto_backtest]" tail of "generate loop"/"generate once",
// starting at idx. A token at idx is treated as a model name unless it looks
// like a 3-uppercase-letter region code, matching original_source's
// is_region_code heuristic.
func parseGenerateTail(parts []string, idx int, provider string) generateTail {
	model := defaultModelFor(provider)
	if idx < len(parts) && !isRegionCode(parts[idx]) {
		model = parts[idx]
		idx++
	}

	t := generateTail{model: model, sampleSize: defaultFieldSampleN, autoBacktest: true}
	if idx < len(parts) {
		t.region = parts[idx]
	}
	if idx+1 < len(parts) {
		t.universe = parts[idx+1]
	}
	if idx+2 < len(parts) {
		if d, err := strconv.Atoi(parts[idx+2]); err == nil {
			t.delay = d
			t.hasDelay = true
		}
	}
	if idx+3 < len(parts) {
		if n, err := strconv.Atoi(parts[idx+3]); err == nil {
			t.sampleSize = n
		}
	}
	if idx+4 < len(parts) {
		t.autoBacktest = isTruthy(parts[idx+4])
	}
	return t
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on", "bt", "backtest":
		return true
	default:
		return false
	}
}

func isRegionCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func defaultModelFor(provider string) string {
	if strings.ToLower(provider) == "cerebras" {
		return "llama-3.3-70b"
	}
	return "deepseek/deepseek-r1"
}

func intAt(parts []string, idx, def int) int {
	if idx >= len(parts) {
		return def
	}
	v, err := strconv.Atoi(parts[idx])
	if err != nil {
		return def
	}
	return v
}

// parseIntervalSeconds parses a bare integer or a suffixed duration like
// "30s", "5m", "1h" into whole seconds (spec §4.8 generate_loop interval).
func parseIntervalSeconds(raw string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, false
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v, true
	}

	suffixes := []struct {
		suffix string
		mul    int
	}{
		{"seconds", 1}, {"second", 1}, {"secs", 1}, {"sec", 1}, {"s", 1},
		{"minutes", 60}, {"minute", 60}, {"mins", 60}, {"min", 60}, {"m", 60},
		{"hours", 3600}, {"hour", 3600}, {"hrs", 3600}, {"hr", 3600}, {"h", 3600},
	}
	for _, suf := range suffixes {
		if prefix, ok := strings.CutSuffix(s, suf.suffix); ok {
			if v, err := strconv.Atoi(strings.TrimSpace(prefix)); err == nil {
				return v * suf.mul, true
			}
		}
	}
	return 0, false
}
