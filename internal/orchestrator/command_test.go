package orchestrator

import "testing"

func TestParseCommandBacktest(t *testing.T) {
	cmd := ParseCommand("backtest ts_rank(close, 20)", "openrouter")
	if cmd.Kind != KindBacktest || cmd.Expr != "ts_rank(close, 20)" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandBacktestClear(t *testing.T) {
	cmd := ParseCommand("backtest clear", "openrouter")
	if cmd.Kind != KindBacktestsClear {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandAlphasClear(t *testing.T) {
	for _, prefix := range []string{"alpha", "alphas"} {
		cmd := ParseCommand(prefix+" clear", "openrouter")
		if cmd.Kind != KindAlphasClear {
			t.Fatalf("prefix=%s got %+v", prefix, cmd)
		}
	}
}

func TestParseCommandCatch(t *testing.T) {
	cmd := ParseCommand("catch abc123", "openrouter")
	if cmd.Kind != KindCatch || cmd.AlphaID != "abc123" {
		t.Fatalf("got %+v", cmd)
	}
	cmd = ParseCommand("catch", "openrouter")
	if cmd.Kind != KindUnknown {
		t.Fatalf("expected unknown for missing alpha id, got %+v", cmd)
	}
}

func TestParseCommandFieldsSubcommands(t *testing.T) {
	if cmd := ParseCommand("fields sync", "openrouter"); cmd.Kind != KindFieldsSync {
		t.Fatalf("got %+v", cmd)
	}
	if cmd := ParseCommand("fields stats", "openrouter"); cmd.Kind != KindFieldStats {
		t.Fatalf("got %+v", cmd)
	}
	cmd := ParseCommand("fields sample CHN TOP2000U 1 50", "openrouter")
	if cmd.Kind != KindFieldSample || cmd.Region != "CHN" || cmd.Universe != "TOP2000U" || cmd.Delay != 1 || cmd.N != 50 {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandFieldsSampleDefaultsN(t *testing.T) {
	cmd := ParseCommand("fields sample", "openrouter")
	if cmd.Kind != KindFieldSample || cmd.N != defaultFieldSampleN {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandGenerateOnceDefaultModelByProvider(t *testing.T) {
	cmd := ParseCommand("generate once 5", "openrouter")
	if cmd.Kind != KindGenerateOnce || cmd.Batch != 5 || cmd.Model != "deepseek/deepseek-r1" {
		t.Fatalf("got %+v", cmd)
	}
	cmd = ParseCommand("generate once 5", "cerebras")
	if cmd.Model != "llama-3.3-70b" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandGenerateOnceExplicitModelNotMistakenForRegion(t *testing.T) {
	cmd := ParseCommand("generate once 5 my-model CHN TOP2000U 1 200 yes", "openrouter")
	if cmd.Kind != KindGenerateOnce {
		t.Fatalf("got %+v", cmd)
	}
	if cmd.Model != "my-model" || cmd.Region != "CHN" || cmd.Universe != "TOP2000U" || !cmd.HasDelay || cmd.Delay != 1 || cmd.SampleSize != 200 || !cmd.AutoBacktest {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandGenerateOnceRegionTokenNotMistakenForModel(t *testing.T) {
	// "CHN" looks like a region code (3 uppercase letters), so it must be
	// treated as region, not a model name, per original_source's
	// is_region_code heuristic.
	cmd := ParseCommand("generate once 5 CHN TOP2000U", "openrouter")
	if cmd.Model != "deepseek/deepseek-r1" || cmd.Region != "CHN" || cmd.Universe != "TOP2000U" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandGenerateLoopIntervalSuffixes(t *testing.T) {
	cases := []struct {
		token string
		want  int
	}{
		{"30", 30},
		{"30s", 30},
		{"5m", 300},
		{"1h", 3600},
		{"2min", 120},
	}
	for _, tc := range cases {
		cmd := ParseCommand("generate loop 3 "+tc.token, "openrouter")
		if cmd.Kind != KindGenerateStart || cmd.IntervalSec != tc.want {
			t.Fatalf("token=%s got %+v", tc.token, cmd)
		}
	}
}

func TestParseCommandGenerateStop(t *testing.T) {
	cmd := ParseCommand("generate stop", "openrouter")
	if cmd.Kind != KindGenerateStop {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandHelpAndQuit(t *testing.T) {
	if cmd := ParseCommand("help", "openrouter"); cmd.Kind != KindHelp {
		t.Fatalf("got %+v", cmd)
	}
	for _, alias := range []string{"quit", "q", "exit"} {
		if cmd := ParseCommand(alias, "openrouter"); cmd.Kind != KindQuit {
			t.Fatalf("alias=%s got %+v", alias, cmd)
		}
	}
}

func TestParseCommandUnknown(t *testing.T) {
	cmd := ParseCommand("frobnicate", "openrouter")
	if cmd.Kind != KindUnknown {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandEmptyLine(t *testing.T) {
	cmd := ParseCommand("", "openrouter")
	if cmd.Kind != KindUnknown {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandAlphasListVariants(t *testing.T) {
	for _, line := range []string{"alphas", "alpha", "alphas list"} {
		cmd := ParseCommand(line, "openrouter")
		if cmd.Kind != KindAlphasList {
			t.Fatalf("line=%q got %+v", line, cmd)
		}
	}
}

func TestParseCommandAlphasClearStillWorks(t *testing.T) {
	cmd := ParseCommand("alphas clear", "openrouter")
	if cmd.Kind != KindAlphasClear {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandDetail(t *testing.T) {
	cmd := ParseCommand("detail ts_rank(close, 20)", "openrouter")
	if cmd.Kind != KindDetail || cmd.Expr != "ts_rank(close, 20)" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandDetailMissingExprIsUnknown(t *testing.T) {
	cmd := ParseCommand("detail", "openrouter")
	if cmd.Kind != KindUnknown {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommandStats(t *testing.T) {
	cmd := ParseCommand("stats", "openrouter")
	if cmd.Kind != KindStats {
		t.Fatalf("got %+v", cmd)
	}
}
