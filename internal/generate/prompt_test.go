package generate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

func TestIsBannedOperatorCaseInsensitive(t *testing.T) {
	require.True(t, isBannedOperator("reduce_ir"))
	require.True(t, isBannedOperator("REDUCE_AVG"))
	require.False(t, isBannedOperator("ts_rank"))
}

func TestCompactSignatureExtractsParams(t *testing.T) {
	require.Equal(t, "x,d", compactSignature("ts_rank(x, d)"))
}

func TestCompactSignatureFallsBackToTruncation(t *testing.T) {
	got := compactSignature("not a function signature at all, just prose that runs on and on past the limit")
	require.LessOrEqual(t, len(got), 48)
}

func TestSmartTruncateShortStringUnchanged(t *testing.T) {
	require.Equal(t, "short", smartTruncate("short", 48))
}

func TestSmartTruncateCutsOnWordBoundary(t *testing.T) {
	s := "this is a long description that goes well past the truncation limit"
	got := smartTruncate(s, 20)
	require.LessOrEqual(t, len(got), 20)
	require.False(t, strings.HasSuffix(got, " "))
}

func TestScopeAbbr(t *testing.T) {
	require.Equal(t, "CRS", scopeAbbr([]string{"COMBO", "REGULAR", "SELECTION"}))
	require.Equal(t, "R", scopeAbbr([]string{"REGULAR"}))
	require.Equal(t, "", scopeAbbr(nil))
}

func TestOperatorHintLinesSortsCategoriesAlphabetically(t *testing.T) {
	ops := []domain.Operator{
		{Name: "group_rank", Category: "Group", Definition: "group_rank(x, group)", Scope: []string{"REGULAR"}},
		{Name: "ts_rank", Category: "TimeSeries", Definition: "ts_rank(x, d)", Scope: []string{"REGULAR"}},
		{Name: "abs", Category: "Arithmetic", Definition: "abs(x)", Scope: []string{"REGULAR"}},
	}
	lines := operatorHintLines(ops)
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "Arithmetic: "))
	require.True(t, strings.HasPrefix(lines[1], "Group: "))
	require.True(t, strings.HasPrefix(lines[2], "TimeSeries: "))
}

func TestOperatorHintLinesExcludesBannedOperators(t *testing.T) {
	ops := []domain.Operator{
		{Name: "reduce_sum", Category: "Reduce", Definition: "reduce_sum(x)"},
		{Name: "reduce_custom", Category: "Reduce", Definition: "reduce_custom(x)"},
	}
	lines := operatorHintLines(ops)
	require.Len(t, lines, 1)
	require.NotContains(t, lines[0], "reduce_sum")
	require.Contains(t, lines[0], "reduce_custom")
}

func TestOperatorHintLinesIncludesScopeAndLevelAnnotations(t *testing.T) {
	ops := []domain.Operator{
		{Name: "ts_rank", Category: "TimeSeries", Definition: "ts_rank(x, d)", Scope: []string{"COMBO", "REGULAR"}, Level: "ATOM", Description: "ranks x over a trailing window"},
	}
	lines := operatorHintLines(ops)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "ts_rank(x,d){CR}[ATOM]: ranks x over a trailing window")
}

func TestOperatorHintLinesOmitsLevelWhenALL(t *testing.T) {
	ops := []domain.Operator{
		{Name: "abs", Category: "Arithmetic", Definition: "abs(x)", Level: "ALL"},
	}
	lines := operatorHintLines(ops)
	require.NotContains(t, lines[0], "[ALL]")
}

func TestOperatorHintLinesTruncatesAt400CharsPerCategory(t *testing.T) {
	var ops []domain.Operator
	for i := 0; i < 20; i++ {
		ops = append(ops, domain.Operator{
			Name:        "op_with_a_reasonably_long_name_" + strings.Repeat("x", 10),
			Category:    "Big",
			Definition:  "op(a, b, c, d, e, f, g, h)",
			Description: "a moderately long description string to pad out the line length considerably",
		})
	}
	lines := operatorHintLines(ops)
	require.Len(t, lines, 1)
	require.LessOrEqual(t, len(lines[0]), maxCategoryHintLen)
}

func TestOperatorHintLinesCapsAt20PerCategory(t *testing.T) {
	var ops []domain.Operator
	for i := 0; i < 25; i++ {
		ops = append(ops, domain.Operator{Name: "op", Category: "Cat", Definition: "op(x)"})
	}
	// All 25 render as the same "op(x)" item, well under the 400-char line
	// cap, so the single "Cat" line holds exactly the first 20; firstN's
	// slicing must also not panic when len(ops) > 20.
	var lines []string
	require.NotPanics(t, func() { lines = operatorHintLines(ops) })
	require.Len(t, lines, 1)
	require.Equal(t, 20, strings.Count(lines[0], "op(x)"))
}

func TestBuildPromptIncludesFieldsAndContext(t *testing.T) {
	prompt := BuildPrompt(5, []string{"close", "volume"}, []string{"news_sentiment"}, "CHN", "TOP2000U", 1, nil, nil)
	require.Contains(t, prompt, "Generate 5 unique alpha factor expressions")
	require.Contains(t, prompt, "region=CHN, universe=TOP2000U, delay=1")
	require.Contains(t, prompt, "NON_EVENT: (close, volume)")
	require.Contains(t, prompt, "EVENT: (news_sentiment)")
}

func TestBuildPromptOmitsContextLineWhenAllEmpty(t *testing.T) {
	prompt := BuildPrompt(3, nil, nil, "", "", 0, nil, nil)
	require.NotContains(t, prompt, "Context: region=")
}

func TestBuildPromptWarnsAboutIncompatibleOperators(t *testing.T) {
	prompt := BuildPrompt(3, nil, nil, "", "", 0, []string{"ts_decay_linear", "ts_step"}, nil)
	require.Contains(t, prompt, "Do NOT combine these operators with EVENT fields: ts_decay_linear, ts_step")
}

func TestBuildPromptOmitsIncompatibleOperatorLineWhenEmpty(t *testing.T) {
	prompt := BuildPrompt(3, nil, nil, "", "", 0, nil, nil)
	require.NotContains(t, prompt, "Do NOT combine")
}

func TestBuildPromptIncludesOperatorHintsWhenProvided(t *testing.T) {
	ops := []domain.Operator{{Name: "ts_rank", Category: "TimeSeries", Definition: "ts_rank(x, d)"}}
	prompt := BuildPrompt(3, nil, nil, "", "", 0, nil, ops)
	require.Contains(t, prompt, "Operators (compact hints):")
	require.Contains(t, prompt, "TimeSeries: ts_rank(x,d)")
}

func TestEstimateTokenBudgetWithinAndOverLimit(t *testing.T) {
	short := "ts_rank(close, 20)"
	n, ok := EstimateTokenBudget(short, 1000)
	require.True(t, ok)
	require.Greater(t, n, 0)

	n2, ok2 := EstimateTokenBudget(short, 1)
	require.False(t, ok2)
	require.Equal(t, n, n2)
}
