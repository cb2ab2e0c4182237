package generate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/llm"
)

// bannedOperators is the fixed exclusion list applied to operator hint
// lines and to generated expressions (spec §4.8 step 2/4).
var bannedOperators = map[string]struct{}{
	"reduce_ir":  {},
	"reduce_avg": {},
	"reduce_max": {},
	"reduce_sum": {},
	"reduce_min": {},
}

func isBannedOperator(name string) bool {
	_, ok := bannedOperators[strings.ToLower(name)]
	return ok
}

const maxCategoryHintLen = 400

var fnSignatureRe = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)`)

func compactSignature(def string) string {
	m := fnSignatureRe.FindStringSubmatch(def)
	if m == nil {
		return smartTruncate(def, 48)
	}
	return strings.ReplaceAll(m[2], " ", "")
}

func smartTruncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexAny(cut, " ,;.。；"); idx >= 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

func scopeAbbr(scope []string) string {
	var b strings.Builder
	for _, s := range scope {
		switch s {
		case "COMBO":
			b.WriteByte('C')
		case "REGULAR":
			b.WriteByte('R')
		case "SELECTION":
			b.WriteByte('S')
		}
	}
	return b.String()
}

// operatorHintLines renders one "category: name(sig){scope}[level]: desc |
// ..." line per category, truncated to 400 chars, excluding banned
// operators, at most 20 operators considered per category.
func operatorHintLines(ops []domain.Operator) []string {
	byCategory := map[string][]domain.Operator{}
	for _, op := range ops {
		byCategory[op.Category] = append(byCategory[op.Category], op)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var lines []string
	for _, cat := range categories {
		line := cat + ": "
		first := true
		for _, op := range firstN(byCategory[cat], 20) {
			if isBannedOperator(op.Name) {
				continue
			}
			item := op.Name
			sig := op.Definition
			if sig != "" {
				sig = compactSignature(sig)
			} else {
				sig = op.Type
			}
			if sig != "" {
				item += "(" + sig + ")"
			}
			if abbr := scopeAbbr(op.Scope); abbr != "" {
				item += "{" + abbr + "}"
			}
			if op.Level != "" && op.Level != "ALL" {
				item += "[" + op.Level + "]"
			}
			if op.Description != "" {
				item += ": " + smartTruncate(op.Description, 64)
			}

			sep := ""
			if !first {
				sep = " | "
			}
			if len(line)+len(sep)+len(item) > maxCategoryHintLen {
				break
			}
			line += sep + item
			first = false
		}
		lines = append(lines, line)
	}
	return lines
}

func firstN(ops []domain.Operator, n int) []domain.Operator {
	if len(ops) <= n {
		return ops
	}
	return ops[:n]
}

// BuildPrompt assembles the generator's user prompt: header, field samples,
// operator hints, incompatible-operator warning, and complexity guidelines
// (spec §4.8 step 2).
func BuildPrompt(n int, nonEventFields, eventFields []string, region, universe string, delay int, incompatibleOps []string, ops []domain.Operator) string {
	var lines []string
	lines = append(lines,
		fmt.Sprintf("Generate %d unique alpha factor expressions for WorldQuant BRAIN FASTEXPR.", n),
		"Return ONLY the expressions, one per line.",
		"Each line MUST start with 'ALPHA_EXPR:' followed by the expression.",
		"No markdown, no explanations.",
		"Do NOT include any curly braces {} or annotations.",
		"Do NOT append trailing markers like {CR}, {...}, comments or metadata.",
		"",
	)

	if region != "" || universe != "" || delay != 0 {
		lines = append(lines, fmt.Sprintf("Context: region=%s, universe=%s, delay=%d", orNA(region), orNA(universe), delay))
	}

	if len(nonEventFields) > 0 || len(eventFields) > 0 {
		lines = append(lines, "Available Fields sample (use real field IDs below):")
		if len(nonEventFields) > 0 {
			lines = append(lines, "NON_EVENT: ("+strings.Join(firstNStr(nonEventFields, 50), ", ")+")")
		}
		if len(eventFields) > 0 {
			lines = append(lines, "EVENT: ("+strings.Join(firstNStr(eventFields, 50), ", ")+")")
		}
		lines = append(lines, "")
	}

	lines = append(lines,
		"Example format (use provided fields; avoid placeholders):",
		"ALPHA_EXPR:ts_rank(FIELD_ID_HERE, 20)",
		"ALPHA_EXPR:group_zscore(ts_mean(FIELD_ID_HERE, 10), GROUP_FIELD_ID)",
		"",
	)

	if hints := operatorHintLines(ops); len(hints) > 0 {
		lines = append(lines, "Operators (compact hints):")
		lines = append(lines, hints...)
		lines = append(lines, "")
	}

	if len(incompatibleOps) > 0 {
		lines = append(lines, "Do NOT combine these operators with EVENT fields: "+strings.Join(incompatibleOps, ", "), "")
	}

	lines = append(lines,
		"STRICT COMPLEXITY GUIDELINES:",
		"1. Every expression must use at least 3 operators spanning >=2 kinds (e.g. ts_* + group_* + arithmetic/logical).",
		"2. Every expression must reference >=2 distinct data fields (not the same field repeated).",
		"3. Include at least one time-series operator (ts_*) with a positive integer lookback, and one group operator (group_*).",
		"4. Prefer nested composition: e.g. group_neutralize(ts_rank(FIELD_ID, 30) - ts_mean(OTHER_FIELD_ID, 20), GROUP_FIELD).",
		"5. Avoid trivial forms (a single operator, a uniformly tiny lookback like 1, or repeating the same template).",
		"6. Mix in low-frequency fields to improve diversity.",
	)

	return strings.Join(lines, "\n")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func firstNStr(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// EstimateTokenBudget cross-checks a prompt against the generator's
// fixed max_tokens ceiling, reusing tiktoken's offline encoder (spec §9
// domain-stack wiring).
func EstimateTokenBudget(prompt string, maxTokens int) (estimated int, withinBudget bool) {
	estimated = llm.EstimateTokens(prompt)
	return estimated, estimated <= maxTokens
}
