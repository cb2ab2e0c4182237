// Package generate implements Generator (spec §4.8): LLM-driven alpha
// expression generation, the line-wise parser/validator, and the
// pre-enqueue syntax gate, grounded on original_source's generate/*.rs.
package generate

import (
	"regexp"
	"strings"

	"github.com/minejiarong/wqbconsole/pkg/textx"
)

// ParsedResult is the outcome of parsing one LLM response (spec §4.8 step 4).
type ParsedResult struct {
	Exprs            []string
	TotalLines       int
	RejectedExamples []string
}

var braceAnnotation = regexp.MustCompile(`\{[^}]*\}`)

// SanitizeExpression strips stray control characters an LLM occasionally
// emits, brace-annotations, collapses internal whitespace, and trims the
// result.
func SanitizeExpression(expr string) string {
	s := textx.SanitizeText(expr)
	s = braceAnnotation.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\n", " ")
	fields := strings.Fields(s)
	return strings.TrimSpace(strings.Join(fields, " "))
}

// ParseAlphaExprs parses an LLM response line-wise (spec §4.8 step 4):
// strips an optional "ALPHA_EXPR:" prefix, sanitizes, and rejects lines
// that are too short, parenthesis-unbalanced, or contain a banned operator.
// Up to five reject examples are kept for reporting.
func ParseAlphaExprs(text string) ParsedResult {
	var out []string
	var rejected []string
	total := 0

	for _, rawLine := range strings.Split(text, "\n") {
		total++
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		exprRaw := line
		if rest, ok := strings.CutPrefix(line, "ALPHA_EXPR:"); ok {
			exprRaw = strings.TrimSpace(rest)
		}
		expr := SanitizeExpression(exprRaw)

		if len(expr) < 8 {
			rejected = appendRejected(rejected, "too_short: "+expr)
			continue
		}
		if !strings.Contains(expr, "(") || !strings.Contains(expr, ")") {
			rejected = appendRejected(rejected, "no_parens: "+expr)
			continue
		}
		if !parenBalanced(expr) {
			rejected = appendRejected(rejected, "bad_parens: "+expr)
			continue
		}
		if strings.Contains(strings.ToLower(expr), "reduce_") {
			rejected = appendRejected(rejected, "banned_op: "+expr)
			continue
		}
		out = append(out, expr)
	}

	return ParsedResult{Exprs: out, TotalLines: total, RejectedExamples: rejected}
}

func appendRejected(rejected []string, example string) []string {
	if len(rejected) >= 5 {
		return rejected
	}
	return append(rejected, example)
}

func parenBalanced(s string) bool {
	depth := 0
	for _, ch := range s {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// PrequeueRejectReason names why ValidatePrequeue rejected an expression.
type PrequeueRejectReason string

const (
	RejectUnexpectedRightParen PrequeueRejectReason = "unexpected_right_paren"
	RejectTrailingComma        PrequeueRejectReason = "trailing_comma"
	RejectWinsorizeArity       PrequeueRejectReason = "winsorize_arity"
)

// ValidatePrequeue checks the three pre-enqueue syntax rules of spec §4.8:
// no ")" immediately followed (modulo whitespace) by "(", no "," immediately
// before ")", and winsorize(...) accepting exactly one positional argument.
// Returns "" when the expression passes.
func ValidatePrequeue(expr string) PrequeueRejectReason {
	s := strings.TrimSpace(expr)

	if hasUnexpectedRightParen(s) {
		return RejectUnexpectedRightParen
	}
	if hasTrailingComma(s) {
		return RejectTrailingComma
	}
	if hasWinsorizeArityViolation(s) {
		return RejectWinsorizeArity
	}
	return ""
}

func hasUnexpectedRightParen(s string) bool {
	i := 0
	for i+1 < len(s) {
		if s[i] == ')' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && s[j] == '(' {
				return true
			}
		}
		i++
	}
	return false
}

func hasTrailingComma(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != ')' {
			continue
		}
		k := i
		for k > 0 && isSpace(s[k-1]) {
			k--
		}
		if k > 0 && s[k-1] == ',' {
			return true
		}
	}
	return false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// hasWinsorizeArityViolation finds every winsorize(...) call (case
// insensitive) and rejects if any has other than exactly one positional
// (non key=value) top-level argument.
func hasWinsorizeArityViolation(s string) bool {
	lower := strings.ToLower(s)
	pos := 0
	for {
		idx := strings.Index(lower[pos:], "winsorize(")
		if idx < 0 {
			return false
		}
		start := pos + idx + len("winsorize(")
		segs, end := splitTopLevelArgs(s, start)
		positional := 0
		for _, seg := range segs {
			trimmed := strings.TrimSpace(seg)
			if trimmed == "" {
				continue
			}
			if !isNamedArg(trimmed) {
				positional++
			}
		}
		if positional != 1 {
			return true
		}
		pos = end
		if pos >= len(lower) {
			return false
		}
	}
}

// splitTopLevelArgs splits the argument list of a call starting right after
// its opening "(" at start, returning the comma-separated segments at
// paren-depth 0 and the index just past the matching ")".
func splitTopLevelArgs(s string, start int) ([]string, int) {
	depth := 1
	i := start
	segStart := start
	var segs []string
	for i < len(s) && depth > 0 {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				segs = append(segs, s[segStart:i])
			}
		case ',':
			if depth == 1 {
				segs = append(segs, s[segStart:i])
				segStart = i + 1
			}
		}
		i++
	}
	return segs, i
}

func isNamedArg(seg string) bool {
	depth := 0
	for _, ch := range seg {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
		case '=':
			if depth == 0 {
				return true
			}
		}
	}
	return false
}
