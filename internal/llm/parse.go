package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

// extractText tolerates the response shapes documented in spec §4.7:
// choices[0].message.content as a string or array of {text} parts,
// choices[0].content likewise, choices[0].text, or top-level output_text.
func extractText(raw []byte) (string, error) {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", &domain.LlmError{Kind: domain.LlmInvalidResponse, Message: fmt.Sprintf("json parse failed: %v", err), Raw: string(raw)}
	}

	choices, _ := v["choices"].([]any)
	if len(choices) == 0 {
		return "", &domain.LlmError{Kind: domain.LlmInvalidResponse, Message: "missing choices[0]", Raw: string(raw)}
	}
	choice0, _ := choices[0].(map[string]any)

	var content any
	if msg, ok := choice0["message"].(map[string]any); ok {
		content = msg["content"]
	}
	if content == nil {
		content = choice0["content"]
	}

	if content != nil {
		switch c := content.(type) {
		case string:
			return c, nil
		case []any:
			var parts []string
			for _, it := range c {
				if m, ok := it.(map[string]any); ok {
					if t, ok := m["text"].(string); ok {
						parts = append(parts, t)
						continue
					}
				}
				if s, ok := it.(string); ok {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, "\n"), nil
		default:
			return "", &domain.LlmError{Kind: domain.LlmInvalidResponse, Message: "unexpected content type", Raw: string(raw)}
		}
	}

	if t, ok := choice0["text"].(string); ok {
		return t, nil
	}
	if t, ok := v["output_text"].(string); ok {
		return t, nil
	}
	return "", &domain.LlmError{Kind: domain.LlmInvalidResponse, Message: "missing content/text in choices[0]", Raw: string(raw)}
}
