package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/minejiarong/wqbconsole/internal/config"
	"github.com/minejiarong/wqbconsole/internal/domain"
)

// cerebrasProvider talks to the Cerebras chat endpoint, which names its
// token-budget parameter "max_completion_tokens" instead of "max_tokens"
// (original_source ai/cerebras.rs) and has no key rotation (single key).
type cerebrasProvider struct {
	hc      *http.Client
	base    string
	apiKey  string
}

func newCerebrasProvider(hc *http.Client, cfg config.Config) *cerebrasProvider {
	base := cfg.CerebrasBase
	if base == "" {
		base = "https://api.cerebras.ai/v1"
	}
	key := cfg.CerebrasAPIKey
	if key == "" && len(cfg.CerebrasKeys) > 0 {
		key = cfg.CerebrasKeys[0]
	}
	return &cerebrasProvider{hc: hc, base: base, apiKey: key}
}

func (p *cerebrasProvider) Chat(ctx domain.Context, req ChatRequest) (ChatResponse, error) {
	u, err := url.JoinPath(p.base, "chat/completions")
	if err != nil {
		return ChatResponse{}, fmt.Errorf("op=cerebras.chat: %w", err)
	}
	body, _ := json.Marshal(map[string]any{
		"model":                  req.Model,
		"temperature":            req.Temperature,
		"max_completion_tokens":  req.MaxTokens,
		"stream":                 false,
		"messages": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.User},
		},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("op=cerebras.chat.new: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return ChatResponse{}, &domain.LlmError{Kind: domain.LlmHTTP, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ChatResponse{}, &domain.LlmError{Kind: domain.LlmUnauthorized}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ChatResponse{}, &domain.LlmError{Kind: domain.LlmRateLimited}
	}
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChatResponse{}, &domain.LlmError{Kind: domain.LlmHTTP, Message: fmt.Sprintf("%d %s", resp.StatusCode, raw)}
	}

	text, err := extractText(raw)
	if err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{Text: text, Raw: string(raw)}, nil
}
