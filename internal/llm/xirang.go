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

// xirangProvider talks to the Xirang chat endpoint: max_tokens param name,
// round-robin key rotation, no retry-on-timeout (original_source
// ai/xirang.rs).
type xirangProvider struct {
	hc   *http.Client
	base string
	keys *keyRing
}

func newXirangProvider(hc *http.Client, cfg config.Config) *xirangProvider {
	base := cfg.XirangBase
	if base == "" {
		base = "https://xiraang.com/v1"
	}
	return &xirangProvider{hc: hc, base: base, keys: newKeyRing(cfg.XirangAppKey, cfg.XirangAppKeys)}
}

func (p *xirangProvider) Chat(ctx domain.Context, req ChatRequest) (ChatResponse, error) {
	u, err := url.JoinPath(p.base, "chat/completions")
	if err != nil {
		return ChatResponse{}, fmt.Errorf("op=xirang.chat: %w", err)
	}
	body, _ := json.Marshal(map[string]any{
		"model":       req.Model,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"stream":      false,
		"messages": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.User},
		},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("op=xirang.chat.new: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.keys.next())
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
