package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/minejiarong/wqbconsole/internal/config"
	"github.com/minejiarong/wqbconsole/internal/domain"
)

// openRouterProvider talks to OpenRouter's OpenAI-compatible chat endpoint.
// Grounded on original_source's ai/openrouter.rs: one retry on transport
// timeout with the next rotated key, max_tokens param name.
type openRouterProvider struct {
	hc   *http.Client
	base string
	keys *keyRing
}

func newOpenRouterProvider(hc *http.Client, cfg config.Config) *openRouterProvider {
	base := cfg.OpenRouterBase
	if base == "" {
		base = "https://openrouter.ai/api/v1"
	}
	return &openRouterProvider{hc: hc, base: base, keys: newKeyRing(cfg.OpenRouterAPIKey, cfg.OpenRouterKeys)}
}

func (p *openRouterProvider) Chat(ctx domain.Context, req ChatRequest) (ChatResponse, error) {
	u, err := url.JoinPath(p.base, "chat/completions")
	if err != nil {
		return ChatResponse{}, fmt.Errorf("op=openrouter.chat: %w", err)
	}
	body, _ := json.Marshal(map[string]any{
		"model":       req.Model,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.User},
		},
	})

	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return ChatResponse{}, fmt.Errorf("op=openrouter.chat.new: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+p.keys.next())
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err = p.hc.Do(httpReq)
		if err == nil {
			break
		}
		if isTimeoutErr(err) {
			continue // one retry on the next key (spec §4.7)
		}
		return ChatResponse{}, &domain.LlmError{Kind: domain.LlmHTTP, Message: err.Error()}
	}
	if resp == nil {
		return ChatResponse{}, &domain.LlmError{Kind: domain.LlmHTTP, Message: "timeout"}
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

// isTimeoutErr reports whether err is a net.Error signalling a transport
// timeout, the condition OpenRouter's one-retry-on-timeout responds to.
func isTimeoutErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
