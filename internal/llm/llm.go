// Package llm implements LlmClient (spec §4.7): a polymorphic interface over
// openrouter/cerebras/xirang chat-completion providers with round-robin key
// rotation and tolerant response-shape parsing.
package llm

import (
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/minejiarong/wqbconsole/internal/config"
	"github.com/minejiarong/wqbconsole/internal/domain"
)

// ChatRequest is the provider-agnostic chat-completion request shape.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the extracted assistant text plus the raw provider body.
type ChatResponse struct {
	Text string
	Raw  string
}

// Client is the capability interface every provider implements.
type Client interface {
	Chat(ctx domain.Context, req ChatRequest) (ChatResponse, error)
}

// New constructs the provider named by cfg.LlmProvider, wrapped in a
// circuit breaker that trips after repeated upstream failures.
func New(cfg config.Config) (Client, error) {
	hc := newHTTPClient(cfg)
	var provider Client
	name := cfg.LlmProvider
	switch cfg.LlmProvider {
	case "cerebras":
		if cfg.CerebrasAPIKey == "" && len(cfg.CerebrasKeys) == 0 {
			return nil, &domain.LlmError{Kind: domain.LlmMissingEnv, Message: "CEREBRAS_API_KEY"}
		}
		provider = newCerebrasProvider(hc, cfg)
	case "xirang":
		if cfg.XirangAppKey == "" && len(cfg.XirangAppKeys) == 0 {
			return nil, &domain.LlmError{Kind: domain.LlmMissingEnv, Message: "XIRANG_APP_KEY"}
		}
		provider = newXirangProvider(hc, cfg)
	default:
		if cfg.OpenRouterAPIKey == "" && len(cfg.OpenRouterKeys) == 0 {
			return nil, &domain.LlmError{Kind: domain.LlmMissingEnv, Message: "OPENROUTER_API_KEY"}
		}
		provider = newOpenRouterProvider(hc, cfg)
		name = "openrouter"
	}
	return newBreakerClient(provider, name), nil
}

// newHTTPClient builds the shared HTTP client honoring LlmProxy and LlmTimeout.
func newHTTPClient(cfg config.Config) *http.Client {
	timeout := cfg.LlmTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.LlmProxy != "" {
		if u, err := url.Parse(cfg.LlmProxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(transport)}
}

// keyRing round-robins through a slice of API keys with a lock-free atomic
// counter (spec §5 "Shared resources": "key rotation uses an atomic counter
// and is lock-free").
type keyRing struct {
	keys    []string
	single  string
	counter *atomicCounter
}

func newKeyRing(single string, keys []string) *keyRing {
	return &keyRing{keys: keys, single: single, counter: newAtomicCounter()}
}

func (r *keyRing) next() string {
	if len(r.keys) == 0 {
		return r.single
	}
	i := r.counter.next()
	return r.keys[i%uint64(len(r.keys))]
}
