package llm

import (
	"time"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/observability"
)

// breakerClient wraps a provider Client with a circuit breaker so a
// misbehaving upstream (sustained timeouts, 5xx) stops being hammered with
// generate-loop traffic. Adapted from the teacher's AI-adapter circuit
// breaker, repurposed from HTTP-handler protection to provider protection.
type breakerClient struct {
	inner    Client
	breaker  *observability.CircuitBreaker
	provider string
}

func newBreakerClient(inner Client, provider string) *breakerClient {
	return &breakerClient{
		inner:    inner,
		breaker:  observability.NewCircuitBreaker(5, 30*time.Second, 0.5),
		provider: provider,
	}
}

func (b *breakerClient) Chat(ctx domain.Context, req ChatRequest) (ChatResponse, error) {
	if !b.breaker.CanExecute() {
		observability.LlmCallsTotal.WithLabelValues(b.provider, "circuit_open").Inc()
		return ChatResponse{}, &domain.LlmError{Kind: domain.LlmHTTP, Message: "circuit breaker open: upstream provider is failing"}
	}
	resp, err := b.inner.Chat(ctx, req)
	if err != nil {
		b.breaker.RecordFailure()
		observability.LlmCallsTotal.WithLabelValues(b.provider, "error").Inc()
		return ChatResponse{}, err
	}
	b.breaker.RecordSuccess()
	observability.LlmCallsTotal.WithLabelValues(b.provider, "success").Inc()
	return resp, nil
}
