package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

// OperatorCatalog is the 15-minute-cached /operators lookup shared by the
// generator (spec §4.9). It is guarded by a mutex and read-mostly.
type OperatorCatalog struct {
	client *Client
	ttl    time.Duration

	mu        sync.Mutex
	fetchedAt time.Time
	operators []domain.Operator
}

func newOperatorCatalog(c *Client, ttl time.Duration) *OperatorCatalog {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &OperatorCatalog{client: c, ttl: ttl}
}

type operatorsEnvelope struct {
	Operators []domain.Operator `json:"operators"`
	Data      []domain.Operator `json:"data"`
}

// Get returns the cached operator list, refreshing from /operators if stale.
func (o *OperatorCatalog) Get(ctx domain.Context) ([]domain.Operator, error) {
	o.mu.Lock()
	if time.Since(o.fetchedAt) < o.ttl && o.operators != nil {
		ops := o.operators
		o.mu.Unlock()
		return ops, nil
	}
	o.mu.Unlock()

	resp, err := o.client.Request(ctx, "GET", "/operators", nil)
	if err != nil {
		return nil, fmt.Errorf("op=operators.Get: %w", err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, fmt.Errorf("op=operators.Get: status=%d", resp.Status)
	}

	var flat []domain.Operator
	if err := resp.JSON(&flat); err == nil && len(flat) > 0 {
		return o.store(flat), nil
	}
	var env operatorsEnvelope
	if err := resp.JSON(&env); err != nil {
		return nil, fmt.Errorf("op=operators.Get.decode: %w", err)
	}
	if len(env.Operators) > 0 {
		return o.store(env.Operators), nil
	}
	return o.store(env.Data), nil
}

func (o *OperatorCatalog) store(ops []domain.Operator) []domain.Operator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.operators = ops
	o.fetchedAt = time.Now()
	return ops
}

// ByCategory groups the catalog by Category.
func ByCategory(ops []domain.Operator) map[string][]domain.Operator {
	out := map[string][]domain.Operator{}
	for _, op := range ops {
		out[op.Category] = append(out[op.Category], op)
	}
	return out
}
