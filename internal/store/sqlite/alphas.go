package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

// AlphaStore persists the alphas table and mediates its lifecycle alongside
// JobStore (spec §3, §4.2).
type AlphaStore struct{ DB *sql.DB }

// NewAlphaStore constructs an AlphaStore over db.
func NewAlphaStore(db *sql.DB) *AlphaStore { return &AlphaStore{DB: db} }

// Upsert inserts a new PENDING alpha, a no-op if the expression already exists.
func (s *AlphaStore) Upsert(ctx domain.Context, a domain.Alpha) error {
	now := unixNow(time.Now())
	if a.MetricsJSON == "" {
		a.MetricsJSON = "{}"
	}
	if a.ChecksJSON == "" {
		a.ChecksJSON = "[]"
	}
	if a.Status == "" {
		a.Status = domain.AlphaPending
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO alphas (expression, region, universe, language, delay, decay, neutralization, status, metrics_json, checks_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(expression) DO NOTHING`,
		a.Expression, a.Region, a.Universe, a.Language, a.Delay, a.Decay, a.Neutralization,
		string(a.Status), a.MetricsJSON, a.ChecksJSON, now, now)
	if err != nil {
		return fmt.Errorf("op=alphas.upsert: %w", err)
	}
	return nil
}

// MarkSimulating transitions an alpha to SIMULATING when a worker begins.
func (s *AlphaStore) MarkSimulating(ctx domain.Context, expression string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE alphas SET status=?, updated_at=? WHERE expression=?`,
		string(domain.AlphaSimulating), unixNow(time.Now()), expression)
	if err != nil {
		return fmt.Errorf("op=alphas.mark_simulating: %w", err)
	}
	return nil
}

// MarkDone writes core metrics and JSON-merges metrics_json/checks_json into
// the existing row (spec §4.2 "Alpha sync"; invariant 8). The merge is
// iterative and path-queued to bound stack depth (spec §9 Design Notes),
// not recursive.
func (s *AlphaStore) MarkDone(ctx domain.Context, expression string, res domain.BacktestResult) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=alphas.mark_done.begin: %w", err)
	}
	defer tx.Rollback()

	var existingMetrics, existingChecks string
	err = tx.QueryRowContext(ctx, `SELECT metrics_json, checks_json FROM alphas WHERE expression=?`, expression).
		Scan(&existingMetrics, &existingChecks)
	if errors.Is(err, sql.ErrNoRows) {
		existingMetrics, existingChecks = "{}", "[]"
	} else if err != nil {
		return fmt.Errorf("op=alphas.mark_done.select: %w", err)
	}

	mergedMetrics, err := mergeJSONTrees(existingMetrics, res.MetricsJSON)
	if err != nil {
		return fmt.Errorf("op=alphas.mark_done.merge_metrics: %w", err)
	}
	// checks_json is an array: arrays replace rather than merge (spec §4.2: "arrays and scalars replace").
	mergedChecks := res.ChecksJSON
	if mergedChecks == "" {
		mergedChecks = existingChecks
	}

	now := unixNow(time.Now())
	_, err = tx.ExecContext(ctx, `
		UPDATE alphas SET status=?, is_sharpe=?, is_fitness=?, is_turnover=?, is_returns=?, is_drawdown=?, is_pnl=?,
		metrics_json=?, checks_json=?, updated_at=? WHERE expression=?`,
		string(domain.AlphaDone), res.IsSharpe, res.IsFitness, res.IsTurnover, res.IsReturns, res.IsDrawdown, res.IsPnl,
		mergedMetrics, mergedChecks, now, expression)
	if err != nil {
		return fmt.Errorf("op=alphas.mark_done.update: %w", err)
	}
	return tx.Commit()
}

// MarkError marks the alpha ERROR on permanent worker failure.
func (s *AlphaStore) MarkError(ctx domain.Context, expression string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE alphas SET status=?, updated_at=? WHERE expression=?`,
		string(domain.AlphaError), unixNow(time.Now()), expression)
	if err != nil {
		return fmt.Errorf("op=alphas.mark_error: %w", err)
	}
	return nil
}

// Get loads one alpha by expression.
func (s *AlphaStore) Get(ctx domain.Context, expression string) (*domain.Alpha, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT expression, region, universe, language, delay, decay, neutralization, status,
		is_sharpe, is_fitness, is_turnover, is_returns, is_drawdown, is_pnl, metrics_json, checks_json, created_at, updated_at
		FROM alphas WHERE expression=?`, expression)
	a, err := scanAlpha(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("op=alphas.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=alphas.get: %w", err)
	}
	return a, nil
}

// List returns every alpha row.
func (s *AlphaStore) List(ctx domain.Context) ([]domain.Alpha, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT expression, region, universe, language, delay, decay, neutralization, status,
		is_sharpe, is_fitness, is_turnover, is_returns, is_drawdown, is_pnl, metrics_json, checks_json, created_at, updated_at
		FROM alphas ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("op=alphas.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Alpha
	for rows.Next() {
		a, err := scanAlpha(rows)
		if err != nil {
			return nil, fmt.Errorf("op=alphas.list.scan: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAlpha(row rowScanner) (*domain.Alpha, error) {
	var a domain.Alpha
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&a.Expression, &a.Region, &a.Universe, &a.Language, &a.Delay, &a.Decay, &a.Neutralization, &status,
		&a.IsSharpe, &a.IsFitness, &a.IsTurnover, &a.IsReturns, &a.IsDrawdown, &a.IsPnl, &a.MetricsJSON, &a.ChecksJSON,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.AlphaStatus(status)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

// ResetStaleSimulating rewrites SIMULATING alphas untouched for longer than
// staleAfter back to PENDING (spec §3's watchdog requirement).
func (s *AlphaStore) ResetStaleSimulating(ctx domain.Context, staleAfter time.Duration) (int, error) {
	cutoff := unixNow(time.Now().Add(-staleAfter))
	res, err := s.DB.ExecContext(ctx, `
		UPDATE alphas SET status=?, updated_at=? WHERE status=? AND updated_at<?`,
		string(domain.AlphaPending), unixNow(time.Now()), string(domain.AlphaSimulating), cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=alphas.reset_stale_simulating: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=alphas.reset_stale_simulating.rows: %w", err)
	}
	return int(n), nil
}

// WipeAll deletes every alpha row (spec §9 Open Question: "alphas clear").
func (s *AlphaStore) WipeAll(ctx domain.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM alphas`); err != nil {
		return fmt.Errorf("op=alphas.wipe_all: %w", err)
	}
	return nil
}

// mergeJSONTrees deep-merges two JSON object documents: object keys recurse,
// non-object values (scalars, arrays) overwrite. The merge is iterative over
// an explicit queue of (dst, src) node pairs rather than recursive, to bound
// stack depth on deeply nested upstream payloads (spec §9 Design Notes).
func mergeJSONTrees(existing, incoming string) (string, error) {
	if incoming == "" {
		return existing, nil
	}
	var dst, src map[string]any
	if existing == "" {
		existing = "{}"
	}
	if err := json.Unmarshal([]byte(existing), &dst); err != nil {
		dst = map[string]any{}
	}
	if err := json.Unmarshal([]byte(incoming), &src); err != nil {
		return "", fmt.Errorf("unmarshal incoming: %w", err)
	}
	if dst == nil {
		dst = map[string]any{}
	}

	type pair struct {
		dst map[string]any
		src map[string]any
	}
	queue := []pair{{dst, src}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for k, sv := range p.src {
			if sm, ok := sv.(map[string]any); ok {
				dm, ok := p.dst[k].(map[string]any)
				if !ok {
					dm = map[string]any{}
				}
				p.dst[k] = dm
				queue = append(queue, pair{dm, sm})
				continue
			}
			p.dst[k] = sv
		}
	}

	out, err := json.Marshal(dst)
	if err != nil {
		return "", fmt.Errorf("marshal merged: %w", err)
	}
	return string(out), nil
}
