package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"time"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

// FieldStore persists data_fields/data_field_scopes/operator_event_compat.
type FieldStore struct{ DB *sql.DB }

// NewFieldStore constructs a FieldStore over db.
func NewFieldStore(db *sql.DB) *FieldStore { return &FieldStore{DB: db} }

// UpsertFields idempotently writes field master rows.
func (s *FieldStore) UpsertFields(ctx domain.Context, fields []domain.Field) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=fields.upsert_fields.begin: %w", err)
	}
	defer tx.Rollback()
	now := unixNow(time.Now())
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO data_fields (field_id, description, dataset_id, dataset_name, category_id, category_name, subcategory_id, subcategory_name, field_type, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(field_id) DO UPDATE SET description=excluded.description, dataset_id=excluded.dataset_id,
			dataset_name=excluded.dataset_name, category_id=excluded.category_id, category_name=excluded.category_name,
			subcategory_id=excluded.subcategory_id, subcategory_name=excluded.subcategory_name, field_type=excluded.field_type,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("op=fields.upsert_fields.prepare: %w", err)
	}
	defer stmt.Close()
	for _, f := range fields {
		if _, err := stmt.ExecContext(ctx, f.FieldID, f.Description, f.DatasetID, f.DatasetName,
			f.CategoryID, f.CategoryName, f.SubcategoryID, f.SubcategoryName, f.FieldType, now, now); err != nil {
			return fmt.Errorf("op=fields.upsert_fields.exec: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertScopes idempotently writes (field_id, region, universe, delay) rows.
func (s *FieldStore) UpsertScopes(ctx domain.Context, scopes []domain.FieldScope) error {
	if len(scopes) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=fields.upsert_scopes.begin: %w", err)
	}
	defer tx.Rollback()
	now := unixNow(time.Now())
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO data_field_scopes (field_id, region, universe, delay, is_event, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(field_id, region, universe, delay) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("op=fields.upsert_scopes.prepare: %w", err)
	}
	defer stmt.Close()
	for _, sc := range scopes {
		isEvent := 0
		if sc.IsEvent {
			isEvent = 1
		}
		if _, err := stmt.ExecContext(ctx, sc.FieldID, sc.Region, sc.Universe, sc.Delay, isEvent, now, now); err != nil {
			return fmt.Errorf("op=fields.upsert_scopes.exec: %w", err)
		}
	}
	return tx.Commit()
}

// StatsByRUD counts distinct fields per (region, universe, delay).
func (s *FieldStore) StatsByRUD(ctx domain.Context) ([]domain.FieldStatsRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT region, universe, delay, COUNT(DISTINCT field_id) FROM data_field_scopes GROUP BY region, universe, delay
		ORDER BY region, universe, delay`)
	if err != nil {
		return nil, fmt.Errorf("op=fields.stats_by_rud: %w", err)
	}
	defer rows.Close()
	var out []domain.FieldStatsRow
	for rows.Next() {
		var r domain.FieldStatsRow
		if err := rows.Scan(&r.Region, &r.Universe, &r.Delay, &r.DistinctFieldCnt); err != nil {
			return nil, fmt.Errorf("op=fields.stats_by_rud.scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// fieldFrequency is a candidate field id with its matching-scope-row frequency.
type fieldFrequency struct {
	fieldID string
	freq    int
	isEvent bool
}

func (s *FieldStore) candidateFrequencies(ctx domain.Context, region, universe string, delay int) ([]fieldFrequency, error) {
	q := `SELECT field_id, COUNT(*), MAX(is_event) FROM data_field_scopes WHERE 1=1`
	var args []any
	if region != "" {
		q += ` AND region=?`
		args = append(args, region)
	}
	if universe != "" {
		q += ` AND universe=?`
		args = append(args, universe)
	}
	if delay != 0 {
		q += ` AND delay=?`
		args = append(args, delay)
	}
	q += ` GROUP BY field_id`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=fields.candidate_frequencies: %w", err)
	}
	defer rows.Close()
	var out []fieldFrequency
	for rows.Next() {
		var ff fieldFrequency
		var isEvent int
		if err := rows.Scan(&ff.fieldID, &ff.freq, &isEvent); err != nil {
			return nil, fmt.Errorf("op=fields.candidate_frequencies.scan: %w", err)
		}
		ff.isEvent = isEvent != 0
		out = append(out, ff)
	}
	return out, rows.Err()
}

// weightedSampleIDs runs Efraimidis–Spirakis reservoir sampling without
// replacement: weight w = 1/freq, key = u^(1/w), top-n keys win. This
// biases toward rare fields (spec §4.5, invariant 7).
func weightedSampleIDs(candidates []fieldFrequency, n int) []string {
	type keyed struct {
		id  string
		key float64
	}
	keys := make([]keyed, 0, len(candidates))
	for _, c := range candidates {
		if c.freq <= 0 {
			continue
		}
		w := 1.0 / float64(c.freq)
		u := rand.Float64()
		if u <= 0 {
			u = 1e-12
		}
		key := math.Pow(u, 1.0/w)
		keys = append(keys, keyed{id: c.fieldID, key: key})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key > keys[j].key })
	if n > len(keys) {
		n = len(keys)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, keys[i].id)
	}
	return out
}

// SampleWeighted selects up to n distinct field ids via weighted reservoir sampling.
func (s *FieldStore) SampleWeighted(ctx domain.Context, region, universe string, delay int, n int) ([]string, error) {
	cands, err := s.candidateFrequencies(ctx, region, universe, delay)
	if err != nil {
		return nil, err
	}
	return weightedSampleIDs(cands, n), nil
}

// SampleWeightedGrouped splits the sample into non-event and event ids.
func (s *FieldStore) SampleWeightedGrouped(ctx domain.Context, region, universe string, delay int, n int) ([]string, []string, error) {
	cands, err := s.candidateFrequencies(ctx, region, universe, delay)
	if err != nil {
		return nil, nil, err
	}
	var nonEvent, event []fieldFrequency
	for _, c := range cands {
		if c.isEvent {
			event = append(event, c)
		} else {
			nonEvent = append(nonEvent, c)
		}
	}
	return weightedSampleIDs(nonEvent, n), weightedSampleIDs(event, n), nil
}

// MarkFieldEvent sets the event flag on scopes matching the filter.
func (s *FieldStore) MarkFieldEvent(ctx domain.Context, fieldID, region, universe string, delay int) error {
	q := `UPDATE data_field_scopes SET is_event=1, updated_at=? WHERE field_id=?`
	args := []any{unixNow(time.Now()), fieldID}
	if region != "" {
		q += ` AND region=?`
		args = append(args, region)
	}
	if universe != "" {
		q += ` AND universe=?`
		args = append(args, universe)
	}
	if delay != 0 {
		q += ` AND delay=?`
		args = append(args, delay)
	}
	if _, err := s.DB.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("op=fields.mark_field_event: %w", err)
	}
	return nil
}

// IsEventScope reports whether fieldID is event-flagged in the given scope.
func (s *FieldStore) IsEventScope(ctx domain.Context, fieldID, region, universe string, delay int) (bool, error) {
	var isEvent int
	err := s.DB.QueryRowContext(ctx, `
		SELECT is_event FROM data_field_scopes WHERE field_id=? AND region=? AND universe=? AND delay=?`,
		fieldID, region, universe, delay).Scan(&isEvent)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=fields.is_event_scope: %w", err)
	}
	return isEvent != 0, nil
}

var fieldTokenRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// ExtractUsedFields tokenizes expression and intersects tokens with known field ids.
func (s *FieldStore) ExtractUsedFields(ctx domain.Context, expression string) ([]string, error) {
	tokens := fieldTokenRe.FindAllString(expression, -1)
	if len(tokens) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		var exists int
		if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_fields WHERE field_id=?`, t).Scan(&exists); err != nil {
			return nil, fmt.Errorf("op=fields.extract_used_fields: %w", err)
		}
		if exists > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

// OperatorIncompatible reports whether operatorName is flagged incompatible
// with event fields (spec §4.8 operator/event compatibility check).
func (s *FieldStore) OperatorIncompatible(ctx domain.Context, operatorName string) (bool, error) {
	var incompatible int
	err := s.DB.QueryRowContext(ctx, `SELECT event_incompatible FROM operator_event_compat WHERE operator_name=?`, operatorName).
		Scan(&incompatible)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=fields.operator_incompatible: %w", err)
	}
	return incompatible != 0, nil
}
