package fieldsync

import (
	"fmt"
	"time"

	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/observability"
)

type fieldPage struct {
	Fields  []map[string]any `json:"fields"`
	Data    []map[string]any `json:"data"`
	Results []map[string]any `json:"results"`
}

// SyncCombo pages /data-fields for one (region, universe, delay) combination,
// upserting fields and scopes into the FieldStore, and returns the number of
// rows processed (spec §4.6 phase 2).
func (s *Service) SyncCombo(ctx domain.Context, region, universe string, delay int) (int, error) {
	s.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf("syncing combination region=%s universe=%s delay=%d", region, universe, delay)})
	offset := 0
	limit := s.cfg.FieldSyncPageLimit
	total := 0
	consecutive429 := 0

	for {
		path := fmt.Sprintf("/data-fields?region=%s&universe=%s&delay=%d&instrumentType=EQUITY&limit=%d&offset=%d",
			region, universe, delay, limit, offset)
		resp, err := s.sess.Request(ctx, "GET", path, nil)
		if err != nil {
			return total, fmt.Errorf("op=fieldsync.sync_combo: %w", err)
		}
		if resp.Status == 429 {
			consecutive429++
			if consecutive429 > s.cfg.FieldSyncMax429Retries {
				return total, fmt.Errorf("op=fieldsync.sync_combo: exceeded %d consecutive 429 retries", s.cfg.FieldSyncMax429Retries)
			}
			wait := retryAfterOrDefault(resp.Headers.Get("Retry-After"), s.cfg.FieldSyncRateLimitSleep)
			s.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf("field fetch rate limited, waiting %s (%s/%s/%d)", wait, region, universe, delay)})
			time.Sleep(wait)
			continue
		}
		if resp.Status < 200 || resp.Status >= 300 {
			return total, fmt.Errorf("op=fieldsync.sync_combo: status=%d", resp.Status)
		}
		consecutive429 = 0

		var page fieldPage
		var rows []map[string]any
		if err := resp.JSON(&page); err == nil {
			switch {
			case len(page.Fields) > 0:
				rows = page.Fields
			case len(page.Data) > 0:
				rows = page.Data
			case len(page.Results) > 0:
				rows = page.Results
			}
		}
		if rows == nil {
			var bare []map[string]any
			if err := resp.JSON(&bare); err == nil {
				rows = bare
			}
		}
		if len(rows) == 0 {
			break
		}

		fields, scopes := parseFieldRows(rows, region, universe, delay)
		if err := s.fields.UpsertFields(ctx, fields); err != nil {
			return total, fmt.Errorf("op=fieldsync.sync_combo.upsert_fields: %w", err)
		}
		if err := s.fields.UpsertScopes(ctx, scopes); err != nil {
			return total, fmt.Errorf("op=fieldsync.sync_combo.upsert_scopes: %w", err)
		}
		total += len(rows)
		observability.FieldSyncPagesTotal.WithLabelValues(region, universe).Inc()
		s.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf("page synced: %d rows (%s/%s/%d)", len(rows), region, universe, delay)})

		if stats, err := s.fields.StatsByRUD(ctx); err == nil {
			s.events.Emit(domain.FieldStatsRowsEvent{Rows: stats})
		}

		if len(rows) < limit {
			break
		}
		offset += limit
		if offset >= s.cfg.FieldSyncMaxRows {
			break
		}
		time.Sleep(s.cfg.FieldSyncThrottle)
	}
	return total, nil
}

func parseFieldRows(rows []map[string]any, region, universe string, delay int) ([]domain.Field, []domain.FieldScope) {
	fields := make([]domain.Field, 0, len(rows))
	scopes := make([]domain.FieldScope, 0, len(rows))
	for _, row := range rows {
		fieldID := strField(row, "id")
		if fieldID == "" {
			fieldID = strField(row, "fieldId")
		}
		if fieldID == "" {
			continue
		}
		datasetID, datasetName := nestedOrFlat(row, "dataset", "datasetId", "datasetName")
		categoryID, categoryName := nestedOrFlat(row, "category", "categoryId", "categoryName")
		subcategoryID, subcategoryName := nestedOrFlat(row, "subcategory", "subcategoryId", "subcategoryName")

		fields = append(fields, domain.Field{
			FieldID:         fieldID,
			Description:     strField(row, "description"),
			DatasetID:       datasetID,
			DatasetName:     datasetName,
			CategoryID:      categoryID,
			CategoryName:    categoryName,
			SubcategoryID:   subcategoryID,
			SubcategoryName: subcategoryName,
			FieldType:       strField(row, "type"),
		})
		scopes = append(scopes, domain.FieldScope{
			FieldID:  fieldID,
			Region:   region,
			Universe: universe,
			Delay:    delay,
		})
	}
	return fields, scopes
}

func nestedOrFlat(row map[string]any, nestedKey, idKey, nameKey string) (id, name string) {
	if nested, ok := row[nestedKey].(map[string]any); ok {
		return strField(nested, "id"), strField(nested, "name")
	}
	return strField(row, idKey), strField(row, nameKey)
}

func strField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SyncAllDiscovered runs discovery then syncs every (region, universe,
// delay) combination. A process-wide flag makes re-entry while running a
// no-op (spec §4.6 phase 2, "single-flight guard").
func (s *Service) SyncAllDiscovered(ctx domain.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.events.Emit(domain.MessageEvent{Msg: "field sync already running, ignoring request"})
		return nil
	}
	defer s.running.Store(false)

	regions, universes, err := s.DiscoverRegionsUniverses(ctx)
	if err != nil {
		return err
	}

	delays := s.cfg.FieldSyncDelays
	total := len(regions) * len(universes) * len(delays)
	done := 0
	s.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf("starting field sync: %d combinations (regions=%d universes=%d delays=%d)", total, len(regions), len(universes), len(delays))})

	for _, region := range regions {
		for _, universe := range universes {
			for _, delay := range delays {
				if _, err := s.SyncCombo(ctx, region, universe, delay); err != nil {
					s.events.Emit(domain.ErrorEvent{Msg: fmt.Sprintf("sync failed for %s/%s/%d: %v", region, universe, delay, err)})
				}
				done++
				pct := float64(done) / float64(max(total, 1)) * 100
				s.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf("field sync progress: %d/%d (%.1f%%)", done, total, pct)})
			}
		}
	}
	s.events.Emit(domain.MessageEvent{Msg: "field sync complete"})
	return nil
}
