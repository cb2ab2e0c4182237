// Package fieldsync implements FieldSync (spec §4.6): a two-phase
// discovery-then-per-combination sync of the upstream data-field catalog,
// grounded on original_source's generate/field_sync.rs.
package fieldsync

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/minejiarong/wqbconsole/internal/config"
	"github.com/minejiarong/wqbconsole/internal/domain"
	"github.com/minejiarong/wqbconsole/internal/session"
	"github.com/minejiarong/wqbconsole/internal/store"
)

// Service runs field discovery and per-combination sync against the
// upstream session, persisting into a FieldStore.
type Service struct {
	sess   *session.Client
	fields store.FieldStore
	cfg    config.Config
	events domain.Events

	running atomic.Bool
}

// New constructs a Service.
func New(sess *session.Client, fields store.FieldStore, cfg config.Config, events domain.Events) *Service {
	return &Service{sess: sess, fields: fields, cfg: cfg, events: events}
}

// IsRunning reports whether a sync is currently in flight.
func (s *Service) IsRunning() bool { return s.running.Load() }

// datasetPage is the tolerant shape of one /data-sets response, accepting
// "data", "results", or a bare top-level array.
type datasetPage struct {
	Data    []map[string]any `json:"data"`
	Results []map[string]any `json:"results"`
}

// DiscoverRegionsUniverses pages the dataset index accumulating the union
// of region/universe values seen (spec §4.6 phase 1).
func (s *Service) DiscoverRegionsUniverses(ctx domain.Context) (regions, universes []string, err error) {
	regionSet := map[string]struct{}{}
	universeSet := map[string]struct{}{}
	offset := 0
	limit := s.cfg.FieldSyncPageLimit
	consecutive429 := 0

	s.events.Emit(domain.MessageEvent{Msg: "starting region/universe discovery"})
	for {
		resp, err := s.sess.Request(ctx, "GET", fmt.Sprintf("/data-sets?limit=%d&offset=%d", limit, offset), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("op=fieldsync.discover: %w", err)
		}
		if resp.Status == 429 {
			consecutive429++
			if consecutive429 > s.cfg.FieldSyncMax429Retries {
				return nil, nil, fmt.Errorf("op=fieldsync.discover: exceeded %d consecutive 429 retries", s.cfg.FieldSyncMax429Retries)
			}
			wait := retryAfterOrDefault(resp.Headers.Get("Retry-After"), s.cfg.FieldSyncRateLimitSleep)
			s.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf("discovery rate limited, waiting %s (%d/%d)", wait, consecutive429, s.cfg.FieldSyncMax429Retries)})
			time.Sleep(wait)
			continue
		}
		if resp.Status < 200 || resp.Status >= 300 {
			return nil, nil, fmt.Errorf("op=fieldsync.discover: status=%d", resp.Status)
		}
		consecutive429 = 0

		var page datasetPage
		var rows []map[string]any
		if err := resp.JSON(&page); err == nil && (len(page.Data) > 0 || len(page.Results) > 0) {
			rows = page.Data
			if len(rows) == 0 {
				rows = page.Results
			}
		} else {
			var bare []map[string]any
			if err := resp.JSON(&bare); err == nil {
				rows = bare
			}
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			collectRegionUniverse(row, regionSet, universeSet)
		}
		slog.Info("field discovery page scanned", slog.Int("offset", offset), slog.Int("rows", len(rows)))

		if len(rows) < limit {
			break
		}
		offset += limit
		if offset >= s.cfg.FieldSyncMaxRows {
			break
		}
		time.Sleep(s.cfg.FieldSyncThrottle)
	}

	regions = sortedKeys(regionSet)
	universes = sortedKeys(universeSet)
	s.events.Emit(domain.MessageEvent{Msg: fmt.Sprintf("discovery complete: regions=%d universes=%d", len(regions), len(universes))})
	return regions, universes, nil
}

func collectRegionUniverse(row map[string]any, regions, universes map[string]struct{}) {
	addStr(regions, row["region"])
	addStr(universes, row["universe"])
	if settings, ok := row["settings"].(map[string]any); ok {
		addStr(regions, settings["region"])
		addStr(universes, settings["universe"])
	}
}

func addStr(set map[string]struct{}, v any) {
	s, ok := v.(string)
	if !ok || s == "" {
		return
	}
	set[s] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func retryAfterOrDefault(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
