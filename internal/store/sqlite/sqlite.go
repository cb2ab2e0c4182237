// Package sqlite implements the JobStore, AlphaStore, and FieldStore ports
// over a single-node embedded SQLite database in WAL mode.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS alphas (
  expression      TEXT PRIMARY KEY,
  region          TEXT NOT NULL,
  universe        TEXT NOT NULL,
  language        TEXT NOT NULL DEFAULT 'FASTEXPR',
  delay           INTEGER NOT NULL DEFAULT 1,
  decay           INTEGER NOT NULL DEFAULT 10,
  neutralization  TEXT NOT NULL DEFAULT 'INDUSTRY',
  status          TEXT NOT NULL DEFAULT 'PENDING',
  is_sharpe       REAL, is_fitness REAL, is_turnover REAL,
  is_returns      REAL, is_drawdown REAL, is_pnl REAL,
  metrics_json    TEXT NOT NULL DEFAULT '{}',
  checks_json     TEXT NOT NULL DEFAULT '[]',
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_jobs (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  expression       TEXT NOT NULL,
  region           TEXT NOT NULL,
  universe         TEXT NOT NULL,
  status           TEXT NOT NULL,
  priority         INTEGER NOT NULL DEFAULT 0,
  retry_count      INTEGER NOT NULL DEFAULT 0,
  max_retries      INTEGER NOT NULL DEFAULT 5,
  next_run_at      INTEGER NOT NULL,
  claimed_by       TEXT,
  claimed_at       INTEGER,
  simulation_id    TEXT,
  alpha_id         TEXT,
  metrics_json     TEXT,
  checks_json      TEXT,
  last_error_kind  TEXT,
  last_error_code  TEXT,
  last_error_message TEXT,
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backtest_jobs_claimable ON backtest_jobs(status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_backtest_jobs_expression ON backtest_jobs(expression);

CREATE TABLE IF NOT EXISTS data_fields (
  field_id        TEXT PRIMARY KEY,
  description     TEXT,
  dataset_id      TEXT, dataset_name TEXT,
  category_id     TEXT, category_name TEXT,
  subcategory_id  TEXT, subcategory_name TEXT,
  field_type      TEXT,
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS data_field_scopes (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  field_id   TEXT NOT NULL,
  region     TEXT NOT NULL,
  universe   TEXT NOT NULL,
  delay      INTEGER NOT NULL,
  is_event   INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(field_id, region, universe, delay)
);

CREATE TABLE IF NOT EXISTS operator_event_compat (
  operator_name TEXT PRIMARY KEY,
  event_incompatible INTEGER NOT NULL DEFAULT 0
);
`

// Open opens (creating if needed) the SQLite database at databaseURL, a DSN
// of the form "sqlite://path/to/file.db?mode=rwc", and applies the schema.
// WAL mode is set per-connection since modernc.org/sqlite does not persist
// pragmas across the pool.
func Open(databaseURL string) (*sql.DB, error) {
	dsn := strings.TrimPrefix(databaseURL, "sqlite://")
	if dsn == "" {
		dsn = "alphas.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer connection avoids SQLITE_BUSY under WAL
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("op=sqlite.Open.wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		return nil, fmt.Errorf("op=sqlite.Open.fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("op=sqlite.Open.schema: %w", err)
	}
	return db, nil
}
