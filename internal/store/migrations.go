package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one forward-only schema step, recorded in schema_migrations
// by version string and applied at most once.
type migration struct {
	version string
	sql     string
}

var migrations = []migration{
	{
		version: "0001_init",
		sql: `
CREATE TABLE IF NOT EXISTS session_ledger (
    session_id      TEXT PRIMARY KEY,
    run_id          TEXT,
    agent_id        TEXT NOT NULL,
    agent_label     TEXT NOT NULL,
    model_id        TEXT NOT NULL,
    task_title      TEXT,
    task_text       TEXT,
    task_category   TEXT,
    status          TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    ended_at        TEXT,
    runtime_ms      INTEGER NOT NULL,
    artifact_count  INTEGER NOT NULL,
    error_code      TEXT,
    error_message   TEXT,
    source_version  TEXT,
    ingested_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_events (
    event_id     TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    event_type   TEXT NOT NULL,
    event_ts     TEXT NOT NULL,
    payload_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_usage (
    session_id        TEXT PRIMARY KEY,
    prompt_tokens     INTEGER,
    completion_tokens INTEGER,
    total_tokens      INTEGER,
    runtime_ms        INTEGER NOT NULL,
    cost_usd          REAL,
    cost_confidence   TEXT NOT NULL,
    provider          TEXT,
    pricing_version   TEXT,
    computed_at       TEXT NOT NULL,
    token_source      TEXT,
    runtime_source    TEXT,
    cost_source       TEXT
);

CREATE TABLE IF NOT EXISTS alert_rules (
    rule_id            TEXT PRIMARY KEY,
    enabled            INTEGER NOT NULL,
    metric             TEXT NOT NULL,
    scope_type         TEXT NOT NULL,
    scope_ref_json     TEXT,
    warn_threshold     REAL NOT NULL,
    critical_threshold REAL NOT NULL,
    window             TEXT NOT NULL,
    comparison         TEXT NOT NULL,
    dedup_cooldown_sec INTEGER NOT NULL,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_state (
    rule_id            TEXT PRIMARY KEY,
    status             TEXT NOT NULL,
    lifecycle_state    TEXT NOT NULL DEFAULT 'active',
    suppressed_until   TEXT,
    last_value         REAL NOT NULL,
    last_evaluated_at  TEXT NOT NULL,
    last_transition_at TEXT NOT NULL,
    last_notified_at   TEXT,
    active_fingerprint TEXT,
    deduped            INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_ledger_agent_started  ON session_ledger(agent_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_status_started ON session_ledger(status, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_model_started  ON session_ledger(model_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_session_seq    ON session_events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_alert_state_status    ON alert_state(status, last_transition_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS session_ledger_fts USING fts5(session_id, task_title, task_text);
`,
	},
}

// runMigrations applies pending migrations inside one transaction.
func runMigrations(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migrations: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := tx.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate migration ledger: %w", err)
	}
	_ = rows.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if _, err := tx.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.version, now); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
	}

	return tx.Commit()
}
