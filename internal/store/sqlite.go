package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

// SQLite is a repository backed by an embedded SQLite database. Durability
// comes from the database's own transaction semantics: WAL journal mode, a
// busy timeout, and an explicit transaction around every multi-table write.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens or creates the database at dbPath and applies pending
// migrations.
func OpenSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite db: %w", err)
	}

	return &SQLite{db: db, logger: logger.With("component", "store", "backend", "sqlite")}, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertSession writes ledger, usage and events in one transaction.
func (s *SQLite) UpsertSession(ctx context.Context, entry LedgerEntry, usage Usage, events []Event) error {
	if violatesPricingProvenance(usage) {
		return fmt.Errorf("upsert session %s: %w", usage.SessionID, ErrPricingProvenance)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO session_ledger (
    session_id, run_id, agent_id, agent_label, model_id,
    task_title, task_text, task_category, status, started_at, ended_at,
    runtime_ms, artifact_count, error_code, error_message, source_version, ingested_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET
    run_id         = excluded.run_id,
    agent_id       = excluded.agent_id,
    agent_label    = excluded.agent_label,
    model_id       = excluded.model_id,
    task_title     = excluded.task_title,
    task_text      = excluded.task_text,
    task_category  = excluded.task_category,
    status         = excluded.status,
    started_at     = excluded.started_at,
    ended_at       = excluded.ended_at,
    runtime_ms     = excluded.runtime_ms,
    artifact_count = excluded.artifact_count,
    error_code     = excluded.error_code,
    error_message  = excluded.error_message,
    source_version = excluded.source_version,
    ingested_at    = excluded.ingested_at`,
		entry.SessionID, nullStr(entry.RunID), entry.AgentID, entry.AgentLabel, entry.ModelID,
		nullStr(entry.TaskTitle), nullStr(entry.TaskText), nullStr(entry.TaskCategory),
		string(entry.Status), entry.StartedAt, nullStr(entry.EndedAt),
		entry.RuntimeMs, entry.ArtifactCount, nullStr(entry.ErrorCode), nullStr(entry.ErrorMessage),
		nullStr(entry.SourceVersion), entry.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert ledger: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO session_usage (
    session_id, prompt_tokens, completion_tokens, total_tokens, runtime_ms,
    cost_usd, cost_confidence, provider, pricing_version, computed_at,
    token_source, runtime_source, cost_source
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET
    prompt_tokens     = excluded.prompt_tokens,
    completion_tokens = excluded.completion_tokens,
    total_tokens      = excluded.total_tokens,
    runtime_ms        = excluded.runtime_ms,
    cost_usd          = excluded.cost_usd,
    cost_confidence   = excluded.cost_confidence,
    provider          = excluded.provider,
    pricing_version   = excluded.pricing_version,
    computed_at       = excluded.computed_at,
    token_source      = excluded.token_source,
    runtime_source    = excluded.runtime_source,
    cost_source       = excluded.cost_source`,
		usage.SessionID, nullI64(usage.PromptTokens), nullI64(usage.CompletionTokens), nullI64(usage.TotalTokens),
		usage.RuntimeMs, nullF64(usage.CostUsd), string(usage.CostConfidence), nullStr(usage.Provider),
		nullStr(usage.PricingVersion), usage.ComputedAt,
		nullStr(usage.TokenSource), nullStr(usage.RuntimeSource), nullStr(usage.CostSource),
	)
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}

	for _, ev := range events {
		payload := ev.Payload
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		_, err = tx.ExecContext(ctx, `
INSERT OR IGNORE INTO session_events (event_id, session_id, seq, event_type, event_ts, payload_json)
VALUES (?,?,?,?,?,?)`,
			ev.EventID, ev.SessionID, ev.Seq, ev.EventType, ev.EventTs, string(payload))
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
	}

	// Keep the full-text index current for external consumers; q-filtering
	// itself uses LIKE so both backends stay query-equivalent.
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_ledger_fts WHERE session_id = ?`, entry.SessionID); err != nil {
		return fmt.Errorf("refresh fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO session_ledger_fts (session_id, task_title, task_text) VALUES (?,?,?)`,
		entry.SessionID, entry.TaskTitle, entry.TaskText); err != nil {
		return fmt.Errorf("index fts: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite) QueryLedger(ctx context.Context, q LedgerQuery) ([]LedgerEntry, int, error) {
	var where []string
	var args []any
	if q.Agent != "" {
		where = append(where, "l.agent_id = ?")
		args = append(args, q.Agent)
	}
	if q.Status != "" {
		where = append(where, "l.status = ?")
		args = append(args, q.Status)
	}
	if q.Model != "" {
		where = append(where, "l.model_id = ?")
		args = append(args, q.Model)
	}
	if q.From != "" {
		where = append(where, "l.started_at >= ?")
		args = append(args, q.From)
	}
	if q.To != "" {
		where = append(where, "l.started_at <= ?")
		args = append(args, q.To)
	}
	if needle := strings.TrimSpace(q.Q); needle != "" {
		where = append(where, "(l.session_id LIKE ? OR IFNULL(l.task_title,'') LIKE ? OR IFNULL(l.task_text,'') LIKE ?)")
		like := "%" + needle + "%"
		args = append(args, like, like, like)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	var orderBy string
	switch q.Sort {
	case SortRuntime:
		orderBy = "l.runtime_ms DESC"
	case SortCost:
		orderBy = "IFNULL(u.cost_usd, 0) DESC"
	default:
		orderBy = "l.started_at DESC"
	}

	var total int
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM session_ledger l %s", whereSQL)
	if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger: %w", err)
	}

	page, pageSize := clampPage(q.Page, q.PageSize)
	querySQL := fmt.Sprintf(`
SELECT l.session_id, l.run_id, l.agent_id, l.agent_label, l.model_id,
       l.task_title, l.task_text, l.task_category, l.status, l.started_at, l.ended_at,
       l.runtime_ms, l.artifact_count, l.error_code, l.error_message, l.source_version, l.ingested_at
FROM session_ledger l
LEFT JOIN session_usage u ON u.session_id = l.session_id
%s ORDER BY %s LIMIT ? OFFSET ?`, whereSQL, orderBy)
	rows, err := s.db.QueryContext(ctx, querySQL, append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []LedgerEntry{}
	for rows.Next() {
		entry, err := scanLedger(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, entry)
	}
	return out, total, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLedger(row scanner) (LedgerEntry, error) {
	var e LedgerEntry
	var runID, taskTitle, taskText, taskCategory, endedAt, errCode, errMsg, sourceVersion sql.NullString
	var status string
	err := row.Scan(
		&e.SessionID, &runID, &e.AgentID, &e.AgentLabel, &e.ModelID,
		&taskTitle, &taskText, &taskCategory, &status, &e.StartedAt, &endedAt,
		&e.RuntimeMs, &e.ArtifactCount, &errCode, &errMsg, &sourceVersion, &e.IngestedAt,
	)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("scan ledger row: %w", err)
	}
	e.RunID = runID.String
	e.TaskTitle = taskTitle.String
	e.TaskText = taskText.String
	e.TaskCategory = taskCategory.String
	e.Status = Status(status)
	e.EndedAt = endedAt.String
	e.ErrorCode = errCode.String
	e.ErrorMessage = errMsg.String
	e.SourceVersion = sourceVersion.String
	return e, nil
}

func scanUsage(row scanner) (Usage, error) {
	var u Usage
	var prompt, completion, total sql.NullInt64
	var cost sql.NullFloat64
	var confidence string
	var provider, pricingVersion, tokenSource, runtimeSource, costSource sql.NullString
	err := row.Scan(
		&u.SessionID, &prompt, &completion, &total, &u.RuntimeMs,
		&cost, &confidence, &provider, &pricingVersion, &u.ComputedAt,
		&tokenSource, &runtimeSource, &costSource,
	)
	if err != nil {
		return Usage{}, fmt.Errorf("scan usage row: %w", err)
	}
	if prompt.Valid {
		u.PromptTokens = &prompt.Int64
	}
	if completion.Valid {
		u.CompletionTokens = &completion.Int64
	}
	if total.Valid {
		u.TotalTokens = &total.Int64
	}
	if cost.Valid {
		u.CostUsd = &cost.Float64
	}
	u.CostConfidence = CostConfidence(confidence)
	u.Provider = provider.String
	u.PricingVersion = pricingVersion.String
	u.TokenSource = tokenSource.String
	u.RuntimeSource = runtimeSource.String
	u.CostSource = costSource.String
	return u, nil
}

func scanEvent(row scanner) (Event, error) {
	var ev Event
	var payload string
	if err := row.Scan(&ev.EventID, &ev.SessionID, &ev.Seq, &ev.EventType, &ev.EventTs, &payload); err != nil {
		return Event{}, fmt.Errorf("scan event row: %w", err)
	}
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}

const ledgerCols = `session_id, run_id, agent_id, agent_label, model_id,
task_title, task_text, task_category, status, started_at, ended_at,
runtime_ms, artifact_count, error_code, error_message, source_version, ingested_at`

const usageCols = `session_id, prompt_tokens, completion_tokens, total_tokens, runtime_ms,
cost_usd, cost_confidence, provider, pricing_version, computed_at,
token_source, runtime_source, cost_source`

func (s *SQLite) GetSessionDetail(ctx context.Context, sessionID string) (SessionDetail, error) {
	detail := SessionDetail{Events: []Event{}}

	entry, err := scanLedger(s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM session_ledger WHERE session_id = ?", ledgerCols), sessionID))
	switch {
	case err == nil:
		detail.Ledger = &entry
	case errors.Is(err, sql.ErrNoRows):
		// No ledger row yet.
	default:
		return SessionDetail{}, err
	}

	u, err := scanUsage(s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM session_usage WHERE session_id = ?", usageCols), sessionID))
	switch {
	case err == nil:
		detail.Usage = &u
	case errors.Is(err, sql.ErrNoRows):
		// No usage row.
	default:
		return SessionDetail{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, seq, event_type, event_ts, payload_json
		 FROM session_events WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return SessionDetail{}, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return SessionDetail{}, err
		}
		detail.Events = append(detail.Events, ev)
	}
	return detail, rows.Err()
}

func (s *SQLite) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Ledger:      []LedgerEntry{},
		Events:      []Event{},
		Usage:       []Usage{},
		AlertRules:  []AlertRule{},
		AlertStates: []AlertState{},
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM session_ledger", ledgerCols))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot ledger: %w", err)
	}
	for rows.Next() {
		entry, err := scanLedger(rows)
		if err != nil {
			_ = rows.Close()
			return Snapshot{}, err
		}
		snap.Ledger = append(snap.Ledger, entry)
	}
	if err := closeRows(rows); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM session_usage", usageCols))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot usage: %w", err)
	}
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			_ = rows.Close()
			return Snapshot{}, err
		}
		snap.Usage = append(snap.Usage, u)
	}
	if err := closeRows(rows); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT event_id, session_id, seq, event_type, event_ts, payload_json FROM session_events`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot events: %w", err)
	}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			_ = rows.Close()
			return Snapshot{}, err
		}
		snap.Events = append(snap.Events, ev)
	}
	if err := closeRows(rows); err != nil {
		return Snapshot{}, err
	}

	if snap.AlertRules, err = s.ListAlertRules(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.AlertStates, err = s.ListAlertStates(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	_ = rows.Close()
	return err
}

func (s *SQLite) ListAlertRules(ctx context.Context) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT rule_id, enabled, metric, scope_type, scope_ref_json, warn_threshold,
       critical_threshold, window, comparison, dedup_cooldown_sec, created_at, updated_at
FROM alert_rules`)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []AlertRule{}
	for rows.Next() {
		var r AlertRule
		var enabled int
		var metric, scopeType string
		var scopeRef sql.NullString
		if err := rows.Scan(&r.RuleID, &enabled, &metric, &scopeType, &scopeRef,
			&r.WarnThreshold, &r.CriticalThreshold, &r.Window, &r.Comparison,
			&r.DedupCooldownSec, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		r.Enabled = enabled != 0
		r.Metric = AlertMetric(metric)
		r.ScopeType = scopeType
		if scopeRef.Valid && scopeRef.String != "" {
			var ref ScopeRef
			if err := json.Unmarshal([]byte(scopeRef.String), &ref); err == nil {
				r.ScopeRef = &ref
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) PutAlertRule(ctx context.Context, rule AlertRule) error {
	var scopeRef any
	if rule.ScopeRef != nil {
		raw, err := json.Marshal(rule.ScopeRef)
		if err != nil {
			return fmt.Errorf("encode scope ref: %w", err)
		}
		scopeRef = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alert_rules (
    rule_id, enabled, metric, scope_type, scope_ref_json, warn_threshold,
    critical_threshold, window, comparison, dedup_cooldown_sec, created_at, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(rule_id) DO UPDATE SET
    enabled            = excluded.enabled,
    metric             = excluded.metric,
    scope_type         = excluded.scope_type,
    scope_ref_json     = excluded.scope_ref_json,
    warn_threshold     = excluded.warn_threshold,
    critical_threshold = excluded.critical_threshold,
    window             = excluded.window,
    comparison         = excluded.comparison,
    dedup_cooldown_sec = excluded.dedup_cooldown_sec,
    updated_at         = excluded.updated_at`,
		rule.RuleID, boolToInt(rule.Enabled), string(rule.Metric), rule.ScopeType, scopeRef,
		rule.WarnThreshold, rule.CriticalThreshold, rule.Window, rule.Comparison,
		rule.DedupCooldownSec, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put alert rule: %w", err)
	}
	return nil
}

func (s *SQLite) PatchAlertRule(ctx context.Context, ruleID string, patch RulePatch) (*AlertRule, error) {
	rules, err := s.ListAlertRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.RuleID == ruleID {
			next := applyPatch(r, patch, time.Now())
			if err := s.PutAlertRule(ctx, next); err != nil {
				return nil, err
			}
			return &next, nil
		}
	}
	return nil, nil
}

func (s *SQLite) ListAlertStates(ctx context.Context) ([]AlertState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT rule_id, status, lifecycle_state, suppressed_until, last_value,
       last_evaluated_at, last_transition_at, last_notified_at, active_fingerprint, deduped
FROM alert_state`)
	if err != nil {
		return nil, fmt.Errorf("list alert states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []AlertState{}
	for rows.Next() {
		var st AlertState
		var status string
		var suppressed, notified, fingerprint sql.NullString
		var deduped int
		if err := rows.Scan(&st.RuleID, &status, &st.LifecycleState, &suppressed, &st.LastValue,
			&st.LastEvaluatedAt, &st.LastTransitionAt, &notified, &fingerprint, &deduped); err != nil {
			return nil, fmt.Errorf("scan alert state: %w", err)
		}
		st.Status = AlertStatus(status)
		st.SuppressedUntil = suppressed.String
		st.LastNotifiedAt = notified.String
		st.ActiveFingerprint = fingerprint.String
		st.Deduped = deduped != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertAlertState(ctx context.Context, state AlertState) error {
	lifecycle := state.LifecycleState
	if lifecycle == "" {
		lifecycle = "active"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alert_state (
    rule_id, status, lifecycle_state, suppressed_until, last_value,
    last_evaluated_at, last_transition_at, last_notified_at, active_fingerprint, deduped
) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(rule_id) DO UPDATE SET
    status             = excluded.status,
    lifecycle_state    = excluded.lifecycle_state,
    suppressed_until   = excluded.suppressed_until,
    last_value         = excluded.last_value,
    last_evaluated_at  = excluded.last_evaluated_at,
    last_transition_at = excluded.last_transition_at,
    last_notified_at   = excluded.last_notified_at,
    active_fingerprint = excluded.active_fingerprint,
    deduped            = excluded.deduped`,
		state.RuleID, string(state.Status), lifecycle, nullStr(state.SuppressedUntil), state.LastValue,
		state.LastEvaluatedAt, state.LastTransitionAt, nullStr(state.LastNotifiedAt),
		nullStr(state.ActiveFingerprint), boolToInt(state.Deduped),
	)
	if err != nil {
		return fmt.Errorf("upsert alert state: %w", err)
	}
	return nil
}

func (s *SQLite) ResetForTests(ctx context.Context, seed Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM session_ledger; DELETE FROM session_events; DELETE FROM session_usage;
DELETE FROM alert_rules; DELETE FROM alert_state; DELETE FROM session_ledger_fts;`)
	if err != nil {
		return fmt.Errorf("reset store: %w", err)
	}

	usageBySession := make(map[string]Usage, len(seed.Usage))
	for _, u := range seed.Usage {
		usageBySession[u.SessionID] = u
	}
	eventsBySession := make(map[string][]Event)
	for _, ev := range seed.Events {
		eventsBySession[ev.SessionID] = append(eventsBySession[ev.SessionID], ev)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, entry := range seed.Ledger {
		u, ok := usageBySession[entry.SessionID]
		if !ok {
			u = Usage{
				SessionID:      entry.SessionID,
				RuntimeMs:      entry.RuntimeMs,
				CostConfidence: CostUnknown,
				ComputedAt:     now,
			}
		}
		if err := s.UpsertSession(ctx, entry, u, eventsBySession[entry.SessionID]); err != nil {
			return err
		}
	}
	for _, r := range seed.AlertRules {
		if err := s.PutAlertRule(ctx, r); err != nil {
			return err
		}
	}
	for _, st := range seed.AlertStates {
		if err := s.UpsertAlertState(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// ImportReport summarizes a JSON-to-SQLite import run.
type ImportReport struct {
	Read    int `json:"read"`
	Written int `json:"written"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// ImportFromJSON reads a JSON-backend store file and upserts every session
// into this database. Sessions already present are counted as skipped.
func (s *SQLite) ImportFromJSON(ctx context.Context, jsonPath string) (ImportReport, error) {
	var report ImportReport

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, fmt.Errorf("read json store: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return report, fmt.Errorf("parse json store: %w", err)
	}

	usageBySession := make(map[string]Usage, len(snap.Usage))
	for _, u := range snap.Usage {
		usageBySession[u.SessionID] = u
	}
	eventsBySession := make(map[string][]Event)
	for _, ev := range snap.Events {
		eventsBySession[ev.SessionID] = append(eventsBySession[ev.SessionID], ev)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, entry := range snap.Ledger {
		report.Read++

		var existing int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM session_ledger WHERE session_id = ?`, entry.SessionID).Scan(&existing)
		if err != nil {
			report.Errors++
			continue
		}

		u, ok := usageBySession[entry.SessionID]
		if !ok {
			u = Usage{
				SessionID:      entry.SessionID,
				RuntimeMs:      entry.RuntimeMs,
				CostConfidence: CostUnknown,
				ComputedAt:     now,
			}
		}
		if err := s.UpsertSession(ctx, entry, u, eventsBySession[entry.SessionID]); err != nil {
			s.logger.Warn("import skipping session", "session", entry.SessionID, "error", err)
			report.Errors++
			continue
		}
		if existing > 0 {
			report.Skipped++
		} else {
			report.Written++
		}
	}
	return report, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullI64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullF64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
