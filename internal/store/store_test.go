package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// backends returns a fresh instance of every Repository implementation.
// Both must satisfy the same behavioral contract.
func backends(t *testing.T) map[string]Repository {
	t.Helper()

	jsonRepo, err := OpenJSONFile(filepath.Join(t.TempDir(), "store.json"), quietLogger())
	if err != nil {
		t.Fatalf("open json backend: %v", err)
	}

	sqliteRepo, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"), quietLogger())
	if err != nil {
		t.Fatalf("open sqlite backend: %v", err)
	}

	t.Cleanup(func() {
		_ = jsonRepo.Close()
		_ = sqliteRepo.Close()
	})
	return map[string]Repository{"json": jsonRepo, "sqlite": sqliteRepo}
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func sampleEntry(sessionID, agentID, modelID string, status Status, startedAt string, runtimeMs int64) LedgerEntry {
	return LedgerEntry{
		SessionID:  sessionID,
		AgentID:    agentID,
		AgentLabel: agentID,
		ModelID:    modelID,
		Status:     status,
		StartedAt:  startedAt,
		RuntimeMs:  runtimeMs,
		IngestedAt: "2026-02-01T00:00:00Z",
	}
}

func sampleUsage(sessionID string, runtimeMs int64) Usage {
	return Usage{
		SessionID:      sessionID,
		RuntimeMs:      runtimeMs,
		CostConfidence: CostUnknown,
		ComputedAt:     "2026-02-01T00:00:00Z",
	}
}

func TestUpsertSessionRoundTrip(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := sampleEntry("sess-1", "hawkeye", "claude-opus", StatusSuccess, "2026-02-01T10:00:00Z", 60000)
			entry.TaskTitle = "refactor parser"
			entry.TaskText = "split the parser into stages"
			usage := Usage{
				SessionID:      "sess-1",
				PromptTokens:   i64(1200),
				TotalTokens:    i64(2000),
				RuntimeMs:      60000,
				CostUsd:        f64(0.004),
				CostConfidence: CostEstimated,
				PricingVersion: "v3-default",
				ComputedAt:     "2026-02-01T10:01:00Z",
			}
			events := []Event{
				{EventID: "ev-2", SessionID: "sess-1", Seq: 2, EventType: "message", EventTs: "2026-02-01T10:00:02Z", Payload: json.RawMessage(`{"text":"hi"}`)},
				{EventID: "ev-1", SessionID: "sess-1", Seq: 1, EventType: "tool_call", EventTs: "2026-02-01T10:00:01Z", Payload: json.RawMessage(`{"tool":"bash"}`)},
			}

			if err := repo.UpsertSession(ctx, entry, usage, events); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			detail, err := repo.GetSessionDetail(ctx, "sess-1")
			if err != nil {
				t.Fatalf("detail: %v", err)
			}
			if detail.Ledger == nil || !reflect.DeepEqual(*detail.Ledger, entry) {
				t.Errorf("ledger = %+v, want %+v", detail.Ledger, entry)
			}
			if detail.Usage == nil || !reflect.DeepEqual(*detail.Usage, usage) {
				t.Errorf("usage = %+v, want %+v", detail.Usage, usage)
			}
			if len(detail.Events) != 2 {
				t.Fatalf("events = %d, want 2", len(detail.Events))
			}
			if detail.Events[0].Seq != 1 || detail.Events[1].Seq != 2 {
				t.Errorf("events not ordered by seq: %+v", detail.Events)
			}
		})
	}
}

func TestUpsertSessionOverwritesAndIgnoresDuplicateEvents(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := sampleEntry("sess-1", "hawkeye", "claude-opus", StatusRunning, "2026-02-01T10:00:00Z", 0)
			usage := sampleUsage("sess-1", 0)
			ev := Event{EventID: "ev-1", SessionID: "sess-1", Seq: 1, EventType: "state_transition", EventTs: "2026-02-01T10:00:00Z", Payload: json.RawMessage(`{}`)}

			if err := repo.UpsertSession(ctx, entry, usage, []Event{ev}); err != nil {
				t.Fatalf("first upsert: %v", err)
			}

			entry.Status = StatusSuccess
			entry.RuntimeMs = 90000
			if err := repo.UpsertSession(ctx, entry, usage, []Event{ev}); err != nil {
				t.Fatalf("second upsert: %v", err)
			}

			rows, total, err := repo.QueryLedger(ctx, LedgerQuery{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if total != 1 || len(rows) != 1 {
				t.Fatalf("total = %d rows = %d, want 1/1", total, len(rows))
			}
			if rows[0].Status != StatusSuccess || rows[0].RuntimeMs != 90000 {
				t.Errorf("row not overwritten: %+v", rows[0])
			}

			detail, err := repo.GetSessionDetail(ctx, "sess-1")
			if err != nil {
				t.Fatalf("detail: %v", err)
			}
			if len(detail.Events) != 1 {
				t.Errorf("duplicate event not ignored, got %d events", len(detail.Events))
			}
		})
	}
}

func TestUpsertRejectsCostWithoutProvenance(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := sampleEntry("sess-bad", "hawkeye", "claude-opus", StatusSuccess, "2026-02-01T10:00:00Z", 1000)
			usage := Usage{
				SessionID:      "sess-bad",
				RuntimeMs:      1000,
				CostUsd:        f64(1.25),
				CostConfidence: CostExact, // cost-bearing but no pricing version
				ComputedAt:     "2026-02-01T10:00:00Z",
			}

			err := repo.UpsertSession(ctx, entry, usage, nil)
			if err == nil {
				t.Fatal("expected pricing provenance rejection")
			}

			// The whole transaction rolls back: no partial ledger row.
			_, total, err := repo.QueryLedger(ctx, LedgerQuery{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if total != 0 {
				t.Errorf("partial write observable: total = %d, want 0", total)
			}
		})
	}
}

func seedThree(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	seeds := []struct {
		entry LedgerEntry
		cost  *float64
	}{
		{sampleEntry("s-a", "hawkeye", "claude-opus", StatusSuccess, "2026-02-01T10:00:00Z", 1000), f64(0.10)},
		{sampleEntry("s-b", "vision", "claude-sonnet", StatusFailed, "2026-02-02T10:00:00Z", 2000), f64(0.30)},
		{sampleEntry("s-c", "hawkeye", "claude-sonnet", StatusSuccess, "2026-02-03T10:00:00Z", 3000), nil},
	}
	for _, s := range seeds {
		u := sampleUsage(s.entry.SessionID, s.entry.RuntimeMs)
		if s.cost != nil {
			u.CostUsd = s.cost
			u.CostConfidence = CostExact
			u.PricingVersion = "billed"
		}
		if err := repo.UpsertSession(ctx, s.entry, u, nil); err != nil {
			t.Fatalf("seed %s: %v", s.entry.SessionID, err)
		}
	}
}

func TestQueryLedgerFiltersAndSorts(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedThree(t, repo)

			t.Run("runtime sort takes longest first", func(t *testing.T) {
				rows, total, err := repo.QueryLedger(ctx, LedgerQuery{Sort: SortRuntime, Page: 1, PageSize: 1})
				if err != nil {
					t.Fatalf("query: %v", err)
				}
				if total != 3 {
					t.Errorf("total = %d, want 3", total)
				}
				if len(rows) != 1 || rows[0].RuntimeMs != 3000 {
					t.Errorf("rows = %+v, want the 3000ms row first", rows)
				}
			})

			t.Run("cost sort treats missing cost as zero", func(t *testing.T) {
				rows, _, err := repo.QueryLedger(ctx, LedgerQuery{Sort: SortCost})
				if err != nil {
					t.Fatalf("query: %v", err)
				}
				if len(rows) != 3 || rows[0].SessionID != "s-b" || rows[2].SessionID != "s-c" {
					t.Errorf("cost order wrong: %v", sessionIDs(rows))
				}
			})

			t.Run("newest is the default sort", func(t *testing.T) {
				rows, _, err := repo.QueryLedger(ctx, LedgerQuery{})
				if err != nil {
					t.Fatalf("query: %v", err)
				}
				if len(rows) != 3 || rows[0].SessionID != "s-c" || rows[2].SessionID != "s-a" {
					t.Errorf("newest order wrong: %v", sessionIDs(rows))
				}
			})

			t.Run("filters are conjunctive", func(t *testing.T) {
				rows, total, err := repo.QueryLedger(ctx, LedgerQuery{Agent: "hawkeye", Status: "success", Model: "claude-sonnet"})
				if err != nil {
					t.Fatalf("query: %v", err)
				}
				if total != 1 || len(rows) != 1 || rows[0].SessionID != "s-c" {
					t.Errorf("rows = %v, want [s-c]", sessionIDs(rows))
				}
			})

			t.Run("time range filter on startedAt", func(t *testing.T) {
				_, total, err := repo.QueryLedger(ctx, LedgerQuery{From: "2026-02-02T00:00:00Z", To: "2026-02-02T23:59:59Z"})
				if err != nil {
					t.Fatalf("query: %v", err)
				}
				if total != 1 {
					t.Errorf("total = %d, want 1", total)
				}
			})

			t.Run("free text matches session id", func(t *testing.T) {
				rows, _, err := repo.QueryLedger(ctx, LedgerQuery{Q: "s-b"})
				if err != nil {
					t.Fatalf("query: %v", err)
				}
				if len(rows) != 1 || rows[0].SessionID != "s-b" {
					t.Errorf("rows = %v, want [s-b]", sessionIDs(rows))
				}
			})

			t.Run("page size clamps to 100", func(t *testing.T) {
				rows, total, err := repo.QueryLedger(ctx, LedgerQuery{Page: 0, PageSize: 5000})
				if err != nil {
					t.Fatalf("query: %v", err)
				}
				if total != 3 || len(rows) != 3 {
					t.Errorf("total = %d rows = %d, want 3/3", total, len(rows))
				}
			})

			t.Run("page past the end is empty", func(t *testing.T) {
				rows, total, err := repo.QueryLedger(ctx, LedgerQuery{Page: 9, PageSize: 10})
				if err != nil {
					t.Fatalf("query: %v", err)
				}
				if total != 3 || len(rows) != 0 {
					t.Errorf("total = %d rows = %d, want 3/0", total, len(rows))
				}
			})
		})
	}
}

func sessionIDs(rows []LedgerEntry) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.SessionID
	}
	return out
}

func TestAlertRuleCRUD(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rule := AlertRule{
				RuleID:            "rule-1",
				Enabled:           true,
				Metric:            MetricFailureRate,
				ScopeType:         "agent",
				ScopeRef:          &ScopeRef{AgentID: "hawkeye"},
				WarnThreshold:     0.2,
				CriticalThreshold: 0.5,
				Window:            "24h",
				Comparison:        "gte",
				DedupCooldownSec:  300,
				CreatedAt:         "2026-02-01T00:00:00Z",
				UpdatedAt:         "2026-02-01T00:00:00Z",
			}
			if err := repo.PutAlertRule(ctx, rule); err != nil {
				t.Fatalf("put: %v", err)
			}

			rules, err := repo.ListAlertRules(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(rules) != 1 || !reflect.DeepEqual(rules[0], rule) {
				t.Errorf("rules = %+v, want [%+v]", rules, rule)
			}

			warn := 0.3
			patched, err := repo.PatchAlertRule(ctx, "rule-1", RulePatch{WarnThreshold: &warn})
			if err != nil {
				t.Fatalf("patch: %v", err)
			}
			if patched == nil || patched.WarnThreshold != 0.3 {
				t.Errorf("patched = %+v, want warnThreshold 0.3", patched)
			}
			if patched.UpdatedAt == rule.UpdatedAt {
				t.Error("patch did not bump updatedAt")
			}
			if patched.CriticalThreshold != 0.5 {
				t.Errorf("patch clobbered criticalThreshold: %v", patched.CriticalThreshold)
			}

			missing, err := repo.PatchAlertRule(ctx, "rule-404", RulePatch{WarnThreshold: &warn})
			if err != nil {
				t.Fatalf("patch missing: %v", err)
			}
			if missing != nil {
				t.Errorf("patch of missing rule = %+v, want nil", missing)
			}
		})
	}
}

func TestAlertStateUpsert(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := AlertState{
				RuleID:            "rule-1",
				Status:            AlertWarning,
				LifecycleState:    "active",
				LastValue:         0.25,
				LastEvaluatedAt:   "2026-02-01T00:00:00Z",
				LastTransitionAt:  "2026-02-01T00:00:00Z",
				LastNotifiedAt:    "2026-02-01T00:00:00Z",
				ActiveFingerprint: "rule-1:warning:0.2500",
			}
			if err := repo.UpsertAlertState(ctx, state); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			state.Status = AlertCritical
			state.LastValue = 0.6
			if err := repo.UpsertAlertState(ctx, state); err != nil {
				t.Fatalf("second upsert: %v", err)
			}

			states, err := repo.ListAlertStates(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(states) != 1 || states[0].Status != AlertCritical || states[0].LastValue != 0.6 {
				t.Errorf("states = %+v, want one critical row", states)
			}
		})
	}
}

func TestResetForTestsSeeds(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedThree(t, repo)

			seed := Snapshot{
				Ledger: []LedgerEntry{sampleEntry("only", "hawkeye", "claude-opus", StatusQueued, "2026-02-05T00:00:00Z", 0)},
			}
			if err := repo.ResetForTests(ctx, seed); err != nil {
				t.Fatalf("reset: %v", err)
			}

			snap, err := repo.Snapshot(ctx)
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if len(snap.Ledger) != 1 || snap.Ledger[0].SessionID != "only" {
				t.Errorf("ledger = %v, want [only]", sessionIDs(snap.Ledger))
			}
			if len(snap.AlertRules) != 0 || len(snap.AlertStates) != 0 {
				t.Errorf("rules/states not wiped: %d/%d", len(snap.AlertRules), len(snap.AlertStates))
			}
		})
	}
}

func TestJSONFilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	repo, err := OpenJSONFile(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	entry := sampleEntry("sess-1", "hawkeye", "claude-opus", StatusSuccess, "2026-02-01T10:00:00Z", 500)
	if err := repo.UpsertSession(ctx, entry, sampleUsage("sess-1", 500), nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reopened, err := OpenJSONFile(path, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	detail, err := reopened.GetSessionDetail(ctx, "sess-1")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Ledger == nil || detail.Ledger.RuntimeMs != 500 {
		t.Errorf("ledger after reopen = %+v", detail.Ledger)
	}
}

func TestJSONFileFailedWriteRollsBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	repo, err := OpenJSONFile(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// A directory squatting the temp path makes the file rewrite fail.
	if err := os.Mkdir(path+".tmp", 0o750); err != nil {
		t.Fatal(err)
	}

	entry := sampleEntry("sess-1", "hawkeye", "claude-opus", StatusSuccess, "2026-02-01T10:00:00Z", 500)
	if err := repo.UpsertSession(ctx, entry, sampleUsage("sess-1", 500), nil); err == nil {
		t.Fatal("upsert should fail when the store file cannot be written")
	}

	rows, total, err := repo.QueryLedger(ctx, LedgerQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 0 || len(rows) != 0 {
		t.Errorf("ledger visible after failed write: rows=%d total=%d", len(rows), total)
	}
	detail, err := repo.GetSessionDetail(ctx, "sess-1")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Ledger != nil || detail.Usage != nil || len(detail.Events) != 0 {
		t.Errorf("session detail visible after failed write: %+v", detail)
	}

	if err := os.Remove(path + ".tmp"); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpsertSession(ctx, entry, sampleUsage("sess-1", 500), nil); err != nil {
		t.Fatalf("upsert after clearing the path: %v", err)
	}
	if _, total, _ := repo.QueryLedger(ctx, LedgerQuery{}); total != 1 {
		t.Errorf("total after retry = %d, want 1", total)
	}
}

func TestSQLiteMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	first, err := OpenSQLite(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening re-runs the migration pass against an already-applied
	// ledger; it must be a no-op rather than an error.
	second, err := OpenSQLite(path, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = second.Close() }()

	var n int
	if err := second.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != len(migrations) {
		t.Errorf("schema_migrations rows = %d, want %d", n, len(migrations))
	}
}

func TestSQLiteImportFromJSON(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "store.json")

	jsonRepo, err := OpenJSONFile(jsonPath, quietLogger())
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	seedThree(t, jsonRepo)

	sqliteRepo, err := OpenSQLite(filepath.Join(dir, "store.db"), quietLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = sqliteRepo.Close() }()

	// Pre-seed one of the three so it counts as skipped.
	preseed := sampleEntry("s-a", "hawkeye", "claude-opus", StatusSuccess, "2026-02-01T10:00:00Z", 1000)
	if err := sqliteRepo.UpsertSession(ctx, preseed, sampleUsage("s-a", 1000), nil); err != nil {
		t.Fatalf("preseed: %v", err)
	}

	report, err := sqliteRepo.ImportFromJSON(ctx, jsonPath)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.Read != 3 || report.Written != 2 || report.Skipped != 1 || report.Errors != 0 {
		t.Errorf("report = %+v, want read 3 written 2 skipped 1", report)
	}

	_, total, err := sqliteRepo.QueryLedger(ctx, LedgerQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 3 {
		t.Errorf("total after import = %d, want 3", total)
	}

	missing, err := sqliteRepo.ImportFromJSON(ctx, filepath.Join(dir, "nope.json"))
	if err != nil {
		t.Fatalf("import missing file: %v", err)
	}
	if missing.Read != 0 {
		t.Errorf("missing file report = %+v, want zero", missing)
	}
}

func TestParseTime(t *testing.T) {
	if got := ParseTime("2026-02-01T10:00:00Z"); got.IsZero() {
		t.Error("valid timestamp parsed as zero")
	}
	if got := ParseTime("not-a-time"); !got.IsZero() {
		t.Errorf("malformed timestamp = %v, want zero", got)
	}
	if got := ParseTime(""); !got.IsZero() {
		t.Errorf("empty timestamp = %v, want zero", got)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 123000000, time.UTC)
	if got := ParseTime("2026-02-01T10:00:00.123Z"); !got.Equal(want) {
		t.Errorf("fractional seconds = %v, want %v", got, want)
	}
}
