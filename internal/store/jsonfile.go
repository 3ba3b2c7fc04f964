package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// JSONFile is a repository backed by a single JSON document on disk. The
// whole store is held in memory and the file is rewritten on every
// mutation. Suitable for low-volume and dev use; single instance only,
// there is no cross-process writer coordination.
type JSONFile struct {
	mu     sync.RWMutex
	path   string
	cache  *Snapshot
	logger *slog.Logger
}

// OpenJSONFile loads the store file at path, starting empty when the file
// does not exist yet.
func OpenJSONFile(path string, logger *slog.Logger) (*JSONFile, error) {
	r := &JSONFile{path: path, logger: logger.With("component", "store", "backend", "json")}
	snap := emptySnapshot()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("parse store file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run.
	default:
		return nil, fmt.Errorf("read store file %s: %w", path, err)
	}
	r.cache = &snap
	return r, nil
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Ledger:      []LedgerEntry{},
		Events:      []Event{},
		Usage:       []Usage{},
		AlertRules:  []AlertRule{},
		AlertStates: []AlertState{},
	}
}

// commit writes next to the store file and swaps it into the cache only
// after the rewrite succeeds, so a failed write leaves the previous state
// fully readable. Callers hold the write lock.
func (r *JSONFile) commit(next *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	r.cache = next
	return nil
}

// cloneCache copies every slice so mutators can build the next snapshot
// without touching the one readers see. Callers hold the write lock.
func (r *JSONFile) cloneCache() *Snapshot {
	return &Snapshot{
		Ledger:      append([]LedgerEntry{}, r.cache.Ledger...),
		Events:      append([]Event{}, r.cache.Events...),
		Usage:       append([]Usage{}, r.cache.Usage...),
		AlertRules:  append([]AlertRule{}, r.cache.AlertRules...),
		AlertStates: append([]AlertState{}, r.cache.AlertStates...),
	}
}

// Close releases nothing for the JSON backend but satisfies Repository.
func (r *JSONFile) Close() error { return nil }

// UpsertSession applies all three writes against a copy of the cache, so a
// rejected invariant or a failed file rewrite leaves no partial state
// behind.
func (r *JSONFile) UpsertSession(_ context.Context, entry LedgerEntry, usage Usage, events []Event) error {
	if violatesPricingProvenance(usage) {
		return fmt.Errorf("upsert session %s: %w", usage.SessionID, ErrPricingProvenance)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneCache()

	replaced := false
	for i := range next.Ledger {
		if next.Ledger[i].SessionID == entry.SessionID {
			next.Ledger[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		next.Ledger = append(next.Ledger, entry)
	}

	replaced = false
	for i := range next.Usage {
		if next.Usage[i].SessionID == usage.SessionID {
			next.Usage[i] = usage
			replaced = true
			break
		}
	}
	if !replaced {
		next.Usage = append(next.Usage, usage)
	}

	seen := make(map[string]bool, len(next.Events))
	for _, ev := range next.Events {
		seen[ev.EventID] = true
	}
	for _, ev := range events {
		if !seen[ev.EventID] {
			next.Events = append(next.Events, ev)
			seen[ev.EventID] = true
		}
	}

	return r.commit(next)
}

// QueryLedger filters, sorts and pages the in-memory ledger.
func (r *JSONFile) QueryLedger(_ context.Context, q LedgerQuery) ([]LedgerEntry, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	costBySession := make(map[string]float64, len(r.cache.Usage))
	for _, u := range r.cache.Usage {
		if u.CostUsd != nil {
			costBySession[u.SessionID] = *u.CostUsd
		}
	}

	var rows []LedgerEntry
	for _, row := range r.cache.Ledger {
		if matchLedger(row, q) {
			rows = append(rows, row)
		}
	}

	switch q.Sort {
	case SortRuntime:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].RuntimeMs > rows[j].RuntimeMs })
	case SortCost:
		sort.SliceStable(rows, func(i, j int) bool {
			return costBySession[rows[i].SessionID] > costBySession[rows[j].SessionID]
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			return ParseTime(rows[i].StartedAt).After(ParseTime(rows[j].StartedAt))
		})
	}

	total := len(rows)
	page, pageSize := clampPage(q.Page, q.PageSize)
	start := (page - 1) * pageSize
	if start >= total {
		return []LedgerEntry{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]LedgerEntry, end-start)
	copy(out, rows[start:end])
	return out, total, nil
}

// matchLedger applies the conjunctive ledger filters to one row.
func matchLedger(row LedgerEntry, q LedgerQuery) bool {
	if q.Agent != "" && row.AgentID != q.Agent {
		return false
	}
	if q.Status != "" && string(row.Status) != q.Status {
		return false
	}
	if q.Model != "" && row.ModelID != q.Model {
		return false
	}
	started := ParseTime(row.StartedAt)
	if q.From != "" && started.Before(ParseTime(q.From)) {
		return false
	}
	if q.To != "" && started.After(ParseTime(q.To)) {
		return false
	}
	if needle := strings.ToLower(strings.TrimSpace(q.Q)); needle != "" {
		hay := strings.ToLower(row.SessionID + " " + row.TaskTitle + " " + row.TaskText)
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

// clampPage normalizes pagination: page >= 1, pageSize in [1,100].
func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func (r *JSONFile) GetSessionDetail(_ context.Context, sessionID string) (SessionDetail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	detail := SessionDetail{Events: []Event{}}
	for i := range r.cache.Ledger {
		if r.cache.Ledger[i].SessionID == sessionID {
			entry := r.cache.Ledger[i]
			detail.Ledger = &entry
			break
		}
	}
	for i := range r.cache.Usage {
		if r.cache.Usage[i].SessionID == sessionID {
			u := r.cache.Usage[i]
			detail.Usage = &u
			break
		}
	}
	for _, ev := range r.cache.Events {
		if ev.SessionID == sessionID {
			detail.Events = append(detail.Events, ev)
		}
	}
	sort.SliceStable(detail.Events, func(i, j int) bool { return detail.Events[i].Seq < detail.Events[j].Seq })
	return detail, nil
}

func (r *JSONFile) Snapshot(_ context.Context) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Ledger:      append([]LedgerEntry{}, r.cache.Ledger...),
		Events:      append([]Event{}, r.cache.Events...),
		Usage:       append([]Usage{}, r.cache.Usage...),
		AlertRules:  append([]AlertRule{}, r.cache.AlertRules...),
		AlertStates: append([]AlertState{}, r.cache.AlertStates...),
	}
	return snap, nil
}

func (r *JSONFile) ListAlertRules(_ context.Context) ([]AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AlertRule{}, r.cache.AlertRules...), nil
}

func (r *JSONFile) PutAlertRule(_ context.Context, rule AlertRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneCache()
	for i := range next.AlertRules {
		if next.AlertRules[i].RuleID == rule.RuleID {
			next.AlertRules[i] = rule
			return r.commit(next)
		}
	}
	next.AlertRules = append(next.AlertRules, rule)
	return r.commit(next)
}

func (r *JSONFile) PatchAlertRule(_ context.Context, ruleID string, patch RulePatch) (*AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneCache()
	for i := range next.AlertRules {
		if next.AlertRules[i].RuleID == ruleID {
			patched := applyPatch(next.AlertRules[i], patch, time.Now())
			next.AlertRules[i] = patched
			if err := r.commit(next); err != nil {
				return nil, err
			}
			return &patched, nil
		}
	}
	return nil, nil
}

func (r *JSONFile) ListAlertStates(_ context.Context) ([]AlertState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AlertState{}, r.cache.AlertStates...), nil
}

func (r *JSONFile) UpsertAlertState(_ context.Context, state AlertState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneCache()
	for i := range next.AlertStates {
		if next.AlertStates[i].RuleID == state.RuleID {
			next.AlertStates[i] = state
			return r.commit(next)
		}
	}
	next.AlertStates = append(next.AlertStates, state)
	return r.commit(next)
}

func (r *JSONFile) ResetForTests(_ context.Context, seed Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := emptySnapshot()
	if seed.Ledger != nil {
		snap.Ledger = append(snap.Ledger, seed.Ledger...)
	}
	if seed.Events != nil {
		snap.Events = append(snap.Events, seed.Events...)
	}
	if seed.Usage != nil {
		snap.Usage = append(snap.Usage, seed.Usage...)
	}
	if seed.AlertRules != nil {
		snap.AlertRules = append(snap.AlertRules, seed.AlertRules...)
	}
	if seed.AlertStates != nil {
		snap.AlertStates = append(snap.AlertStates, seed.AlertStates...)
	}
	return r.commit(&snap)
}
