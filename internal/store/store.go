// Package store holds the canonical session ledger model and the
// repository contract its two backends implement.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the canonical session status in the ledger.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusCancelled Status = "cancelled"
	StatusRunning   Status = "running"
	StatusQueued    Status = "queued"
)

// Terminal reports whether the status represents a finished run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusKilled, StatusCancelled:
		return true
	}
	return false
}

// SortKey selects the ledger query ordering.
type SortKey string

const (
	SortNewest  SortKey = "newest"
	SortRuntime SortKey = "runtime"
	SortCost    SortKey = "cost"
)

// CostConfidence tags how a usage row's cost figure was obtained.
type CostConfidence string

const (
	CostExact     CostConfidence = "exact"
	CostEstimated CostConfidence = "estimated"
	CostUnknown   CostConfidence = "unknown"
)

// LedgerEntry is one row per observed agent session. Timestamps are kept as
// the RFC3339 strings the providers report; malformed values degrade at the
// point of use rather than failing ingestion.
type LedgerEntry struct {
	SessionID     string `json:"sessionId"`
	RunID         string `json:"runId,omitempty"`
	AgentID       string `json:"agentId"`
	AgentLabel    string `json:"agentLabel"`
	ModelID       string `json:"modelId"`
	TaskTitle     string `json:"taskTitle,omitempty"`
	TaskText      string `json:"taskText,omitempty"`
	TaskCategory  string `json:"taskCategory,omitempty"`
	Status        Status `json:"status"`
	StartedAt     string `json:"startedAt"`
	EndedAt       string `json:"endedAt,omitempty"`
	RuntimeMs     int64  `json:"runtimeMs"`
	ArtifactCount int64  `json:"artifactCount"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	SourceVersion string `json:"sourceVersion,omitempty"`
	IngestedAt    string `json:"ingestedAt"`
}

// Event is an append-only timeline entry for a session.
type Event struct {
	EventID   string          `json:"eventId"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"eventType"`
	EventTs   string          `json:"eventTs"`
	Payload   json.RawMessage `json:"payload"`
}

// Usage holds derived token/cost/runtime metrics for a session. Pointer
// fields distinguish "provider did not report" from an explicit zero.
type Usage struct {
	SessionID        string         `json:"sessionId"`
	PromptTokens     *int64         `json:"promptTokens,omitempty"`
	CompletionTokens *int64         `json:"completionTokens,omitempty"`
	TotalTokens      *int64         `json:"totalTokens,omitempty"`
	RuntimeMs        int64          `json:"runtimeMs"`
	CostUsd          *float64       `json:"costUsd,omitempty"`
	CostConfidence   CostConfidence `json:"costConfidence"`
	Provider         string         `json:"provider,omitempty"`
	PricingVersion   string         `json:"pricingVersion,omitempty"`
	ComputedAt       string         `json:"computedAt"`
	TokenSource      string         `json:"tokenSource,omitempty"`
	RuntimeSource    string         `json:"runtimeSource,omitempty"`
	CostSource       string         `json:"costSource,omitempty"`
}

// AlertMetric names a metric an alert rule can watch.
type AlertMetric string

const (
	MetricDailyCostUsd AlertMetric = "daily_cost_usd"
	MetricRuntimeP95Ms AlertMetric = "runtime_p95_ms"
	MetricFailureRate  AlertMetric = "failure_rate"
)

// ScopeRef narrows a rule to an agent and/or model.
type ScopeRef struct {
	AgentID string `json:"agentId,omitempty"`
	ModelID string `json:"modelId,omitempty"`
}

// AlertRule is a persisted alerting rule.
type AlertRule struct {
	RuleID            string      `json:"ruleId"`
	Enabled           bool        `json:"enabled"`
	Metric            AlertMetric `json:"metric"`
	ScopeType         string      `json:"scopeType"`
	ScopeRef          *ScopeRef   `json:"scopeRef,omitempty"`
	WarnThreshold     float64     `json:"warnThreshold"`
	CriticalThreshold float64     `json:"criticalThreshold"`
	Window            string      `json:"window"`
	Comparison        string      `json:"comparison"`
	DedupCooldownSec  int         `json:"dedupCooldownSec"`
	CreatedAt         string      `json:"createdAt"`
	UpdatedAt         string      `json:"updatedAt"`
}

// RulePatch is a partial update to an AlertRule. Nil fields are left as-is.
type RulePatch struct {
	Enabled           *bool        `json:"enabled,omitempty"`
	Metric            *AlertMetric `json:"metric,omitempty"`
	ScopeType         *string      `json:"scopeType,omitempty"`
	ScopeRef          *ScopeRef    `json:"scopeRef,omitempty"`
	WarnThreshold     *float64     `json:"warnThreshold,omitempty"`
	CriticalThreshold *float64     `json:"criticalThreshold,omitempty"`
	Window            *string      `json:"window,omitempty"`
	Comparison        *string      `json:"comparison,omitempty"`
	DedupCooldownSec  *int         `json:"dedupCooldownSec,omitempty"`
}

// AlertStatus is the reported severity of an alert state.
type AlertStatus string

const (
	AlertOK       AlertStatus = "ok"
	AlertWarning  AlertStatus = "warning"
	AlertCritical AlertStatus = "critical"
	AlertResolved AlertStatus = "resolved"
)

// AlertState is the persisted evaluation state for one rule.
type AlertState struct {
	RuleID            string      `json:"ruleId"`
	Status            AlertStatus `json:"status"`
	LifecycleState    string      `json:"lifecycleState"`
	SuppressedUntil   string      `json:"suppressedUntil,omitempty"`
	LastValue         float64     `json:"lastValue"`
	LastEvaluatedAt   string      `json:"lastEvaluatedAt"`
	LastTransitionAt  string      `json:"lastTransitionAt"`
	LastNotifiedAt    string      `json:"lastNotifiedAt,omitempty"`
	ActiveFingerprint string      `json:"activeFingerprint,omitempty"`
	Deduped           bool        `json:"deduped"`
}

// Snapshot is a full in-memory materialization of the store, used by the
// analytics engine and alert evaluator (read path is snapshot-then-compute).
type Snapshot struct {
	Ledger      []LedgerEntry `json:"ledger"`
	Events      []Event       `json:"events"`
	Usage       []Usage       `json:"usage"`
	AlertRules  []AlertRule   `json:"alertRules"`
	AlertStates []AlertState  `json:"alertStates"`
}

// LedgerQuery filters and pages the ledger. Filters are conjunctive.
type LedgerQuery struct {
	Agent    string
	Status   string
	Model    string
	From     string
	To       string
	Q        string
	Sort     SortKey
	Page     int
	PageSize int
}

// SessionDetail bundles everything persisted for one session.
type SessionDetail struct {
	Ledger *LedgerEntry `json:"ledger,omitempty"`
	Usage  *Usage       `json:"usage,omitempty"`
	Events []Event      `json:"events"`
}

// ErrPricingProvenance is returned when a cost-bearing usage row arrives
// without pricing provenance. The whole upsert transaction is rejected.
var ErrPricingProvenance = errors.New("pricing version required for cost-bearing usage row")

// Repository is the storage contract shared by the JSON-file and SQLite
// backends. Both must satisfy the same query semantics; the shared contract
// tests in store_test.go keep them interchangeable.
type Repository interface {
	// UpsertSession writes ledger, usage and events for one session in a
	// single transaction. Ledger and usage are insert-or-overwrite by
	// session ID; events are insert-or-ignore by event ID. A cost-bearing
	// usage row without pricing provenance fails the whole transaction
	// with ErrPricingProvenance.
	UpsertSession(ctx context.Context, entry LedgerEntry, usage Usage, events []Event) error

	// QueryLedger returns a filtered, sorted page of ledger rows plus the
	// pre-pagination total.
	QueryLedger(ctx context.Context, q LedgerQuery) ([]LedgerEntry, int, error)

	// GetSessionDetail returns the ledger row, usage row and events
	// (ordered by seq ascending) for a session. Missing rows are nil.
	GetSessionDetail(ctx context.Context, sessionID string) (SessionDetail, error)

	// Snapshot materializes the whole store.
	Snapshot(ctx context.Context) (Snapshot, error)

	ListAlertRules(ctx context.Context) ([]AlertRule, error)
	PutAlertRule(ctx context.Context, rule AlertRule) error

	// PatchAlertRule applies a partial update and bumps updatedAt.
	// Returns (nil, nil) when the rule does not exist.
	PatchAlertRule(ctx context.Context, ruleID string, patch RulePatch) (*AlertRule, error)

	ListAlertStates(ctx context.Context) ([]AlertState, error)
	UpsertAlertState(ctx context.Context, state AlertState) error

	// ResetForTests wipes the store and reseeds it. Part of the contract
	// so both backends stay test-equivalent.
	ResetForTests(ctx context.Context, seed Snapshot) error

	Close() error
}

// ParseTime parses an RFC3339 timestamp, returning the zero time when the
// value is empty or malformed.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// violatesPricingProvenance is the storage-boundary invariant check: a row
// carrying cost must also carry pricing provenance unless its confidence
// is unknown.
func violatesPricingProvenance(u Usage) bool {
	return u.CostUsd != nil && *u.CostUsd > 0 &&
		u.CostConfidence != CostUnknown && u.PricingVersion == ""
}

// applyPatch merges a RulePatch into a rule and bumps updatedAt.
func applyPatch(rule AlertRule, patch RulePatch, now time.Time) AlertRule {
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.Metric != nil {
		rule.Metric = *patch.Metric
	}
	if patch.ScopeType != nil {
		rule.ScopeType = *patch.ScopeType
	}
	if patch.ScopeRef != nil {
		rule.ScopeRef = patch.ScopeRef
	}
	if patch.WarnThreshold != nil {
		rule.WarnThreshold = *patch.WarnThreshold
	}
	if patch.CriticalThreshold != nil {
		rule.CriticalThreshold = *patch.CriticalThreshold
	}
	if patch.Window != nil {
		rule.Window = *patch.Window
	}
	if patch.Comparison != nil {
		rule.Comparison = *patch.Comparison
	}
	if patch.DedupCooldownSec != nil {
		rule.DedupCooldownSec = *patch.DedupCooldownSec
	}
	rule.UpdatedAt = now.UTC().Format(time.RFC3339)
	return rule
}
