// Package alerts evaluates alert rules against ledger and usage data and
// fans alert transitions out to webhooks.
package alerts

import (
	"fmt"
	"time"

	"helicarrier/internal/analytics"
	"helicarrier/internal/store"
)

func windowDuration(window string) time.Duration {
	switch window {
	case "5m":
		return 5 * time.Minute
	case "1h":
		return time.Hour
	case "24h":
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

func windowFilters(rule store.AlertRule, now time.Time) analytics.Filters {
	f := analytics.Filters{
		From: now.Add(-windowDuration(rule.Window)).UTC().Format(time.RFC3339),
		To:   now.UTC().Format(time.RFC3339),
	}
	if rule.ScopeRef != nil {
		f.Agent = rule.ScopeRef.AgentID
		f.Model = rule.ScopeRef.ModelID
	}
	return f
}

// MetricValue computes the rule's watched metric over its window.
func MetricValue(rule store.AlertRule, ledger []store.LedgerEntry, usage []store.Usage, now time.Time) float64 {
	f := windowFilters(rule, now)
	switch rule.Metric {
	case store.MetricDailyCostUsd:
		return analytics.BuildUsageAnalytics(ledger, usage, f).Totals.CostUsd
	case store.MetricRuntimeP95Ms:
		return float64(analytics.ComputeRuntimeP95Ms(ledger, usage, f))
	default:
		return analytics.ComputeFailureRate(ledger, f)
	}
}

func exceeds(rule store.AlertRule, value, threshold float64) bool {
	if rule.Comparison == "gte" {
		return value >= threshold
	}
	return value > threshold
}

func severity(rule store.AlertRule, value float64) store.AlertStatus {
	if exceeds(rule, value, rule.CriticalThreshold) {
		return store.AlertCritical
	}
	if exceeds(rule, value, rule.WarnThreshold) {
		return store.AlertWarning
	}
	return store.AlertOK
}

// EvaluateRule computes the rule's metric, maps it to a severity and folds
// the result into the previous state. The resolved status is a one-shot
// transition: it fires when a warning or critical state recovers, then the
// next ok evaluation reports plain ok. Unchanged findings inside the
// cooldown window are marked deduped and suppressed.
func EvaluateRule(rule store.AlertRule, previous *store.AlertState, ledger []store.LedgerEntry, usage []store.Usage, now time.Time) store.AlertState {
	value := MetricValue(rule, ledger, usage, now)
	status := severity(rule, value)

	wasFiring := previous != nil &&
		(previous.Status == store.AlertWarning || previous.Status == store.AlertCritical)
	if wasFiring && status == store.AlertOK {
		status = store.AlertResolved
	}

	nowIso := now.UTC().Format(time.RFC3339)
	fingerprint := fmt.Sprintf("%s:%s:%.4f", rule.RuleID, status, value)

	cooldown := time.Duration(rule.DedupCooldownSec) * time.Second
	deduped := false
	if previous != nil && previous.ActiveFingerprint == fingerprint && previous.LastNotifiedAt != "" {
		notified := store.ParseTime(previous.LastNotifiedAt)
		deduped = !notified.IsZero() && now.Sub(notified) < cooldown
	}

	transitioned := previous == nil || previous.Status != status

	next := store.AlertState{
		RuleID:            rule.RuleID,
		Status:            status,
		LastValue:         value,
		LastEvaluatedAt:   nowIso,
		LastTransitionAt:  nowIso,
		ActiveFingerprint: fingerprint,
		Deduped:           deduped,
	}
	if !transitioned {
		next.LastTransitionAt = previous.LastTransitionAt
	}
	if deduped {
		next.LastNotifiedAt = previous.LastNotifiedAt
		next.SuppressedUntil = now.Add(cooldown).UTC().Format(time.RFC3339)
	} else {
		next.LastNotifiedAt = nowIso
	}

	switch {
	case status == store.AlertResolved:
		next.LifecycleState = "resolved"
	case deduped:
		next.LifecycleState = "suppressed"
	default:
		next.LifecycleState = "active"
	}

	return next
}
