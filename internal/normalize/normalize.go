// Package normalize maps raw provider payloads into the canonical ledger
// and usage model. Missing optional telemetry degrades to safe defaults
// (runtime 0, cost unknown); it never fails an ingestion.
package normalize

import (
	"math"
	"strings"
	"time"

	"helicarrier/internal/contract"
	"helicarrier/internal/store"
)

// Pricing controls cost estimation for sessions that report tokens but no
// billed cost.
type Pricing struct {
	UsdPerMillionTokens float64
	Version             string
}

// DefaultPricing is the fixed fallback rate used when config supplies none.
var DefaultPricing = Pricing{UsdPerMillionTokens: 2, Version: "v3-default"}

// billedPricingVersion tags rows whose cost came straight from the
// provider's bill. Cost-bearing rows must carry pricing provenance at the
// storage boundary, so provider-billed costs get a fixed tag too.
const billedPricingVersion = "provider-billed"

// Provenance source tags.
const (
	SourceProviderReported = "provider_reported"
	SourceDerived          = "derived"
	SourceMissing          = "missing"
)

var terminalStates = map[string]bool{
	"success": true, "failed": true, "killed": true, "cancelled": true,
	"done": true, "completed": true, "error": true,
}

var statusVocab = []struct {
	status   store.Status
	keywords []string
}{
	{store.StatusSuccess, []string{"success", "done", "completed", "finished"}},
	{store.StatusFailed, []string{"failed", "error", "crashed"}},
	{store.StatusKilled, []string{"killed", "terminated"}},
	{store.StatusCancelled, []string{"cancelled", "canceled"}},
	{store.StatusRunning, []string{"running", "in_progress", "active"}},
}

// Status maps a free-form provider state onto the canonical vocabulary.
// Total: unrecognized input defaults to queued.
func Status(state string) store.Status {
	s := strings.ToLower(state)
	for _, v := range statusVocab {
		for _, kw := range v.keywords {
			if s == kw {
				return v.status
			}
		}
	}
	return store.StatusQueued
}

// RuntimeMs derives a session's runtime from its timestamps. The end is
// endedAt when present, else terminalAt when the state is terminal. Returns
// 0 when no end resolves, a timestamp fails to parse, or the end precedes
// the start (clock skew guard). Never negative.
func RuntimeMs(p contract.ProviderPayload) int64 {
	started := store.ParseTime(p.StartedAt)
	endRaw := p.EndedAt
	if endRaw == "" && terminalStates[strings.ToLower(p.State)] {
		endRaw = p.TerminalAt
	}
	if endRaw == "" {
		return 0
	}
	ended := store.ParseTime(endRaw)
	if started.IsZero() || ended.IsZero() || ended.Before(started) {
		return 0
	}
	return ended.Sub(started).Milliseconds()
}

// Usage derives the token/cost/runtime metrics for a session with explicit
// confidence and provenance tags.
func Usage(p contract.ProviderPayload, pricing Pricing, now time.Time) store.Usage {
	u := store.Usage{
		SessionID:        p.SessionID,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		RuntimeMs:        RuntimeMs(p),
		CostConfidence:   store.CostUnknown,
		Provider:         p.Provider,
		ComputedAt:       now.UTC().Format(time.RFC3339),
	}

	switch {
	case p.TotalTokens != nil:
		u.TotalTokens = p.TotalTokens
		u.TokenSource = SourceProviderReported
	case p.PromptTokens != nil || p.CompletionTokens != nil:
		total := int64(0)
		if p.PromptTokens != nil {
			total += *p.PromptTokens
		}
		if p.CompletionTokens != nil {
			total += *p.CompletionTokens
		}
		u.TotalTokens = &total
		u.TokenSource = SourceDerived
	default:
		u.TokenSource = SourceMissing
	}

	if u.RuntimeMs > 0 {
		u.RuntimeSource = SourceDerived
	} else {
		u.RuntimeSource = SourceMissing
	}

	switch {
	case p.BilledCostUsd != nil:
		u.CostUsd = p.BilledCostUsd
		u.CostConfidence = store.CostExact
		u.CostSource = SourceProviderReported
		u.PricingVersion = billedPricingVersion
	case u.TotalTokens != nil:
		cost := roundUsd(float64(*u.TotalTokens) / 1_000_000 * pricing.UsdPerMillionTokens)
		u.CostUsd = &cost
		u.CostConfidence = store.CostEstimated
		u.CostSource = SourceDerived
		u.PricingVersion = pricing.Version
	default:
		u.CostSource = SourceMissing
	}

	return u
}

// LedgerEntry maps a provider payload onto a canonical ledger row. Artifact
// counting happens during event ingestion, so it starts at 0 here.
func LedgerEntry(p contract.ProviderPayload, now time.Time) store.LedgerEntry {
	label := p.AgentLabel
	if label == "" {
		label = p.AgentID
	}
	endedAt := p.EndedAt
	if endedAt == "" {
		endedAt = p.TerminalAt
	}
	return store.LedgerEntry{
		SessionID:     p.SessionID,
		AgentID:       p.AgentID,
		AgentLabel:    label,
		ModelID:       p.ModelID,
		TaskTitle:     p.Title,
		TaskText:      p.Task,
		TaskCategory:  p.TaskCategory,
		Status:        Status(p.State),
		StartedAt:     p.StartedAt,
		EndedAt:       endedAt,
		RuntimeMs:     RuntimeMs(p),
		ArtifactCount: 0,
		IngestedAt:    now.UTC().Format(time.RFC3339),
	}
}

// roundUsd rounds to 6 decimal places, the precision costs are stored at.
func roundUsd(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
