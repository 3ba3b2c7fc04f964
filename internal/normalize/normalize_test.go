package normalize

import (
	"testing"
	"time"

	"helicarrier/internal/contract"
	"helicarrier/internal/store"
)

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func basePayload() contract.ProviderPayload {
	return contract.ProviderPayload{
		SessionID: "sess-1",
		AgentID:   "hawkeye",
		ModelID:   "claude-opus",
		StartedAt: "2026-02-10T10:00:00Z",
		State:     "running",
	}
}

func TestStatusIsTotal(t *testing.T) {
	cases := []struct {
		state string
		want  store.Status
	}{
		{"success", store.StatusSuccess},
		{"DONE", store.StatusSuccess},
		{"Completed", store.StatusSuccess},
		{"finished", store.StatusSuccess},
		{"failed", store.StatusFailed},
		{"ERROR", store.StatusFailed},
		{"crashed", store.StatusFailed},
		{"killed", store.StatusKilled},
		{"terminated", store.StatusKilled},
		{"cancelled", store.StatusCancelled},
		{"canceled", store.StatusCancelled},
		{"running", store.StatusRunning},
		{"IN_PROGRESS", store.StatusRunning},
		{"active", store.StatusRunning},
		{"", store.StatusQueued},
		{"warming-up", store.StatusQueued},
		{"???", store.StatusQueued},
	}
	for _, tc := range cases {
		if got := Status(tc.state); got != tc.want {
			t.Errorf("Status(%q) = %s, want %s", tc.state, got, tc.want)
		}
	}
}

func TestRuntimeMsNeverNegative(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*contract.ProviderPayload)
		want    int64
	}{
		{"endedAt present", func(p *contract.ProviderPayload) {
			p.EndedAt = "2026-02-10T10:01:00Z"
		}, 60000},
		{"terminalAt used only for terminal state", func(p *contract.ProviderPayload) {
			p.State = "completed"
			p.TerminalAt = "2026-02-10T10:02:00Z"
		}, 120000},
		{"terminalAt ignored while running", func(p *contract.ProviderPayload) {
			p.TerminalAt = "2026-02-10T10:02:00Z"
		}, 0},
		{"no end resolves", func(p *contract.ProviderPayload) {}, 0},
		{"end before start clamps to zero", func(p *contract.ProviderPayload) {
			p.EndedAt = "2026-02-10T09:00:00Z"
		}, 0},
		{"malformed start", func(p *contract.ProviderPayload) {
			p.StartedAt = "yesterday"
			p.EndedAt = "2026-02-10T10:01:00Z"
		}, 0},
		{"malformed end", func(p *contract.ProviderPayload) {
			p.EndedAt = "soon"
		}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := basePayload()
			tc.mutate(&p)
			got := RuntimeMs(p)
			if got != tc.want {
				t.Errorf("RuntimeMs = %d, want %d", got, tc.want)
			}
			if got < 0 {
				t.Error("RuntimeMs is negative")
			}
		})
	}
}

func TestUsageCostConfidenceTiers(t *testing.T) {
	t.Run("billed cost is exact", func(t *testing.T) {
		p := basePayload()
		p.BilledCostUsd = f64(0.42)
		p.TotalTokens = i64(9000)

		u := Usage(p, DefaultPricing, testNow)
		if u.CostConfidence != store.CostExact {
			t.Errorf("confidence = %s, want exact", u.CostConfidence)
		}
		if u.CostUsd == nil || *u.CostUsd != 0.42 {
			t.Errorf("cost = %v, want 0.42", u.CostUsd)
		}
		if u.PricingVersion == "" {
			t.Error("exact cost has no pricing provenance")
		}
		if u.CostSource != SourceProviderReported {
			t.Errorf("costSource = %s, want provider_reported", u.CostSource)
		}
	})

	t.Run("tokens only is estimated", func(t *testing.T) {
		p := basePayload()
		p.TotalTokens = i64(1_500_000)

		u := Usage(p, DefaultPricing, testNow)
		if u.CostConfidence != store.CostEstimated {
			t.Errorf("confidence = %s, want estimated", u.CostConfidence)
		}
		if u.CostUsd == nil || *u.CostUsd != 3.0 {
			t.Errorf("cost = %v, want 3.0 at $2/1M", u.CostUsd)
		}
		if u.PricingVersion != "v3-default" {
			t.Errorf("pricingVersion = %s, want v3-default", u.PricingVersion)
		}
	})

	t.Run("nothing reported is unknown", func(t *testing.T) {
		u := Usage(basePayload(), DefaultPricing, testNow)
		if u.CostConfidence != store.CostUnknown {
			t.Errorf("confidence = %s, want unknown", u.CostConfidence)
		}
		if u.CostUsd != nil {
			t.Errorf("cost = %v, want nil", u.CostUsd)
		}
		if u.PricingVersion != "" {
			t.Errorf("pricingVersion = %s, want empty", u.PricingVersion)
		}
	})
}

func TestUsageTokenDerivation(t *testing.T) {
	t.Run("explicit total wins", func(t *testing.T) {
		p := basePayload()
		p.TotalTokens = i64(5000)
		p.PromptTokens = i64(1)
		u := Usage(p, DefaultPricing, testNow)
		if u.TotalTokens == nil || *u.TotalTokens != 5000 {
			t.Errorf("total = %v, want 5000", u.TotalTokens)
		}
		if u.TokenSource != SourceProviderReported {
			t.Errorf("tokenSource = %s", u.TokenSource)
		}
	})

	t.Run("summed from parts", func(t *testing.T) {
		p := basePayload()
		p.PromptTokens = i64(1200)
		p.CompletionTokens = i64(800)
		u := Usage(p, DefaultPricing, testNow)
		if u.TotalTokens == nil || *u.TotalTokens != 2000 {
			t.Errorf("total = %v, want 2000", u.TotalTokens)
		}
		if u.TokenSource != SourceDerived {
			t.Errorf("tokenSource = %s, want derived", u.TokenSource)
		}
	})

	t.Run("one part is enough", func(t *testing.T) {
		p := basePayload()
		p.CompletionTokens = i64(800)
		u := Usage(p, DefaultPricing, testNow)
		if u.TotalTokens == nil || *u.TotalTokens != 800 {
			t.Errorf("total = %v, want 800", u.TotalTokens)
		}
	})

	t.Run("no tokens at all", func(t *testing.T) {
		u := Usage(basePayload(), DefaultPricing, testNow)
		if u.TotalTokens != nil {
			t.Errorf("total = %v, want nil", u.TotalTokens)
		}
		if u.TokenSource != SourceMissing {
			t.Errorf("tokenSource = %s, want missing", u.TokenSource)
		}
	})
}

func TestUsageEstimateRounding(t *testing.T) {
	p := basePayload()
	p.TotalTokens = i64(333)
	u := Usage(p, DefaultPricing, testNow)
	// 333 / 1e6 * 2 = 0.000666
	if u.CostUsd == nil || *u.CostUsd != 0.000666 {
		t.Errorf("cost = %v, want 0.000666", u.CostUsd)
	}
}

func TestLedgerEntryMapping(t *testing.T) {
	p := basePayload()
	p.State = "completed"
	p.AgentLabel = "Hawkeye Prime"
	p.Title = "triage"
	p.Task = "triage the failing suite"
	p.TaskCategory = "maintenance"
	p.EndedAt = "2026-02-10T10:30:00Z"

	e := LedgerEntry(p, testNow)
	if e.Status != store.StatusSuccess {
		t.Errorf("status = %s, want success", e.Status)
	}
	if e.RuntimeMs != 30*60*1000 {
		t.Errorf("runtimeMs = %d, want 1800000", e.RuntimeMs)
	}
	if e.AgentLabel != "Hawkeye Prime" {
		t.Errorf("agentLabel = %s", e.AgentLabel)
	}
	if e.ArtifactCount != 0 {
		t.Errorf("artifactCount = %d, want 0", e.ArtifactCount)
	}
	if e.IngestedAt != "2026-02-10T12:00:00Z" {
		t.Errorf("ingestedAt = %s", e.IngestedAt)
	}
}

func TestLedgerEntryLabelDefaultsToAgentID(t *testing.T) {
	e := LedgerEntry(basePayload(), testNow)
	if e.AgentLabel != "hawkeye" {
		t.Errorf("agentLabel = %s, want hawkeye", e.AgentLabel)
	}
}

func TestLedgerEntryEndedAtFallsBackToTerminalAt(t *testing.T) {
	p := basePayload()
	p.State = "killed"
	p.TerminalAt = "2026-02-10T10:05:00Z"
	e := LedgerEntry(p, testNow)
	if e.EndedAt != "2026-02-10T10:05:00Z" {
		t.Errorf("endedAt = %s, want terminalAt fallback", e.EndedAt)
	}
}
