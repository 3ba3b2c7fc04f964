// Package analytics computes usage rollups and model performance matrices
// from ledger and usage rows. All functions are pure: they take snapshots of
// the data and never touch storage.
package analytics

import (
	"math"
	"sort"

	"helicarrier/internal/store"
)

// Filters narrow an analytics computation to a time range and/or an
// agent, model, or task category. Zero values mean "no restriction".
type Filters struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Agent string `json:"agent,omitempty"`
	Model string `json:"model,omitempty"`
	Task  string `json:"task,omitempty"`
}

// Totals sums runs, tokens, runtime and cost across the selected sessions.
type Totals struct {
	Runs      int     `json:"runs"`
	Tokens    int64   `json:"tokens"`
	RuntimeMs int64   `json:"runtimeMs"`
	CostUsd   float64 `json:"costUsd"`
}

// SeriesBucket is one UTC calendar day of aggregated usage.
type SeriesBucket struct {
	Date      string  `json:"date"`
	Tokens    int64   `json:"tokens"`
	RuntimeMs int64   `json:"runtimeMs"`
	CostUsd   float64 `json:"costUsd"`
	Runs      int     `json:"runs"`
}

// Provenance histograms count usage rows per source tag.
type Provenance struct {
	Token   map[string]int `json:"token"`
	Runtime map[string]int `json:"runtime"`
	Cost    map[string]int `json:"cost"`
}

// UsagePayload is the full response of a usage analytics query.
type UsagePayload struct {
	Totals     Totals         `json:"totals"`
	Provenance Provenance     `json:"provenance"`
	Series     []SeriesBucket `json:"series"`
}

// Drilldown describes a ledger query that reproduces the failed rows
// behind a matrix entry.
type Drilldown struct {
	Status string `json:"status"`
	Model  string `json:"model"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

// MatrixRow aggregates terminal sessions for one model.
type MatrixRow struct {
	ModelID         string    `json:"modelId"`
	RunsTotal       int       `json:"runsTotal"`
	SuccessCount    int       `json:"successCount"`
	FailureCount    int       `json:"failureCount"`
	SuccessRate     float64   `json:"successRate"`
	MedianRuntimeMs float64   `json:"medianRuntimeMs"`
	MedianCostUsd   float64   `json:"medianCostUsd"`
	SampleWarning   bool      `json:"sampleWarning"`
	FailedDrilldown Drilldown `json:"failedDrilldown"`
}

// DefaultMinSample is the group size below which matrix rows carry a
// sample warning.
const DefaultMinSample = 5

func inRange(ts string, f Filters) bool {
	t := store.ParseTime(ts)
	if f.From != "" && t.Before(store.ParseTime(f.From)) {
		return false
	}
	if f.To != "" && t.After(store.ParseTime(f.To)) {
		return false
	}
	return true
}

func usageBySession(usage []store.Usage) map[string]store.Usage {
	m := make(map[string]store.Usage, len(usage))
	for _, u := range usage {
		m[u.SessionID] = u
	}
	return m
}

// BuildUsageAnalytics aggregates the selected sessions into totals, a daily
// series sorted ascending by date, and provenance histograms. Provenance
// counts the whole usage set, not just the filtered selection, so the
// histogram reflects the quality of everything ingested.
func BuildUsageAnalytics(ledger []store.LedgerEntry, usage []store.Usage, f Filters) UsagePayload {
	byID := usageBySession(usage)
	byDay := make(map[string]*SeriesBucket)

	var totals Totals
	for _, row := range ledger {
		if !matchRow(row, f) {
			continue
		}
		tokens := int64(0)
		runtime := row.RuntimeMs
		cost := 0.0
		if u, ok := byID[row.SessionID]; ok {
			if u.TotalTokens != nil {
				tokens = *u.TotalTokens
			}
			runtime = u.RuntimeMs
			if u.CostUsd != nil {
				cost = *u.CostUsd
			}
		}

		day := dayOf(row.StartedAt)
		b := byDay[day]
		if b == nil {
			b = &SeriesBucket{Date: day}
			byDay[day] = b
		}
		b.Tokens += tokens
		b.RuntimeMs += runtime
		b.CostUsd += cost
		b.Runs++

		totals.Runs++
		totals.Tokens += tokens
		totals.RuntimeMs += runtime
		totals.CostUsd += cost
	}
	totals.CostUsd = round6(totals.CostUsd)

	series := make([]SeriesBucket, 0, len(byDay))
	for _, b := range byDay {
		b.CostUsd = round6(b.CostUsd)
		series = append(series, *b)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Date < series[j].Date })

	prov := Provenance{
		Token:   map[string]int{},
		Runtime: map[string]int{},
		Cost:    map[string]int{},
	}
	for _, u := range usage {
		if u.TokenSource != "" {
			prov.Token[u.TokenSource]++
		}
		if u.RuntimeSource != "" {
			prov.Runtime[u.RuntimeSource]++
		}
		if u.CostSource != "" {
			prov.Cost[u.CostSource]++
		}
	}

	return UsagePayload{Totals: totals, Provenance: prov, Series: series}
}

// BuildPerformanceMatrix groups terminal sessions by model and computes
// success rates and median runtime/cost per group. Groups smaller than
// minSample are flagged so callers can tell noisy comparisons apart from
// meaningful ones.
func BuildPerformanceMatrix(ledger []store.LedgerEntry, usage []store.Usage, f Filters, minSample int) []MatrixRow {
	byID := usageBySession(usage)

	grouped := make(map[string][]store.LedgerEntry)
	order := []string{}
	for _, row := range ledger {
		if !row.Status.Terminal() {
			continue
		}
		if !inRange(row.StartedAt, f) {
			continue
		}
		if f.Agent != "" && row.AgentID != f.Agent {
			continue
		}
		if f.Task != "" && row.TaskCategory != f.Task {
			continue
		}
		if _, ok := grouped[row.ModelID]; !ok {
			order = append(order, row.ModelID)
		}
		grouped[row.ModelID] = append(grouped[row.ModelID], row)
	}

	out := make([]MatrixRow, 0, len(order))
	for _, modelID := range order {
		rows := grouped[modelID]
		success, failed := 0, 0
		runtimes := []float64{}
		costs := []float64{}
		for _, r := range rows {
			switch r.Status {
			case store.StatusSuccess:
				success++
			case store.StatusFailed:
				failed++
			}
			runtime := float64(r.RuntimeMs)
			cost := 0.0
			if u, ok := byID[r.SessionID]; ok {
				runtime = float64(u.RuntimeMs)
				if u.CostUsd != nil {
					cost = *u.CostUsd
				}
			}
			if runtime > 0 {
				runtimes = append(runtimes, runtime)
			}
			if cost > 0 {
				costs = append(costs, cost)
			}
		}

		rate := 0.0
		if len(rows) > 0 {
			rate = float64(success) / float64(len(rows))
		}
		out = append(out, MatrixRow{
			ModelID:         modelID,
			RunsTotal:       len(rows),
			SuccessCount:    success,
			FailureCount:    failed,
			SuccessRate:     rate,
			MedianRuntimeMs: median(runtimes),
			MedianCostUsd:   median(costs),
			SampleWarning:   len(rows) < minSample,
			FailedDrilldown: Drilldown{
				Status: string(store.StatusFailed),
				Model:  modelID,
				From:   f.From,
				To:     f.To,
				Agent:  f.Agent,
			},
		})
	}
	return out
}

// ComputeFailureRate is failed/(success+failed) over the selected range.
// Killed and cancelled sessions do not count either way. 0 when nothing
// terminal matched.
func ComputeFailureRate(ledger []store.LedgerEntry, f Filters) float64 {
	total, failed := 0, 0
	for _, row := range ledger {
		if row.Status != store.StatusSuccess && row.Status != store.StatusFailed {
			continue
		}
		if !matchRow(row, f) {
			continue
		}
		total++
		if row.Status == store.StatusFailed {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// ComputeRuntimeP95Ms returns the 95th percentile runtime over the selected
// range, preferring usage-reported runtime and falling back to the ledger
// figure. 0 when no samples match.
func ComputeRuntimeP95Ms(ledger []store.LedgerEntry, usage []store.Usage, f Filters) int64 {
	byID := usageBySession(usage)
	samples := []int64{}
	for _, row := range ledger {
		if !matchRow(row, f) {
			continue
		}
		runtime := row.RuntimeMs
		if u, ok := byID[row.SessionID]; ok {
			runtime = u.RuntimeMs
		}
		samples = append(samples, runtime)
	}
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := int(math.Ceil(float64(len(samples))*0.95)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(samples)-1 {
		idx = len(samples) - 1
	}
	return samples[idx]
}

func matchRow(row store.LedgerEntry, f Filters) bool {
	if !inRange(row.StartedAt, f) {
		return false
	}
	if f.Agent != "" && row.AgentID != f.Agent {
		return false
	}
	if f.Model != "" && row.ModelID != f.Model {
		return false
	}
	if f.Task != "" && row.TaskCategory != f.Task {
		return false
	}
	return true
}

func dayOf(ts string) string {
	t := store.ParseTime(ts)
	if t.IsZero() {
		if len(ts) >= 10 {
			return ts[:10]
		}
		return ts
	}
	return t.UTC().Format("2006-01-02")
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
