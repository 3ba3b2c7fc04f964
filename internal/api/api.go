// Package api exposes the telemetry pipeline over HTTP: ingestion, ledger
// queries, analytics and alert management.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"helicarrier/internal/alerts"
	"helicarrier/internal/analytics"
	"helicarrier/internal/contract"
	"helicarrier/internal/events"
	"helicarrier/internal/ingest"
	"helicarrier/internal/metrics"
	"helicarrier/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	repo      store.Repository
	ingest    *ingest.Service
	events    *events.Emitter
	authToken string
	logger    *slog.Logger
	startAt   time.Time
	now       func() time.Time
}

// NewServer creates a new API server. An empty authToken means the server
// refuses every authenticated route with a configuration error.
func NewServer(repo store.Repository, ing *ingest.Service, emitter *events.Emitter, authToken string, logger *slog.Logger) *Server {
	l := logger.With("component", "api")
	if authToken == "" {
		l.Warn("no auth token configured; API requests will be rejected")
	}
	return &Server{
		repo:      repo,
		ingest:    ing,
		events:    emitter,
		authToken: authToken,
		logger:    l,
		startAt:   time.Now(),
		now:       time.Now,
	}
}

// Handler returns an http.Handler for the full API surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ingest/session", s.handleIngest)
	mux.HandleFunc("/api/v3/ledger", s.handleLedger)
	mux.HandleFunc("/api/v3/ledger/", s.handleSessionDetail)
	mux.HandleFunc("/api/v3/analytics/usage", s.handleUsageAnalytics)
	mux.HandleFunc("/api/v3/analytics/performance", s.handlePerformance)
	mux.HandleFunc("/api/v3/alerts/rules", s.handleRules)
	mux.HandleFunc("/api/v3/alerts/rules/", s.handleRulePatch)
	mux.HandleFunc("/api/v3/alerts/active", s.handleActiveAlerts)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return s.authMiddleware(mux)
}

// authMiddleware enforces the shared x-secret-key header on API routes.
// Health and metrics stay open for probes and scrapers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if s.authToken == "" {
			writeMessage(w, http.StatusInternalServerError, "Server auth is not configured.")
			return
		}
		if r.Header.Get("x-secret-key") != s.authToken {
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	res, err := s.ingest.Ingest(r.Context(), body)
	if err != nil {
		var cerr *contract.Error
		if errors.As(err, &cerr) {
			writeContractError(w, cerr)
			return
		}
		if errors.Is(err, store.ErrPricingProvenance) {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: errorDetail{Code: "STORAGE_INVARIANT_VIOLATION", Message: err.Error(), Details: []contract.Issue{}},
			})
			return
		}
		s.logger.Error("ingest failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed ingest")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	qs := r.URL.Query()
	sort := qs.Get("sort")
	if sort == "" {
		sort = string(store.SortNewest)
	}
	switch store.SortKey(sort) {
	case store.SortNewest, store.SortRuntime, store.SortCost:
		// valid
	default:
		writeMessage(w, http.StatusBadRequest, "Invalid sort value")
		return
	}

	rows, total, err := s.repo.QueryLedger(r.Context(), store.LedgerQuery{
		Agent:    qs.Get("agent"),
		Status:   qs.Get("status"),
		Model:    qs.Get("model"),
		From:     qs.Get("from"),
		To:       qs.Get("to"),
		Q:        qs.Get("q"),
		Sort:     store.SortKey(sort),
		Page:     atoiDefault(qs.Get("page"), 1),
		PageSize: atoiDefault(qs.Get("pageSize"), 20),
	})
	if err != nil {
		s.logger.Error("ledger query failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "total": total})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/v3/ledger/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeMessage(w, http.StatusNotFound, "Session not found")
		return
	}

	detail, err := s.repo.GetSessionDetail(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("session detail failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "query failed")
		return
	}
	if detail.Ledger == nil {
		writeMessage(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUsageAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap, err := s.repo.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "query failed")
		return
	}
	qs := r.URL.Query()
	payload := analytics.BuildUsageAnalytics(snap.Ledger, snap.Usage, analytics.Filters{
		From:  qs.Get("from"),
		To:    qs.Get("to"),
		Agent: qs.Get("agent"),
		Model: qs.Get("model"),
		Task:  qs.Get("task"),
	})
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap, err := s.repo.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "query failed")
		return
	}
	qs := r.URL.Query()
	rows := analytics.BuildPerformanceMatrix(snap.Ledger, snap.Usage, analytics.Filters{
		From:  qs.Get("from"),
		To:    qs.Get("to"),
		Agent: qs.Get("agent"),
		Task:  qs.Get("task"),
	}, atoiDefault(qs.Get("minSample"), analytics.DefaultMinSample))
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRules(w, r)
	case http.MethodPost:
		s.createRule(w, r)
	default:
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.repo.ListAlertRules(r.Context())
	if err != nil {
		s.logger.Error("rule list failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rules})
}

type ruleInput struct {
	Enabled           *bool             `json:"enabled"`
	Metric            store.AlertMetric `json:"metric"`
	ScopeType         string            `json:"scopeType"`
	ScopeRef          *store.ScopeRef   `json:"scopeRef"`
	WarnThreshold     *float64          `json:"warnThreshold"`
	CriticalThreshold *float64          `json:"criticalThreshold"`
	Window            string            `json:"window"`
	Comparison        string            `json:"comparison"`
	DedupCooldownSec  *int              `json:"dedupCooldownSec"`
}

func validateRule(in ruleInput) string {
	if in.Metric == "" {
		return "metric is required"
	}
	if in.ScopeType == "" {
		return "scopeType is required"
	}
	if in.WarnThreshold == nil {
		return "warnThreshold must be a number"
	}
	if in.CriticalThreshold == nil {
		return "criticalThreshold must be a number"
	}
	if *in.CriticalThreshold < *in.WarnThreshold {
		return "criticalThreshold must be >= warnThreshold"
	}
	if in.Window == "" {
		return "window is required"
	}
	if in.Comparison == "" {
		return "comparison is required"
	}
	return ""
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var in ruleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if msg := validateRule(in); msg != "" {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}

	now := s.now().UTC().Format(time.RFC3339)
	rule := store.AlertRule{
		RuleID:            uuid.NewString(),
		Enabled:           true,
		Metric:            in.Metric,
		ScopeType:         in.ScopeType,
		ScopeRef:          in.ScopeRef,
		WarnThreshold:     *in.WarnThreshold,
		CriticalThreshold: *in.CriticalThreshold,
		Window:            in.Window,
		Comparison:        in.Comparison,
		DedupCooldownSec:  300,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	if in.DedupCooldownSec != nil {
		rule.DedupCooldownSec = *in.DedupCooldownSec
	}

	if err := s.repo.PutAlertRule(r.Context(), rule); err != nil {
		s.logger.Error("rule create failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "write failed")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRulePatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ruleID := strings.TrimPrefix(r.URL.Path, "/api/v3/alerts/rules/")
	if ruleID == "" || strings.Contains(ruleID, "/") {
		writeMessage(w, http.StatusNotFound, "Rule not found")
		return
	}

	var patch store.RulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	updated, err := s.repo.PatchAlertRule(r.Context(), ruleID, patch)
	if err != nil {
		s.logger.Error("rule patch failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "write failed")
		return
	}
	if updated == nil {
		writeMessage(w, http.StatusNotFound, "Rule not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ActiveAlertRow is one row of the active-alerts sweep response.
type ActiveAlertRow struct {
	RuleID            string            `json:"ruleId"`
	Metric            store.AlertMetric `json:"metric"`
	Scope             any               `json:"scope"`
	Value             float64           `json:"value"`
	WarnThreshold     float64           `json:"warnThreshold"`
	CriticalThreshold float64           `json:"criticalThreshold"`
	Status            store.AlertStatus `json:"status"`
	TriggeredAt       string            `json:"triggeredAt"`
	Deduped           bool              `json:"deduped"`
}

// handleActiveAlerts re-evaluates every enabled rule, persists the fresh
// states and returns the rows that are warning, critical or just resolved.
func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	snap, err := s.repo.Snapshot(ctx)
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "query failed")
		return
	}

	prev := make(map[string]store.AlertState, len(snap.AlertStates))
	for _, st := range snap.AlertStates {
		prev[st.RuleID] = st
	}

	now := s.now()
	active := []ActiveAlertRow{}
	for _, rule := range snap.AlertRules {
		if !rule.Enabled {
			continue
		}
		var previous *store.AlertState
		if p, ok := prev[rule.RuleID]; ok {
			previous = &p
		}
		state := alerts.EvaluateRule(rule, previous, snap.Ledger, snap.Usage, now)
		if err := s.repo.UpsertAlertState(ctx, state); err != nil {
			s.logger.Error("alert state write failed", "rule_id", rule.RuleID, "error", err)
			writeMessage(w, http.StatusInternalServerError, "write failed")
			return
		}
		metrics.AlertEvaluationsTotal.WithLabelValues(string(state.Status)).Inc()
		s.notifyTransition(rule, previous, state)

		if state.Status == store.AlertWarning || state.Status == store.AlertCritical || state.Status == store.AlertResolved {
			scope := any(rule.ScopeRef)
			if rule.ScopeRef == nil {
				scope = map[string]string{"type": rule.ScopeType}
			}
			active = append(active, ActiveAlertRow{
				RuleID:            rule.RuleID,
				Metric:            rule.Metric,
				Scope:             scope,
				Value:             state.LastValue,
				WarnThreshold:     rule.WarnThreshold,
				CriticalThreshold: rule.CriticalThreshold,
				Status:            state.Status,
				TriggeredAt:       state.LastTransitionAt,
				Deduped:           state.Deduped,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"rows": active})
}

// notifyTransition emits alert events for fresh findings. Deduped findings
// surface as suppressions; unchanged ok states are silent.
func (s *Server) notifyTransition(rule store.AlertRule, previous *store.AlertState, state store.AlertState) {
	var evType string
	switch {
	case state.Deduped:
		evType = events.AlertSuppressed
	case state.Status == store.AlertWarning:
		evType = events.AlertWarning
	case state.Status == store.AlertCritical:
		evType = events.AlertCritical
	case state.Status == store.AlertResolved:
		evType = events.AlertResolved
	default:
		return
	}
	s.events.Emit(events.Event{
		Type:    evType,
		Subject: rule.RuleID,
		Fields: map[string]string{
			"metric": string(rule.Metric),
			"status": string(state.Status),
			"value":  strconv.FormatFloat(state.LastValue, 'f', -1, 64),
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"uptime":           time.Since(s.startAt).String(),
		"idempotency_keys": s.ingest.IdempotencyIndexLen(),
	})
}

type errorDetail struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Details []contract.Issue `json:"details"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeContractError(w http.ResponseWriter, cerr *contract.Error) {
	details := cerr.Details
	if details == nil {
		details = []contract.Issue{}
	}
	writeJSON(w, cerr.HTTPStatus, errorBody{
		Error: errorDetail{Code: cerr.Code, Message: cerr.Message(), Details: details},
	})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
