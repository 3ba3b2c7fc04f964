// Package contract validates and adapts versioned ingest envelopes into
// the canonical provider payload. Unknown envelope versions fail closed:
// an unrecognized schema is never best-effort parsed.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Supported envelope versions. Adding a version means adding an adapter
// arm producing the same canonical payload, never loosening the payload.
const (
	VersionV1 = "v1"
	VersionV2 = "v2"
)

// Error codes of the ingest contract taxonomy.
const (
	CodeUnsupportedVersion  = "UNSUPPORTED_CONTRACT_VERSION"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
)

// Issue is one field-level validation problem.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a contract rejection carrying the full sorted issue list, so
// the caller sees every problem and not just the first.
type Error struct {
	Code       string  `json:"code"`
	HTTPStatus int     `json:"-"`
	Details    []Issue `json:"details"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d issue(s))", e.Code, len(e.Details))
}

// Message returns the human-readable summary used in error responses.
func (e *Error) Message() string {
	if e.Code == CodeValidationError {
		return "invalid ingest payload"
	}
	return strings.ToLower(strings.ReplaceAll(e.Code, "_", " "))
}

func validationError(issues ...Issue) *Error {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Field != issues[j].Field {
			return issues[i].Field < issues[j].Field
		}
		return issues[i].Message < issues[j].Message
	})
	return &Error{Code: CodeValidationError, HTTPStatus: http.StatusBadRequest, Details: issues}
}

// ProviderPayload is the canonical adapter output: one session as reported
// by an agent-runtime provider. It is consumed once by the normalizer and
// never persisted directly.
type ProviderPayload struct {
	SessionID        string   `json:"sessionId"`
	AgentID          string   `json:"agentId"`
	AgentLabel       string   `json:"agentLabel,omitempty"`
	ModelID          string   `json:"modelId"`
	Title            string   `json:"title,omitempty"`
	Task             string   `json:"task,omitempty"`
	TaskCategory     string   `json:"taskCategory,omitempty"`
	StartedAt        string   `json:"startedAt"`
	EndedAt          string   `json:"endedAt,omitempty"`
	TerminalAt       string   `json:"terminalAt,omitempty"`
	State            string   `json:"state"`
	PromptTokens     *int64   `json:"promptTokens,omitempty"`
	CompletionTokens *int64   `json:"completionTokens,omitempty"`
	TotalTokens      *int64   `json:"totalTokens,omitempty"`
	BilledCostUsd    *float64 `json:"billedCostUsd,omitempty"`
	Provider         string   `json:"provider,omitempty"`
}

// RawEvent is a timeline event as submitted; missing IDs and sequence
// numbers are backfilled by the ingest service.
type RawEvent struct {
	EventID   string          `json:"eventId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	EventType string          `json:"eventType"`
	EventTs   string          `json:"eventTs,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the versioned outer wrapper around an ingested payload.
type Envelope struct {
	EnvelopeVersion string          `json:"envelope_version"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// Adapted is the outcome of a successful envelope adaptation.
type Adapted struct {
	Session        ProviderPayload
	Events         []RawEvent
	Fingerprint    string
	IdempotencyKey string
}

// NormalizeEnvelope parses the raw request body into an Envelope. In
// non-strict mode the body is treated as a bare v1 payload with no wrapper
// (back-compat path) and no envelope checks run.
func NormalizeEnvelope(body []byte, strict bool) (Envelope, error) {
	if !strict {
		return Envelope{EnvelopeVersion: VersionV1, Payload: body}, nil
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, validationError(Issue{Field: "payload", Message: "payload must be an object"})
	}
	if env.EnvelopeVersion == "" {
		return Envelope{}, validationError(Issue{Field: "envelope_version", Message: "is required"})
	}
	if len(env.Payload) == 0 {
		return Envelope{}, validationError(Issue{Field: "payload", Message: "is required"})
	}
	if env.EnvelopeVersion != VersionV1 && env.EnvelopeVersion != VersionV2 {
		return Envelope{}, &Error{
			Code:       CodeUnsupportedVersion,
			HTTPStatus: http.StatusUnprocessableEntity,
			Details:    []Issue{{Field: "envelope_version", Message: "unsupported"}},
		}
	}
	return env, nil
}

// AdaptEnvelope runs the version-specific adapter, validates the required
// identity fields, and computes the content fingerprint and idempotency
// key for the submission.
func AdaptEnvelope(env Envelope) (Adapted, error) {
	var session ProviderPayload
	var events []RawEvent
	var err error

	switch env.EnvelopeVersion {
	case VersionV2:
		session, events, err = adaptV2(env.Payload)
	default:
		session, events, err = adaptV1(env.Payload)
	}
	if err != nil {
		return Adapted{}, err
	}

	if err := validateSession(session); err != nil {
		return Adapted{}, err
	}

	fingerprint, err := fingerprintOf(session, events)
	if err != nil {
		return Adapted{}, fmt.Errorf("fingerprint payload: %w", err)
	}

	key := env.IdempotencyKey
	if key == "" {
		key = session.SessionID
	}
	return Adapted{Session: session, Events: events, Fingerprint: fingerprint, IdempotencyKey: key}, nil
}

type v1Payload struct {
	Session *ProviderPayload `json:"session"`
	Events  []RawEvent       `json:"events"`
}

func adaptV1(raw json.RawMessage) (ProviderPayload, []RawEvent, error) {
	var body v1Payload
	if err := json.Unmarshal(raw, &body); err != nil {
		return ProviderPayload{}, nil, validationError(Issue{Field: "payload", Message: "must be an object"})
	}
	if body.Session == nil {
		return ProviderPayload{}, nil, validationError(Issue{Field: "session", Message: "session object is required"})
	}
	return *body.Session, body.Events, nil
}

// v2Run mirrors the v2 "run" shape; its fields are remapped onto the same
// canonical payload the v1 arm produces.
type v2Run struct {
	SessionID        string   `json:"sessionId"`
	State            string   `json:"state"`
	AgentID          string   `json:"agentId"`
	ModelID          string   `json:"modelId"`
	StartedAt        string   `json:"startedAt"`
	EndedAt          string   `json:"endedAt"`
	TerminalAt       string   `json:"terminalAt"`
	Provider         string   `json:"provider"`
	Title            string   `json:"title"`
	Task             string   `json:"task"`
	TaskCategory     string   `json:"taskCategory"`
	TotalTokens      *int64   `json:"totalTokens"`
	PromptTokens     *int64   `json:"promptTokens"`
	CompletionTokens *int64   `json:"completionTokens"`
	BilledCostUsd    *float64 `json:"billedCostUsd"`
}

type v2Payload struct {
	Run      *v2Run     `json:"run"`
	Timeline []RawEvent `json:"timeline"`
}

func adaptV2(raw json.RawMessage) (ProviderPayload, []RawEvent, error) {
	var body v2Payload
	if err := json.Unmarshal(raw, &body); err != nil {
		return ProviderPayload{}, nil, validationError(Issue{Field: "payload", Message: "must be an object"})
	}
	if body.Run == nil {
		return ProviderPayload{}, nil, validationError(Issue{Field: "run", Message: "run object is required"})
	}
	run := body.Run
	session := ProviderPayload{
		SessionID:        run.SessionID,
		State:            run.State,
		AgentID:          run.AgentID,
		ModelID:          run.ModelID,
		StartedAt:        run.StartedAt,
		EndedAt:          run.EndedAt,
		TerminalAt:       run.TerminalAt,
		Provider:         run.Provider,
		Title:            run.Title,
		Task:             run.Task,
		TaskCategory:     run.TaskCategory,
		TotalTokens:      run.TotalTokens,
		PromptTokens:     run.PromptTokens,
		CompletionTokens: run.CompletionTokens,
		BilledCostUsd:    run.BilledCostUsd,
	}
	return session, body.Timeline, nil
}

// validateSession checks the required identity fields, collecting every
// violation into one aggregate error sorted by field then message.
func validateSession(s ProviderPayload) error {
	required := []struct {
		field string
		value string
	}{
		{"session.sessionId", s.SessionID},
		{"session.state", s.State},
		{"session.agentId", s.AgentID},
		{"session.modelId", s.ModelID},
		{"session.startedAt", s.StartedAt},
	}

	var issues []Issue
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			issues = append(issues, Issue{Field: r.field, Message: "must be a non-empty string"})
		}
	}
	if len(issues) > 0 {
		return validationError(issues...)
	}
	return nil
}

// fingerprintOf hashes the adapted content so replays of the same
// idempotency key can be told apart from conflicting re-submissions.
func fingerprintOf(session ProviderPayload, events []RawEvent) (string, error) {
	raw, err := json.Marshal(struct {
		Session ProviderPayload `json:"session"`
		Events  []RawEvent      `json:"events"`
	}{session, events})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyIndex remembers the content fingerprint seen for each
// idempotency key. It is in-memory with no eviction; the size is exported
// so the growth is at least observable.
type IdempotencyIndex struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewIdempotencyIndex() *IdempotencyIndex {
	return &IdempotencyIndex{seen: make(map[string]string)}
}

// Check records the key/fingerprint pairing. A key re-submitted with a
// different fingerprint is a hard conflict; an identical pairing is a
// harmless replay and proceeds.
func (idx *IdempotencyIndex) Check(key, fingerprint string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if prev, ok := idx.seen[key]; ok && prev != fingerprint {
		return &Error{
			Code:       CodeIdempotencyConflict,
			HTTPStatus: http.StatusConflict,
			Details:    []Issue{{Field: "idempotency_key", Message: "conflicting payload for idempotency key"}},
		}
	}
	idx.seen[key] = fingerprint
	return nil
}

// Len reports the number of tracked keys.
func (idx *IdempotencyIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.seen)
}
