package contract

import (
	"errors"
	"net/http"
	"testing"
)

func mustEnvelope(t *testing.T, body string, strict bool) Envelope {
	t.Helper()
	env, err := NormalizeEnvelope([]byte(body), strict)
	if err != nil {
		t.Fatalf("normalize envelope: %v", err)
	}
	return env
}

func TestNormalizeEnvelopeRejectsUnknownVersion(t *testing.T) {
	_, err := NormalizeEnvelope([]byte(`{"envelope_version":"v9","payload":{"session":{}}}`), true)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *contract.Error", err)
	}
	if cerr.Code != CodeUnsupportedVersion {
		t.Errorf("code = %s, want %s", cerr.Code, CodeUnsupportedVersion)
	}
	if cerr.HTTPStatus != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", cerr.HTTPStatus)
	}
}

func TestNormalizeEnvelopeRequiresVersionAndPayload(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"missing version", `{"payload":{"session":{}}}`, "envelope_version"},
		{"missing payload", `{"envelope_version":"v1"}`, "payload"},
		{"non-object body", `[1,2]`, "payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeEnvelope([]byte(tc.body), true)
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("err = %v, want *contract.Error", err)
			}
			if cerr.Code != CodeValidationError {
				t.Errorf("code = %s, want %s", cerr.Code, CodeValidationError)
			}
			if len(cerr.Details) != 1 || cerr.Details[0].Field != tc.field {
				t.Errorf("details = %+v, want field %s", cerr.Details, tc.field)
			}
		})
	}
}

func TestNormalizeEnvelopeNonStrictSkipsWrapper(t *testing.T) {
	env, err := NormalizeEnvelope([]byte(`{"session":{"sessionId":"s1","state":"running","agentId":"a","modelId":"m","startedAt":"2026-02-01T00:00:00Z"}}`), false)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.EnvelopeVersion != VersionV1 {
		t.Errorf("version = %s, want v1", env.EnvelopeVersion)
	}

	adapted, err := AdaptEnvelope(env)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if adapted.Session.SessionID != "s1" {
		t.Errorf("sessionId = %s, want s1", adapted.Session.SessionID)
	}
}

func TestAdaptV1ReportsAllMissingFieldsSorted(t *testing.T) {
	env := mustEnvelope(t, `{"envelope_version":"v1","payload":{"session":{"title":"x"}}}`, true)

	_, err := AdaptEnvelope(env)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *contract.Error", err)
	}
	want := []string{"session.agentId", "session.modelId", "session.sessionId", "session.startedAt", "session.state"}
	if len(cerr.Details) != len(want) {
		t.Fatalf("got %d issues, want %d: %+v", len(cerr.Details), len(want), cerr.Details)
	}
	for i, f := range want {
		if cerr.Details[i].Field != f {
			t.Errorf("details[%d].field = %s, want %s", i, cerr.Details[i].Field, f)
		}
	}
}

func TestAdaptV1WhitespaceOnlyFieldsAreMissing(t *testing.T) {
	env := mustEnvelope(t, `{"envelope_version":"v1","payload":{"session":{"sessionId":"  ","state":"running","agentId":"a","modelId":"m","startedAt":"2026-02-01T00:00:00Z"}}}`, true)
	_, err := AdaptEnvelope(env)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *contract.Error", err)
	}
	if len(cerr.Details) != 1 || cerr.Details[0].Field != "session.sessionId" {
		t.Errorf("details = %+v, want just session.sessionId", cerr.Details)
	}
}

func TestAdaptV1RequiresSessionObject(t *testing.T) {
	env := mustEnvelope(t, `{"envelope_version":"v1","payload":{"events":[]}}`, true)
	_, err := AdaptEnvelope(env)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *contract.Error", err)
	}
	if len(cerr.Details) != 1 || cerr.Details[0].Field != "session" {
		t.Errorf("details = %+v, want session object required", cerr.Details)
	}
}

func TestAdaptV2RemapsRunAndTimeline(t *testing.T) {
	env := mustEnvelope(t, `{"envelope_version":"v2","idempotency_key":"key-1","payload":{
		"run":{"sessionId":"s2","state":"completed","agentId":"vision","modelId":"claude-opus",
		       "startedAt":"2026-02-01T00:00:00Z","endedAt":"2026-02-01T00:05:00Z",
		       "totalTokens":5000,"billedCostUsd":0.12,"provider":"anthropic"},
		"timeline":[{"eventType":"tool_call","payload":{"tool":"bash"}}]}}`, true)

	adapted, err := AdaptEnvelope(env)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	s := adapted.Session
	if s.SessionID != "s2" || s.AgentID != "vision" || s.ModelID != "claude-opus" {
		t.Errorf("identity fields wrong: %+v", s)
	}
	if s.TotalTokens == nil || *s.TotalTokens != 5000 {
		t.Errorf("totalTokens = %v, want 5000", s.TotalTokens)
	}
	if s.BilledCostUsd == nil || *s.BilledCostUsd != 0.12 {
		t.Errorf("billedCostUsd = %v, want 0.12", s.BilledCostUsd)
	}
	if len(adapted.Events) != 1 || adapted.Events[0].EventType != "tool_call" {
		t.Errorf("events = %+v", adapted.Events)
	}
	if adapted.IdempotencyKey != "key-1" {
		t.Errorf("idempotency key = %s, want key-1", adapted.IdempotencyKey)
	}
	if adapted.Fingerprint == "" {
		t.Error("fingerprint is empty")
	}
}

func TestAdaptV2MissingRun(t *testing.T) {
	env := mustEnvelope(t, `{"envelope_version":"v2","payload":{"timeline":[]}}`, true)
	_, err := AdaptEnvelope(env)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *contract.Error", err)
	}
	if len(cerr.Details) != 1 || cerr.Details[0].Field != "run" {
		t.Errorf("details = %+v, want run object required", cerr.Details)
	}
}

func TestIdempotencyKeyDefaultsToSessionID(t *testing.T) {
	env := mustEnvelope(t, `{"envelope_version":"v1","payload":{"session":{"sessionId":"s1","state":"running","agentId":"a","modelId":"m","startedAt":"2026-02-01T00:00:00Z"}}}`, true)
	adapted, err := AdaptEnvelope(env)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if adapted.IdempotencyKey != "s1" {
		t.Errorf("key = %s, want s1", adapted.IdempotencyKey)
	}
}

func TestFingerprintStableAcrossReplays(t *testing.T) {
	body := `{"envelope_version":"v1","payload":{"session":{"sessionId":"s1","state":"running","agentId":"a","modelId":"m","startedAt":"2026-02-01T00:00:00Z"}}}`
	first, err := AdaptEnvelope(mustEnvelope(t, body, true))
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	second, err := AdaptEnvelope(mustEnvelope(t, body, true))
	if err != nil {
		t.Fatalf("adapt replay: %v", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("fingerprints differ: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestIdempotencyIndex(t *testing.T) {
	idx := NewIdempotencyIndex()

	if err := idx.Check("k1", "fp-a"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := idx.Check("k1", "fp-a"); err != nil {
		t.Errorf("replay with same fingerprint should pass: %v", err)
	}

	err := idx.Check("k1", "fp-b")
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *contract.Error", err)
	}
	if cerr.Code != CodeIdempotencyConflict || cerr.HTTPStatus != http.StatusConflict {
		t.Errorf("conflict = %s/%d, want %s/409", cerr.Code, cerr.HTTPStatus, CodeIdempotencyConflict)
	}

	if idx.Len() != 1 {
		t.Errorf("len = %d, want 1", idx.Len())
	}
}
