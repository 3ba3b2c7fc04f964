// Package ingest runs the write path of the pipeline: envelope adaptation,
// normalization and the transactional session upsert.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"helicarrier/internal/contract"
	"helicarrier/internal/events"
	"helicarrier/internal/metrics"
	"helicarrier/internal/normalize"
	"helicarrier/internal/store"
)

// Service ties the contract adapter, the normalizer and the repository
// together. It owns the process-wide idempotency index.
type Service struct {
	repo    store.Repository
	idemp   *contract.IdempotencyIndex
	pricing normalize.Pricing
	strict  bool
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// Result reports a successful ingestion.
type Result struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint"`
	EventCount  int    `json:"eventCount"`
}

func NewService(repo store.Repository, pricing normalize.Pricing, strict bool, emitter *events.Emitter, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		idemp:   contract.NewIdempotencyIndex(),
		pricing: pricing,
		strict:  strict,
		emitter: emitter,
		logger:  logger.With("component", "ingest"),
		now:     time.Now,
	}
}

// Ingest runs one request body through the full write path. Errors carry
// the contract taxonomy where applicable; repository failures propagate
// as-is.
func (s *Service) Ingest(ctx context.Context, body []byte) (Result, error) {
	env, err := contract.NormalizeEnvelope(body, s.strict)
	if err != nil {
		s.reject(err)
		return Result{}, err
	}

	adapted, err := contract.AdaptEnvelope(env)
	if err != nil {
		s.reject(err)
		return Result{}, err
	}

	if adapted.IdempotencyKey != "" {
		if err := s.idemp.Check(adapted.IdempotencyKey, adapted.Fingerprint); err != nil {
			s.reject(err)
			return Result{}, err
		}
		metrics.IdempotencyIndexSize.Set(float64(s.idemp.Len()))
	}

	now := s.now()
	entry := normalize.LedgerEntry(adapted.Session, now)
	usage := normalize.Usage(adapted.Session, s.pricing, now)
	evts := s.sessionEvents(adapted)
	entry.ArtifactCount = countArtifacts(evts)

	if err := s.repo.UpsertSession(ctx, entry, usage, evts); err != nil {
		s.reject(err)
		return Result{}, err
	}

	s.logger.Info("session ingested",
		"session_id", entry.SessionID,
		"agent_id", entry.AgentID,
		"status", string(entry.Status),
		"events", len(evts))
	s.emitter.Emit(events.Event{
		Type:    events.SessionIngested,
		Subject: entry.SessionID,
		Fields: map[string]string{
			"agent_id": entry.AgentID,
			"status":   string(entry.Status),
		},
	})

	return Result{
		SessionID:   entry.SessionID,
		Status:      string(entry.Status),
		Fingerprint: adapted.Fingerprint,
		EventCount:  len(evts),
	}, nil
}

// IdempotencyIndexLen exposes the index size for health reporting.
func (s *Service) IdempotencyIndexLen() int {
	return s.idemp.Len()
}

// sessionEvents converts raw timeline events to stored ones, backfilling
// missing event IDs and sequence numbers. Sequence numbers are 1-based in
// arrival order when the provider did not number them.
func (s *Service) sessionEvents(adapted contract.Adapted) []store.Event {
	out := make([]store.Event, 0, len(adapted.Events))
	for i, raw := range adapted.Events {
		ev := store.Event{
			EventID:   raw.EventID,
			SessionID: adapted.Session.SessionID,
			Seq:       raw.Seq,
			EventType: raw.EventType,
			EventTs:   raw.EventTs,
			Payload:   raw.Payload,
		}
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		if ev.Seq == 0 {
			ev.Seq = int64(i + 1)
		}
		out = append(out, ev)
	}
	return out
}

func countArtifacts(evts []store.Event) int64 {
	var n int64
	for _, ev := range evts {
		if ev.EventType == "artifact" {
			n++
		}
	}
	return n
}

func (s *Service) reject(err error) {
	code := "STORAGE_ERROR"
	var cerr *contract.Error
	if errors.As(err, &cerr) {
		code = cerr.Code
	}
	metrics.IngestRejectedTotal.WithLabelValues(code).Inc()
	s.logger.Warn("ingestion rejected", "code", code, "error", err)
}
