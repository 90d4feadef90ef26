// Package ingest runs the write path: raw analysis payload in, linked
// normalized record out. Extraction never fails; storage and linking
// failures are retryable with the same request.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/store"
	"github.com/threadline/threadline/pkg/chain"
	"github.com/threadline/threadline/pkg/extract"
)

var (
	// ErrInvalidRequest marks a malformed ingestion request. Not retryable.
	ErrInvalidRequest = errors.New("invalid ingest request")
	// ErrUnknownSource is returned for source ids missing from the registry.
	ErrUnknownSource = errors.New("unknown source")
	// ErrInactiveSource is returned for registered but deactivated sources.
	ErrInactiveSource = errors.New("source inactive")
)

// Request is one completed analysis handed over by the producer.
type Request struct {
	SourceID   string         `json:"source_id"`
	ScenarioID string         `json:"scenario_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	SchemaHint string         `json:"schema_hint,omitempty"`
	Payload    map[string]any `json:"payload"`

	// IdempotencyKey makes retries safe: resubmitting the same key returns
	// the already-ingested record instead of creating a duplicate. Without
	// a key, a retry after a transient failure may duplicate the record.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Result reports what ingestion produced.
type Result struct {
	RecordID  string `json:"record_id"`
	ChainID   string `json:"chain_id"`
	Degraded  bool   `json:"extraction_degraded"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Service wires extractor, cost model, linker and store into the ingestion
// pipeline.
type Service struct {
	store  *store.SQLiteStore
	linker *chain.Linker
	costs  CostModel
	log    *slog.Logger
}

// New creates an ingestion service.
func New(s *store.SQLiteStore, linker *chain.Linker, costs CostModel, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, linker: linker, costs: costs, log: log}
}

// Ingest extracts req's payload, fills in an estimated cost when the payload
// carried none, links the record into a topic chain and appends it.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	if req.SourceID == "" {
		return nil, fmt.Errorf("source_id required: %w", ErrInvalidRequest)
	}
	if req.Timestamp.IsZero() {
		return nil, fmt.Errorf("timestamp required: %w", ErrInvalidRequest)
	}

	src, err := s.store.GetSource(ctx, req.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("source %s: %w", req.SourceID, ErrUnknownSource)
	}
	if err != nil {
		return nil, err
	}
	if !src.Active {
		return nil, fmt.Errorf("source %s: %w", req.SourceID, ErrInactiveSource)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.RecordByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return &Result{
				RecordID:  existing.ID,
				ChainID:   existing.ChainID,
				Degraded:  existing.Degraded,
				Duplicate: true,
			}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	fields := extract.Extract(req.Payload, req.SchemaHint)
	if fields.CostMicros == nil {
		fields.CostMicros = s.costs.Estimate(fields.Provider, fields.RequestTokens, fields.ResponseTokens)
	}
	if fields.Degraded {
		s.log.Warn("extraction degraded", "source", req.SourceID, "hint", req.SchemaHint)
	}

	raw, _ := json.Marshal(req.Payload)
	rec := &store.AnalysisRecord{
		ID:             uuid.NewString(),
		SourceID:       req.SourceID,
		ScenarioID:     req.ScenarioID,
		AnalyzedAt:     req.Timestamp.UTC(),
		SchemaVersion:  fields.SchemaVersion,
		Sentiment:      fields.Sentiment,
		Topics:         fields.Topics,
		RequestTokens:  fields.RequestTokens,
		ResponseTokens: fields.ResponseTokens,
		Provider:       fields.Provider,
		CostMicros:     fields.CostMicros,
		MediaCounts:    fields.MediaCounts,
		Reactions:      fields.Reactions,
		Comments:       fields.Comments,
		PostURL:        fields.PostURL,
		Degraded:       fields.Degraded,
		RawPayload:     string(raw),
		IngestedAt:     time.Now().UTC(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		rec.IdempotencyKey = &key
	}

	// Concurrent retries with the same key can still race past the lookup
	// above; the UNIQUE index then fails the insert and the retry resolves
	// to the duplicate path.
	chainID, err := s.linker.Link(ctx, rec)
	if err != nil {
		return nil, err
	}

	s.log.Info("analysis ingested",
		"record", rec.ID, "source", rec.SourceID, "chain", chainID,
		"topics", len(rec.Topics), "degraded", rec.Degraded)
	return &Result{RecordID: rec.ID, ChainID: chainID, Degraded: rec.Degraded}, nil
}

// Reprocess re-extracts a stored record's raw payload, replacing its
// extracted fields while preserving identity, raw payload and chain
// assignment.
func (s *Service) Reprocess(ctx context.Context, recordID, schemaHint string) (*store.AnalysisRecord, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(rec.RawPayload), &raw); err != nil {
		raw = nil
	}

	fields := extract.Extract(raw, schemaHint)
	if fields.CostMicros == nil {
		fields.CostMicros = s.costs.Estimate(fields.Provider, fields.RequestTokens, fields.ResponseTokens)
	}
	if err := s.store.ReprocessRecord(ctx, recordID, fields); err != nil {
		return nil, err
	}
	// The record's topics may have changed; the owning chain's aggregated
	// topic counts must follow.
	if rec.ChainID != "" {
		if err := s.linker.RefreshChain(ctx, rec.SourceID, rec.ChainID); err != nil {
			return nil, err
		}
	}

	s.log.Info("record reprocessed", "record", recordID, "schema", fields.SchemaVersion)
	return s.store.GetRecord(ctx, recordID)
}
