package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/threadline/threadline/pkg/extract"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertRecord(t *testing.T, s *SQLiteStore, rec *AnalysisRecord) {
	t.Helper()
	if rec.RawPayload == "" {
		rec.RawPayload = "{}"
	}
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = rec.AnalyzedAt
	}
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertRecord(context.Background(), rec)
	})
	if err != nil {
		t.Fatalf("insert record %s: %v", rec.ID, err)
	}
}

func TestSourceRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddSource(ctx, &Source{ID: "src-1", Name: "City Hall", Active: true}); err != nil {
		t.Fatalf("add source: %v", err)
	}

	src, err := s.GetSource(ctx, "src-1")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if src.Name != "City Hall" || !src.Active {
		t.Errorf("source = %+v", src)
	}

	// Re-registering updates in place.
	if err := s.AddSource(ctx, &Source{ID: "src-1", Name: "City Hall", Active: false}); err != nil {
		t.Fatalf("update source: %v", err)
	}
	src, err = s.GetSource(ctx, "src-1")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if src.Active {
		t.Error("source still active after update")
	}

	if _, err := s.GetSource(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing source error = %v, want ErrNotFound", err)
	}
}

func TestRecordRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	score := 0.7

	insertRecord(t, s, &AnalysisRecord{
		ID:          "r1",
		SourceID:    "src-1",
		AnalyzedAt:  ts,
		Sentiment:   &score,
		Topics:      []string{"budget", "transit"},
		MediaCounts: map[string]int{"text": 2},
		RawPayload:  `{"sentiment":{"score":0.7}}`,
	})

	rec, err := s.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Sentiment == nil || *rec.Sentiment != 0.7 {
		t.Errorf("sentiment = %v", rec.Sentiment)
	}
	if len(rec.Topics) != 2 || rec.Topics[0] != "budget" {
		t.Errorf("topics = %v", rec.Topics)
	}
	if rec.MediaCounts["text"] != 2 {
		t.Errorf("media counts = %v", rec.MediaCounts)
	}
	if rec.RawPayload != `{"sentiment":{"score":0.7}}` {
		t.Errorf("raw payload = %s", rec.RawPayload)
	}

	if _, err := s.GetRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record error = %v, want ErrNotFound", err)
	}
}

func TestRangeRecordsOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	// Inserted out of timestamp order on purpose.
	insertRecord(t, s, &AnalysisRecord{ID: "r3", SourceID: "a", ScenarioID: "sc-1", AnalyzedAt: base.Add(48 * time.Hour)})
	insertRecord(t, s, &AnalysisRecord{ID: "r1", SourceID: "a", ScenarioID: "sc-1", AnalyzedAt: base})
	insertRecord(t, s, &AnalysisRecord{ID: "r2", SourceID: "a", ScenarioID: "sc-2", AnalyzedAt: base.Add(24 * time.Hour)})
	insertRecord(t, s, &AnalysisRecord{ID: "r4", SourceID: "b", ScenarioID: "sc-1", AnalyzedAt: base.Add(12 * time.Hour)})

	all, err := s.RangeRecords(ctx, RangeOpts{})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	wantOrder := []string{"r1", "r4", "r2", "r3"}
	if len(all) != len(wantOrder) {
		t.Fatalf("records = %d, want %d", len(all), len(wantOrder))
	}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, all[i].ID, id)
		}
	}

	bySource, err := s.RangeRecords(ctx, RangeOpts{SourceID: "a", ScenarioID: "sc-1"})
	if err != nil {
		t.Fatalf("range filtered: %v", err)
	}
	if len(bySource) != 2 || bySource[0].ID != "r1" || bySource[1].ID != "r3" {
		t.Errorf("filtered records = %v", bySource)
	}

	// Until is exclusive: a record exactly at the bound stays out.
	windowed, err := s.RangeRecords(ctx, RangeOpts{
		Since: base.Add(12 * time.Hour),
		Until: base.Add(48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("range windowed: %v", err)
	}
	if len(windowed) != 2 || windowed[0].ID != "r4" || windowed[1].ID != "r2" {
		ids := make([]string, len(windowed))
		for i := range windowed {
			ids[i] = windowed[i].ID
		}
		t.Errorf("windowed records = %v, want [r4 r2]", ids)
	}

	empty, err := s.RangeRecords(ctx, RangeOpts{SourceID: "nobody"})
	if err != nil {
		t.Fatalf("range empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty window returned %d records", len(empty))
	}
}

func TestIdempotencyKeyLookupAndConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	key := "ingest-42"

	insertRecord(t, s, &AnalysisRecord{ID: "r1", SourceID: "a", AnalyzedAt: ts, IdempotencyKey: &key})

	rec, err := s.RecordByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("lookup by key: %v", err)
	}
	if rec.ID != "r1" {
		t.Errorf("record = %s, want r1", rec.ID)
	}

	if _, err := s.RecordByIdempotencyKey(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key error = %v, want ErrNotFound", err)
	}

	// The unique index rejects a second record under the same key.
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertRecord(ctx, &AnalysisRecord{
			ID: "r2", SourceID: "a", AnalyzedAt: ts,
			RawPayload: "{}", IngestedAt: ts, IdempotencyKey: &key,
		})
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("duplicate key error = %v, want ErrStorageUnavailable", err)
	}
}

func TestReprocessPreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	raw := `{"sentiment":{"score":0.9},"topics":["budget"]}`
	old := 0.1

	insertRecord(t, s, &AnalysisRecord{
		ID: "r1", SourceID: "a", AnalyzedAt: ts,
		SchemaVersion: "fallback", Sentiment: &old, Degraded: true,
		ChainID: "chain-7", RawPayload: raw,
	})

	fresh := 0.9
	err := s.ReprocessRecord(ctx, "r1", extract.Fields{
		SchemaVersion: "v3",
		Sentiment:     &fresh,
		Topics:        []string{"budget"},
	})
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}

	rec, err := s.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.SchemaVersion != "v3" || rec.Degraded || rec.Sentiment == nil || *rec.Sentiment != 0.9 {
		t.Errorf("extracted fields = version %s degraded %v sentiment %v", rec.SchemaVersion, rec.Degraded, rec.Sentiment)
	}
	if rec.ChainID != "chain-7" {
		t.Errorf("chain id = %s, want chain-7", rec.ChainID)
	}
	if rec.RawPayload != raw {
		t.Errorf("raw payload changed: %s", rec.RawPayload)
	}
	if !rec.AnalyzedAt.Equal(ts) {
		t.Errorf("analyzed_at changed: %v", rec.AnalyzedAt)
	}

	if err := s.ReprocessRecord(ctx, "missing", extract.Fields{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record error = %v, want ErrNotFound", err)
	}
}

func TestSweepStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	maxGap := 7 * 24 * time.Hour
	window := 30 * 24 * time.Hour

	seed := func(id string, lastAt time.Time) {
		err := s.WithTx(ctx, func(tx *Tx) error {
			return tx.InsertChain(ctx, &TopicChain{
				ID: id, SourceID: "a", Status: ChainActive,
				FirstAt: lastAt.Add(-24 * time.Hour), LastAt: lastAt, MemberCount: 1,
			})
		})
		if err != nil {
			t.Fatalf("seed chain %s: %v", id, err)
		}
	}
	seed("fresh", now.Add(-2*24*time.Hour))
	seed("stale", now.Add(-10*24*time.Hour))
	seed("ancient", now.Add(-40*24*time.Hour))

	dormant, closed, err := s.SweepStatuses(ctx, now, maxGap, window)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if dormant != 1 || closed != 1 {
		t.Errorf("sweep counts = %d dormant, %d closed, want 1/1", dormant, closed)
	}

	wantStatus := map[string]string{"fresh": ChainActive, "stale": ChainDormant, "ancient": ChainClosed}
	for id, want := range wantStatus {
		c, err := s.GetChain(ctx, id)
		if err != nil {
			t.Fatalf("get chain %s: %v", id, err)
		}
		if c.Status != want {
			t.Errorf("chain %s status = %s, want %s", id, c.Status, want)
		}
	}

	// A second sweep is a no-op; statuses only move forward.
	dormant, closed, err = s.SweepStatuses(ctx, now, maxGap, window)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if dormant != 0 || closed != 0 {
		t.Errorf("second sweep counts = %d/%d, want 0/0", dormant, closed)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	failed := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		rec := &AnalysisRecord{ID: "r1", SourceID: "a", AnalyzedAt: ts, RawPayload: "{}", IngestedAt: ts}
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return err
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("tx error = %v, want boom", err)
	}

	if _, err := s.GetRecord(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record survived rollback: err = %v", err)
	}
}
