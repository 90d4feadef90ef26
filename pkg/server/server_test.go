package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/threadline/threadline/internal/store"
	"github.com/threadline/threadline/pkg/chain"
	"github.com/threadline/threadline/pkg/ingest"
	"github.com/threadline/threadline/pkg/report"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.AddSource(context.Background(), &store.Source{ID: "src-1", Active: true}); err != nil {
		t.Fatalf("add source: %v", err)
	}

	linker := chain.New(s, chain.DefaultConfig(), nil)
	ing := ingest.New(s, linker, ingest.CostModel{}, nil)
	reports := report.New(s)
	srv := New(s, ing, linker, reports, nil, 0)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/health", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestIngestEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/ingest", map[string]any{
		"source_id": "src-1",
		"timestamp": time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		"payload": map[string]any{
			"schema_version": "v3",
			"sentiment":      map[string]any{"score": 0.8},
			"topics":         []string{"budget", "transit"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}
	var result ingest.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.RecordID == "" || result.ChainID == "" || result.Degraded {
		t.Fatalf("result = %+v", result)
	}

	var chains []chainView
	getJSON(t, ts.URL+"/api/v1/chains?source_id=src-1", &chains)
	if len(chains) != 1 || chains[0].ChainID != result.ChainID || chains[0].AnalysesCount != 1 {
		t.Fatalf("chains = %+v", chains)
	}

	var steps []evolutionStep
	getJSON(t, ts.URL+"/api/v1/chains/"+result.ChainID+"/evolution", &steps)
	if len(steps) != 1 || len(steps[0].Topics) != 2 {
		t.Fatalf("evolution = %+v", steps)
	}
}

func TestIngestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing source", map[string]any{"timestamp": when}, http.StatusBadRequest},
		{"unknown source", map[string]any{"source_id": "ghost", "timestamp": when}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/ingest", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	resp, err := http.Post(ts.URL+"/api/v1/ingest", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed json status = %d, want 400", resp.StatusCode)
	}
}

func TestInactiveSourceConflict(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/sources", map[string]any{"id": "src-off", "active": false})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add source status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/ingest", map[string]any{
		"source_id": "src-off",
		"timestamp": time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("inactive source status = %d, want 409", resp.StatusCode)
	}
}

func TestReportEndpoints(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/v1/ingest", map[string]any{
		"source_id": "src-1",
		"timestamp": time.Now().UTC(),
		"payload": map[string]any{
			"schema_version": "v3",
			"sentiment":      map[string]any{"score": 0.5},
			"topics":         []string{"budget"},
			"media":          map[string]any{"text": 1},
			"engagement":     map[string]any{"reactions": 3, "comments": 1},
		},
	})

	var trends report.TrendsReport
	resp := getJSON(t, ts.URL+"/api/v1/reports/sentiment-trends?days=3", &trends)
	if resp.StatusCode != http.StatusOK || len(trends.Trends) != 3 {
		t.Errorf("trends = %d, %d buckets", resp.StatusCode, len(trends.Trends))
	}

	var topics report.TopicsReport
	getJSON(t, ts.URL+"/api/v1/reports/top-topics?days=3", &topics)
	if len(topics.Topics) != 1 || topics.Topics[0].Topic != "budget" {
		t.Errorf("topics = %+v", topics)
	}

	var mix report.ContentMixReport
	getJSON(t, ts.URL+"/api/v1/reports/content-mix?days=3", &mix)
	if mix.MediaTypes["text"].Percentage != 100 {
		t.Errorf("mix = %+v", mix)
	}

	var engagement report.EngagementReport
	getJSON(t, ts.URL+"/api/v1/reports/engagement?days=3", &engagement)
	if engagement.TotalReactions != 3 || engagement.TotalComments != 1 {
		t.Errorf("engagement = %+v", engagement)
	}
}

func TestReportParamValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		url  string
		want int
	}{
		{"/api/v1/reports/sentiment-trends?days=abc", http.StatusBadRequest},
		{"/api/v1/reports/sentiment-trends?days=0", http.StatusBadRequest},
		{"/api/v1/reports/sentiment-trends?group_by=month", http.StatusBadRequest},
		{"/api/v1/reports/top-topics?limit=-1", http.StatusBadRequest},
		{"/api/v1/reports/top-topics?limit=abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp := getJSON(t, ts.URL+tt.url, nil)
		if resp.StatusCode != tt.want {
			t.Errorf("%s status = %d, want %d", tt.url, resp.StatusCode, tt.want)
		}
	}
}

func TestChainEvolutionNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts.URL+"/api/v1/chains/missing/evolution", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReprocessEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/ingest", map[string]any{
		"source_id": "src-1",
		"timestamp": time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		"payload":   map[string]any{"mood": "positive"},
	})
	var result ingest.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Degraded {
		t.Fatal("precondition: fallback extraction not degraded")
	}

	resp = postJSON(t, fmt.Sprintf("%s/api/v1/records/%s/reprocess", ts.URL, result.RecordID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reprocess status = %d", resp.StatusCode)
	}
	var rec store.AnalysisRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.ID != result.RecordID || rec.Sentiment == nil || *rec.Sentiment != 0.6 {
		t.Errorf("reprocessed record = %+v", rec)
	}

	resp = postJSON(t, ts.URL+"/api/v1/records/missing/reprocess", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", resp.StatusCode)
	}
}

func TestRelinkEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/sources/src-1/relink", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("relink status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/sources/ghost/relink", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown source relink status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/sources/src-1/relink?from=not-a-time", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad from status = %d, want 400", resp.StatusCode)
	}
}
