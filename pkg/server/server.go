// Package server exposes the ingestion and reporting API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/threadline/threadline/internal/store"
	"github.com/threadline/threadline/pkg/chain"
	"github.com/threadline/threadline/pkg/ingest"
	"github.com/threadline/threadline/pkg/report"
)

// Server provides the HTTP API.
type Server struct {
	store   *store.SQLiteStore
	ingest  *ingest.Service
	linker  *chain.Linker
	reports *report.Aggregator
	log     *slog.Logger
	port    int
}

// New creates a new HTTP server.
func New(s *store.SQLiteStore, ing *ingest.Service, linker *chain.Linker, reports *report.Aggregator, log *slog.Logger, port int) *Server {
	if port == 0 {
		port = 8080
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: s, ingest: ing, linker: linker, reports: reports, log: log, port: port}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngest)

		r.Get("/reports/sentiment-trends", s.handleSentimentTrends)
		r.Get("/reports/top-topics", s.handleTopTopics)
		r.Get("/reports/provider-stats", s.handleProviderStats)
		r.Get("/reports/content-mix", s.handleContentMix)
		r.Get("/reports/engagement", s.handleEngagement)

		r.Get("/chains", s.handleChains)
		r.Get("/chains/{chainID}/evolution", s.handleChainEvolution)

		r.Post("/records/{recordID}/reprocess", s.handleReprocess)

		r.Get("/sources", s.handleListSources)
		r.Post("/sources", s.handleAddSource)
		r.Post("/sources/{sourceID}/relink", s.handleRelink)
	})

	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid json: "+err.Error()))
		return
	}

	result, err := s.ingest.Ingest(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSentimentTrends(w http.ResponseWriter, r *http.Request) {
	p, ok := s.reportParams(w, r)
	if !ok {
		return
	}
	p.GroupBy = r.URL.Query().Get("group_by")

	rep, err := s.reports.SentimentTrends(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleTopTopics(w http.ResponseWriter, r *http.Request) {
	p, ok := s.reportParams(w, r)
	if !ok {
		return
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid limit"))
			return
		}
		p.Limit = n
	}

	rep, err := s.reports.TopTopics(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	p, ok := s.reportParams(w, r)
	if !ok {
		return
	}
	rep, err := s.reports.ProviderStats(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleContentMix(w http.ResponseWriter, r *http.Request) {
	p, ok := s.reportParams(w, r)
	if !ok {
		return
	}
	rep, err := s.reports.ContentMix(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	p, ok := s.reportParams(w, r)
	if !ok {
		return
	}
	rep, err := s.reports.EngagementMetrics(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// chainView is the chain listing response shape.
type chainView struct {
	ChainID       string    `json:"chain_id"`
	SourceID      string    `json:"source_id"`
	Status        string    `json:"status"`
	FirstDate     time.Time `json:"first_date"`
	LastDate      time.Time `json:"last_date"`
	AnalysesCount int       `json:"analyses_count"`
	Topics        []string  `json:"topics"`
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	opts := store.ChainListOpts{
		SourceID: r.URL.Query().Get("source_id"),
		Status:   r.URL.Query().Get("status"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errBody("invalid limit"))
			return
		}
		opts.Limit = n
	}

	chains, err := s.store.ListChains(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]chainView, 0, len(chains))
	for _, c := range chains {
		views = append(views, chainView{
			ChainID:       c.ID,
			SourceID:      c.SourceID,
			Status:        c.Status,
			FirstDate:     c.FirstAt,
			LastDate:      c.LastAt,
			AnalysesCount: c.MemberCount,
			Topics:        topicsByFrequency(c.TopicCounts),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// evolutionStep is one member of the chain evolution response.
type evolutionStep struct {
	AnalysisDate time.Time `json:"analysis_date"`
	Topics       []string  `json:"topics"`
	Sentiment    *float64  `json:"sentiment_score"`
	PostURL      string    `json:"post_url,omitempty"`
}

func (s *Server) handleChainEvolution(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")

	if _, err := s.store.GetChain(r.Context(), chainID); err != nil {
		s.writeError(w, err)
		return
	}
	members, err := s.store.ChainMembers(r.Context(), chainID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	steps := make([]evolutionStep, 0, len(members))
	for _, m := range members {
		steps = append(steps, evolutionStep{
			AnalysisDate: m.AnalyzedAt,
			Topics:       m.Topics,
			Sentiment:    m.Sentiment,
			PostURL:      m.PostURL,
		})
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	hint := r.URL.Query().Get("schema_hint")

	rec, err := s.ingest.Reprocess(r.Context(), recordID, hint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var src store.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid json: "+err.Error()))
		return
	}
	if src.ID == "" {
		writeJSON(w, http.StatusBadRequest, errBody("id required"))
		return
	}

	if err := s.store.AddSource(r.Context(), &src); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleRelink(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	from := time.Time{}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid from timestamp"))
			return
		}
		from = t
	}

	if _, err := s.store.GetSource(r.Context(), sourceID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.linker.Relink(r.Context(), sourceID, from); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "relinked"})
}

// reportParams parses the filters shared by all report endpoints.
func (s *Server) reportParams(w http.ResponseWriter, r *http.Request) (report.Params, bool) {
	p := report.Params{
		SourceID:   r.URL.Query().Get("source_id"),
		ScenarioID: r.URL.Query().Get("scenario_id"),
		Days:       30,
	}
	if days := r.URL.Query().Get("days"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid days"))
			return p, false
		}
		p.Days = n
	}
	return p, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, report.ErrInvalidParams), errors.Is(err, ingest.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ingest.ErrUnknownSource):
		status = http.StatusNotFound
	case errors.Is(err, ingest.ErrInactiveSource):
		status = http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable), errors.Is(err, chain.ErrLinkingFailed):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, errBody(err.Error()))
}

func topicsByFrequency(counts map[string]int) []string {
	topics := make([]string, 0, len(counts))
	for t := range counts {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	return topics
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
