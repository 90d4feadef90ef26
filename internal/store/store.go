package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/threadline/threadline/pkg/extract"
)

// ErrStorageUnavailable marks failures of the underlying database.
// Callers should retry the operation with the same input.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned when a record, chain or source does not exist.
var ErrNotFound = errors.New("not found")

// Chain lifecycle statuses.
const (
	ChainActive  = "active"
	ChainDormant = "dormant"
	ChainClosed  = "closed"
)

// Source is a monitored account or group registered for analysis.
type Source struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AnalysisRecord is one normalized AI analysis result. Extracted fields are
// immutable after append; only Reprocess may replace them, and it preserves
// identity, chain assignment and the raw payload.
type AnalysisRecord struct {
	ID             string         `json:"id" db:"id"`
	SourceID       string         `json:"source_id" db:"source_id"`
	ScenarioID     string         `json:"scenario_id,omitempty" db:"scenario_id"`
	AnalyzedAt     time.Time      `json:"analyzed_at" db:"analyzed_at"`
	SchemaVersion  string         `json:"schema_version,omitempty" db:"schema_version"`
	Sentiment      *float64       `json:"sentiment_score" db:"sentiment"`
	Topics         []string       `json:"topics" db:"-"`
	RequestTokens  *int64         `json:"request_tokens" db:"request_tokens"`
	ResponseTokens *int64         `json:"response_tokens" db:"response_tokens"`
	Provider       string         `json:"provider,omitempty" db:"provider"`
	CostMicros     *int64         `json:"estimated_cost_micros" db:"cost_micros"`
	MediaCounts    map[string]int `json:"media_counts" db:"-"`
	Reactions      int            `json:"reactions" db:"reactions"`
	Comments       int            `json:"comments" db:"comments"`
	PostURL        string         `json:"post_url,omitempty" db:"post_url"`
	Degraded       bool           `json:"extraction_degraded" db:"degraded"`
	ChainID        string         `json:"chain_id,omitempty" db:"chain_id"`
	RawPayload     string         `json:"-" db:"raw_payload"`
	IdempotencyKey *string        `json:"-" db:"idempotency_key"`
	IngestedAt     time.Time      `json:"ingested_at" db:"ingested_at"`
	TopicsJSON     string         `json:"-" db:"topics"`
	MediaJSON      string         `json:"-" db:"media_counts"`
}

func (r *AnalysisRecord) pack() {
	topics, _ := json.Marshal(r.Topics)
	r.TopicsJSON = string(topics)
	media := r.MediaCounts
	if media == nil {
		media = map[string]int{}
	}
	mediaJSON, _ := json.Marshal(media)
	r.MediaJSON = string(mediaJSON)
}

func (r *AnalysisRecord) unpack() {
	json.Unmarshal([]byte(r.TopicsJSON), &r.Topics)
	json.Unmarshal([]byte(r.MediaJSON), &r.MediaCounts)
}

// TopicChain is a continuity thread of analysis records for one source.
// Membership is derived from analysis_records.chain_id; the chain row carries
// the aggregated topic counts and the first/last member timestamps.
type TopicChain struct {
	ID              string         `json:"chain_id" db:"id"`
	SourceID        string         `json:"source_id" db:"source_id"`
	Status          string         `json:"status" db:"status"`
	FirstAt         time.Time      `json:"first_date" db:"first_at"`
	LastAt          time.Time      `json:"last_date" db:"last_at"`
	TopicCounts     map[string]int `json:"-" db:"-"`
	MemberCount     int            `json:"analyses_count" db:"member_count"`
	TopicCountsJSON string         `json:"-" db:"topic_counts"`
}

func (c *TopicChain) pack() {
	counts := c.TopicCounts
	if counts == nil {
		counts = map[string]int{}
	}
	b, _ := json.Marshal(counts)
	c.TopicCountsJSON = string(b)
}

func (c *TopicChain) unpack() {
	json.Unmarshal([]byte(c.TopicCountsJSON), &c.TopicCounts)
}

// RangeOpts filters a record range query. Zero values mean "no filter".
type RangeOpts struct {
	SourceID   string
	ScenarioID string
	Since      time.Time
	Until      time.Time
}

// ChainListOpts filters chain listing.
type ChainListOpts struct {
	SourceID string
	Status   string
	Limit    int
}

// SQLiteStore is the append-only ledger of analysis records plus the chain
// and source tables, backed by SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorageUnavailable)
}

// AddSource registers a monitored source. Re-registering updates name and
// active flag.
func (s *SQLiteStore) AddSource(ctx context.Context, src *Source) error {
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active
	`, src.ID, src.Name, src.Active, src.CreatedAt)
	if err != nil {
		return storageErr(fmt.Sprintf("add source %s", src.ID), err)
	}
	return nil
}

// GetSource looks up a registered source by id.
func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*Source, error) {
	var src Source
	err := s.db.GetContext(ctx, &src, "SELECT * FROM sources WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get source %s", id), err)
	}
	return &src, nil
}

// ListSources returns all registered sources ordered by id.
func (s *SQLiteStore) ListSources(ctx context.Context) ([]Source, error) {
	var sources []Source
	if err := s.db.SelectContext(ctx, &sources, "SELECT * FROM sources ORDER BY id"); err != nil {
		return nil, storageErr("list sources", err)
	}
	return sources, nil
}

// GetRecord fetches one record by id.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM analysis_records WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get record %s", id), err)
	}
	rec.unpack()
	return &rec, nil
}

// RecordByIdempotencyKey returns the record previously ingested under the
// given key, or ErrNotFound.
func (s *SQLiteStore) RecordByIdempotencyKey(ctx context.Context, key string) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM analysis_records WHERE idempotency_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("record by idempotency key", err)
	}
	rec.unpack()
	return &rec, nil
}

// RangeRecords returns records matching opts, ascending by analysis
// timestamp. An empty window yields an empty slice, never an error.
func (s *SQLiteStore) RangeRecords(ctx context.Context, opts RangeOpts) ([]AnalysisRecord, error) {
	q := sq.Select("*").From("analysis_records").OrderBy("analyzed_at ASC, id ASC")
	if opts.SourceID != "" {
		q = q.Where(sq.Eq{"source_id": opts.SourceID})
	}
	if opts.ScenarioID != "" {
		q = q.Where(sq.Eq{"scenario_id": opts.ScenarioID})
	}
	if !opts.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"analyzed_at": opts.Since})
	}
	if !opts.Until.IsZero() {
		q = q.Where(sq.Lt{"analyzed_at": opts.Until})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build range query: %w", err)
	}

	records := []AnalysisRecord{}
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, storageErr("range records", err)
	}
	for i := range records {
		records[i].unpack()
	}
	return records, nil
}

// ChainMembers returns the records of a chain ascending by timestamp.
func (s *SQLiteStore) ChainMembers(ctx context.Context, chainID string) ([]AnalysisRecord, error) {
	records := []AnalysisRecord{}
	err := s.db.SelectContext(ctx, &records,
		"SELECT * FROM analysis_records WHERE chain_id = ? ORDER BY analyzed_at ASC, id ASC", chainID)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("chain members %s", chainID), err)
	}
	for i := range records {
		records[i].unpack()
	}
	return records, nil
}

// GetChain fetches one chain by id.
func (s *SQLiteStore) GetChain(ctx context.Context, id string) (*TopicChain, error) {
	var c TopicChain
	err := s.db.GetContext(ctx, &c, "SELECT * FROM topic_chains WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get chain %s", id), err)
	}
	c.unpack()
	return &c, nil
}

// ListChains returns chains matching opts, most recently updated first.
func (s *SQLiteStore) ListChains(ctx context.Context, opts ChainListOpts) ([]TopicChain, error) {
	q := sq.Select("*").From("topic_chains").OrderBy("last_at DESC")
	if opts.SourceID != "" {
		q = q.Where(sq.Eq{"source_id": opts.SourceID})
	}
	if opts.Status != "" {
		q = q.Where(sq.Eq{"status": opts.Status})
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q = q.Limit(uint64(limit))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build chain query: %w", err)
	}

	chains := []TopicChain{}
	if err := s.db.SelectContext(ctx, &chains, query, args...); err != nil {
		return nil, storageErr("list chains", err)
	}
	for i := range chains {
		chains[i].unpack()
	}
	return chains, nil
}

// ReprocessRecord replaces the extracted fields of a record with a fresh
// extraction, keeping its identity, raw payload and chain assignment.
func (s *SQLiteStore) ReprocessRecord(ctx context.Context, id string, f extract.Fields) error {
	topicsJSON, _ := json.Marshal(f.Topics)
	media := f.MediaCounts
	if media == nil {
		media = map[string]int{}
	}
	mediaJSON, _ := json.Marshal(media)

	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_records SET
			schema_version = ?, sentiment = ?, topics = ?,
			request_tokens = ?, response_tokens = ?, provider = ?,
			cost_micros = ?, media_counts = ?, reactions = ?, comments = ?,
			post_url = ?, degraded = ?
		WHERE id = ?
	`, f.SchemaVersion, f.Sentiment, string(topicsJSON),
		f.RequestTokens, f.ResponseTokens, f.Provider,
		f.CostMicros, string(mediaJSON), f.Reactions, f.Comments,
		f.PostURL, f.Degraded, id)
	if err != nil {
		return storageErr(fmt.Sprintf("reprocess record %s", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

// SweepStatuses transitions idle chains to dormant or closed as of the given
// time. Statuses only move forward; dormant chains are revived through
// linking, never by the sweep.
func (s *SQLiteStore) SweepStatuses(ctx context.Context, asOf time.Time, maxGap, reactivationWindow time.Duration) (dormant, closed int64, err error) {
	return sweepStatuses(ctx, s.db, "", asOf, maxGap, reactivationWindow)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sweepStatuses(ctx context.Context, e execer, sourceID string, asOf time.Time, maxGap, reactivationWindow time.Duration) (dormant, closed int64, err error) {
	closedBefore := asOf.Add(-reactivationWindow)
	dormantBefore := asOf.Add(-maxGap)

	closeQ := "UPDATE topic_chains SET status = 'closed' WHERE last_at < ? AND status != 'closed'"
	closeArgs := []any{closedBefore}
	dormantQ := "UPDATE topic_chains SET status = 'dormant' WHERE last_at < ? AND last_at >= ? AND status = 'active'"
	dormantArgs := []any{dormantBefore, closedBefore}
	if sourceID != "" {
		closeQ += " AND source_id = ?"
		closeArgs = append(closeArgs, sourceID)
		dormantQ += " AND source_id = ?"
		dormantArgs = append(dormantArgs, sourceID)
	}

	res, err := e.ExecContext(ctx, closeQ, closeArgs...)
	if err != nil {
		return 0, 0, storageErr("sweep closed", err)
	}
	closed, _ = res.RowsAffected()

	res, err = e.ExecContext(ctx, dormantQ, dormantArgs...)
	if err != nil {
		return 0, 0, storageErr("sweep dormant", err)
	}
	dormant, _ = res.RowsAffected()
	return dormant, closed, nil
}

// Tx exposes the store operations the chain linker needs inside one
// transaction, so a link either fully applies or fully rolls back.
type Tx struct {
	tx *sqlx.Tx
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit tx", err)
	}
	return nil
}

// InsertRecord appends a record. The caller assigns identity.
func (t *Tx) InsertRecord(ctx context.Context, rec *AnalysisRecord) error {
	rec.pack()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO analysis_records (
			id, source_id, scenario_id, analyzed_at, schema_version,
			sentiment, topics, request_tokens, response_tokens, provider,
			cost_micros, media_counts, reactions, comments, post_url,
			degraded, chain_id, raw_payload, idempotency_key, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SourceID, rec.ScenarioID, rec.AnalyzedAt, rec.SchemaVersion,
		rec.Sentiment, rec.TopicsJSON, rec.RequestTokens, rec.ResponseTokens, rec.Provider,
		rec.CostMicros, rec.MediaJSON, rec.Reactions, rec.Comments, rec.PostURL,
		rec.Degraded, rec.ChainID, rec.RawPayload, rec.IdempotencyKey, rec.IngestedAt)
	if err != nil {
		return storageErr(fmt.Sprintf("insert record %s", rec.ID), err)
	}
	return nil
}

// ChainsBySourceSince returns the source's chains whose last member is at or
// after since, most recent first. These are the linking candidates. Stored
// status is ignored on purpose: eligibility is a function of the candidate
// record's timestamp, so a replayed record sees the same candidates it would
// have seen arriving in order.
func (t *Tx) ChainsBySourceSince(ctx context.Context, sourceID string, since time.Time) ([]TopicChain, error) {
	chains := []TopicChain{}
	err := t.tx.SelectContext(ctx, &chains, `
		SELECT * FROM topic_chains
		WHERE source_id = ? AND last_at >= ?
		ORDER BY last_at DESC, id ASC
	`, sourceID, since)
	if err != nil {
		return nil, storageErr("chains by source", err)
	}
	for i := range chains {
		chains[i].unpack()
	}
	return chains, nil
}

// ChainsBySource returns all chains of a source, oldest first.
func (t *Tx) ChainsBySource(ctx context.Context, sourceID string) ([]TopicChain, error) {
	chains := []TopicChain{}
	err := t.tx.SelectContext(ctx, &chains,
		"SELECT * FROM topic_chains WHERE source_id = ? ORDER BY first_at ASC, id ASC", sourceID)
	if err != nil {
		return nil, storageErr("chains by source", err)
	}
	for i := range chains {
		chains[i].unpack()
	}
	return chains, nil
}

// InsertChain creates a chain row.
func (t *Tx) InsertChain(ctx context.Context, c *TopicChain) error {
	c.pack()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO topic_chains (id, source_id, status, first_at, last_at, topic_counts, member_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SourceID, c.Status, c.FirstAt, c.LastAt, c.TopicCountsJSON, c.MemberCount)
	if err != nil {
		return storageErr(fmt.Sprintf("insert chain %s", c.ID), err)
	}
	return nil
}

// UpdateChain rewrites a chain's mutable fields.
func (t *Tx) UpdateChain(ctx context.Context, c *TopicChain) error {
	c.pack()
	_, err := t.tx.ExecContext(ctx, `
		UPDATE topic_chains SET status = ?, first_at = ?, last_at = ?, topic_counts = ?, member_count = ?
		WHERE id = ?
	`, c.Status, c.FirstAt, c.LastAt, c.TopicCountsJSON, c.MemberCount, c.ID)
	if err != nil {
		return storageErr(fmt.Sprintf("update chain %s", c.ID), err)
	}
	return nil
}

// DeleteChain removes a chain row. Used only by relinking when every member
// of the chain is being replayed.
func (t *Tx) DeleteChain(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM topic_chains WHERE id = ?", id); err != nil {
		return storageErr(fmt.Sprintf("delete chain %s", id), err)
	}
	return nil
}

// RecordsBySourceSince returns the source's records with analyzed_at >= since,
// ascending. Used by relinking to replay history.
func (t *Tx) RecordsBySourceSince(ctx context.Context, sourceID string, since time.Time) ([]AnalysisRecord, error) {
	records := []AnalysisRecord{}
	err := t.tx.SelectContext(ctx, &records, `
		SELECT * FROM analysis_records
		WHERE source_id = ? AND analyzed_at >= ?
		ORDER BY analyzed_at ASC, id ASC
	`, sourceID, since)
	if err != nil {
		return nil, storageErr("records by source", err)
	}
	for i := range records {
		records[i].unpack()
	}
	return records, nil
}

// Members returns all records of a chain, ascending.
func (t *Tx) Members(ctx context.Context, chainID string) ([]AnalysisRecord, error) {
	records := []AnalysisRecord{}
	err := t.tx.SelectContext(ctx, &records, `
		SELECT * FROM analysis_records
		WHERE chain_id = ?
		ORDER BY analyzed_at ASC, id ASC
	`, chainID)
	if err != nil {
		return nil, storageErr("chain members", err)
	}
	for i := range records {
		records[i].unpack()
	}
	return records, nil
}

// MembersBefore returns the chain's records with analyzed_at < before,
// ascending. Used by relinking to rebuild a truncated chain's aggregates.
func (t *Tx) MembersBefore(ctx context.Context, chainID string, before time.Time) ([]AnalysisRecord, error) {
	records := []AnalysisRecord{}
	err := t.tx.SelectContext(ctx, &records, `
		SELECT * FROM analysis_records
		WHERE chain_id = ? AND analyzed_at < ?
		ORDER BY analyzed_at ASC, id ASC
	`, chainID, before)
	if err != nil {
		return nil, storageErr("members before", err)
	}
	for i := range records {
		records[i].unpack()
	}
	return records, nil
}

// AssignChain points a record at a chain.
func (t *Tx) AssignChain(ctx context.Context, recordID, chainID string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE analysis_records SET chain_id = ? WHERE id = ?", chainID, recordID)
	if err != nil {
		return storageErr(fmt.Sprintf("assign chain %s", recordID), err)
	}
	return nil
}

// DetachRecordsSince clears the chain assignment of the source's records from
// the given time forward.
func (t *Tx) DetachRecordsSince(ctx context.Context, sourceID string, since time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE analysis_records SET chain_id = '' WHERE source_id = ? AND analyzed_at >= ?", sourceID, since)
	if err != nil {
		return storageErr("detach records", err)
	}
	return nil
}

// SweepStatuses recomputes dormant/closed transitions for one source inside
// the transaction.
func (t *Tx) SweepStatuses(ctx context.Context, sourceID string, asOf time.Time, maxGap, reactivationWindow time.Duration) (dormant, closed int64, err error) {
	return sweepStatuses(ctx, t.tx, sourceID, asOf, maxGap, reactivationWindow)
}
