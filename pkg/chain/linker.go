// Package chain links sequential analysis records of one source into topic
// chains by topical overlap. Linking is sequentially consistent per source:
// a source-scoped mutex serializes link operations, and each link runs in a
// single store transaction so a failure never leaves a half-updated chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/store"
)

// ErrLinkingFailed marks a failed link operation. The transaction has been
// rolled back; callers retry with the same record.
var ErrLinkingFailed = errors.New("linking failed")

// Config holds the linking thresholds.
type Config struct {
	// LinkThreshold is the minimum Jaccard overlap to join an active chain.
	LinkThreshold float64
	// MaxGap is how long a chain stays active after its last member.
	MaxGap time.Duration
	// ReactivationWindow is how long a dormant chain can still be revived.
	ReactivationWindow time.Duration
	// ReactivationThreshold is the stricter overlap required to revive a
	// dormant chain.
	ReactivationThreshold float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		LinkThreshold:         0.3,
		MaxGap:                7 * 24 * time.Hour,
		ReactivationWindow:    30 * 24 * time.Hour,
		ReactivationThreshold: 0.5,
	}
}

// withDefaults fills unset fields. A threshold of exactly 0 is kept: ties
// still require a positive ratio, so 0 means "any topical overlap links".
// Negative thresholds and non-positive durations fall back to defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LinkThreshold < 0 {
		c.LinkThreshold = d.LinkThreshold
	}
	if c.MaxGap <= 0 {
		c.MaxGap = d.MaxGap
	}
	if c.ReactivationWindow <= 0 {
		c.ReactivationWindow = d.ReactivationWindow
	}
	if c.ReactivationThreshold < 0 {
		c.ReactivationThreshold = d.ReactivationThreshold
	}
	return c
}

// Linker assigns records to topic chains.
type Linker struct {
	store *store.SQLiteStore
	cfg   Config
	log   *slog.Logger

	locks sync.Map // source id -> *sync.Mutex
}

// New creates a linker.
func New(s *store.SQLiteStore, cfg Config, log *slog.Logger) *Linker {
	if log == nil {
		log = slog.Default()
	}
	return &Linker{store: s, cfg: cfg.withDefaults(), log: log}
}

func (l *Linker) sourceLock(sourceID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(sourceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Link appends rec to the store with a chain assignment: the best-overlapping
// eligible chain of its source, or a fresh chain when none qualifies.
// Returns the chain id.
func (l *Linker) Link(ctx context.Context, rec *store.AnalysisRecord) (string, error) {
	mu := l.sourceLock(rec.SourceID)
	mu.Lock()
	defer mu.Unlock()

	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		return l.linkTx(ctx, tx, rec, true)
	})
	if err != nil {
		return "", fmt.Errorf("link record %s: %w: %w", rec.ID, ErrLinkingFailed, err)
	}

	l.log.Debug("record linked",
		"record", rec.ID, "source", rec.SourceID, "chain", rec.ChainID)
	return rec.ChainID, nil
}

// linkTx runs one linking decision inside tx. When insert is false the record
// row already exists and only its chain assignment is written (relink path).
func (l *Linker) linkTx(ctx context.Context, tx *store.Tx, rec *store.AnalysisRecord, insert bool) error {
	cutoff := rec.AnalyzedAt.Add(-l.cfg.ReactivationWindow)
	candidates, err := tx.ChainsBySourceSince(ctx, rec.SourceID, cutoff)
	if err != nil {
		return err
	}

	topics := normalize(rec.Topics)

	var best *store.TopicChain
	bestRatio := 0.0
	for i := range candidates {
		c := &candidates[i]
		gap := rec.AnalyzedAt.Sub(c.LastAt)
		if gap < 0 {
			// Late-arriving record; Relink handles this path.
			continue
		}

		threshold := l.cfg.LinkThreshold
		if gap > l.cfg.MaxGap {
			threshold = l.cfg.ReactivationThreshold
		}

		ratio := jaccard(topics, normalizeKeys(c.TopicCounts))
		// Candidates come newest-first, so a strict comparison breaks
		// ratio ties toward the most recent chain.
		if ratio >= threshold && ratio > bestRatio {
			best = c
			bestRatio = ratio
		}
	}

	if best == nil {
		chain := &store.TopicChain{
			ID:          uuid.NewString(),
			SourceID:    rec.SourceID,
			Status:      store.ChainActive,
			FirstAt:     rec.AnalyzedAt,
			LastAt:      rec.AnalyzedAt,
			TopicCounts: countTopics(nil, topics),
			MemberCount: 1,
		}
		if err := tx.InsertChain(ctx, chain); err != nil {
			return err
		}
		rec.ChainID = chain.ID
	} else {
		best.TopicCounts = countTopics(best.TopicCounts, topics)
		best.MemberCount++
		best.Status = store.ChainActive
		if rec.AnalyzedAt.After(best.LastAt) {
			best.LastAt = rec.AnalyzedAt
		}
		if err := tx.UpdateChain(ctx, best); err != nil {
			return err
		}
		rec.ChainID = best.ID
	}

	if insert {
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return err
		}
	} else if err := tx.AssignChain(ctx, rec.ID, rec.ChainID); err != nil {
		return err
	}

	// Other chains of this source may now be past their idle thresholds.
	_, _, err = tx.SweepStatuses(ctx, rec.SourceID, rec.AnalyzedAt, l.cfg.MaxGap, l.cfg.ReactivationWindow)
	return err
}

// Relink replays linking for a source from a point in time forward. Required
// after out-of-order ingestion: chain assignment is deterministic only over a
// timestamp-ordered history, so a late record invalidates every decision made
// after its timestamp.
func (l *Linker) Relink(ctx context.Context, sourceID string, from time.Time) error {
	mu := l.sourceLock(sourceID)
	mu.Lock()
	defer mu.Unlock()

	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		records, err := tx.RecordsBySourceSince(ctx, sourceID, from)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		affected := make(map[string]bool)
		for _, rec := range records {
			if rec.ChainID != "" {
				affected[rec.ChainID] = true
			}
		}

		if err := tx.DetachRecordsSince(ctx, sourceID, from); err != nil {
			return err
		}

		// Chains that only existed past the replay point disappear; chains
		// straddling it are truncated to their remaining members.
		for chainID := range affected {
			members, err := tx.MembersBefore(ctx, chainID, from)
			if err != nil {
				return err
			}
			if len(members) == 0 {
				if err := tx.DeleteChain(ctx, chainID); err != nil {
					return err
				}
				continue
			}
			chain := rebuildChain(chainID, sourceID, members)
			if err := tx.UpdateChain(ctx, chain); err != nil {
				return err
			}
		}

		for i := range records {
			if err := l.linkTx(ctx, tx, &records[i], false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("relink source %s: %w: %w", sourceID, ErrLinkingFailed, err)
	}

	l.log.Info("source relinked", "source", sourceID, "from", from)
	return nil
}

// RefreshChain recomputes a chain's topic counts, member count and first/last
// timestamps from its current members, keeping its status. Needed after
// reprocessing replaces a member's extracted topics in place.
func (l *Linker) RefreshChain(ctx context.Context, sourceID, chainID string) error {
	mu := l.sourceLock(sourceID)
	mu.Lock()
	defer mu.Unlock()

	current, err := l.store.GetChain(ctx, chainID)
	if err != nil {
		return err
	}

	err = l.store.WithTx(ctx, func(tx *store.Tx) error {
		members, err := tx.Members(ctx, chainID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return tx.DeleteChain(ctx, chainID)
		}
		chain := rebuildChain(chainID, sourceID, members)
		chain.Status = current.Status
		return tx.UpdateChain(ctx, chain)
	})
	if err != nil {
		return fmt.Errorf("refresh chain %s: %w: %w", chainID, ErrLinkingFailed, err)
	}
	return nil
}

// rebuildChain recomputes a chain's aggregates from its member records.
func rebuildChain(chainID, sourceID string, members []store.AnalysisRecord) *store.TopicChain {
	counts := map[string]int{}
	for _, m := range members {
		counts = countTopics(counts, normalize(m.Topics))
	}
	return &store.TopicChain{
		ID:          chainID,
		SourceID:    sourceID,
		Status:      store.ChainActive,
		FirstAt:     members[0].AnalyzedAt,
		LastAt:      members[len(members)-1].AnalyzedAt,
		TopicCounts: counts,
		MemberCount: len(members),
	}
}

// normalize lowercases and trims topic labels, dropping empties and
// duplicates while keeping order.
func normalize(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	var out []string
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func normalizeKeys(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	for k := range counts {
		out = append(out, strings.ToLower(strings.TrimSpace(k)))
	}
	return out
}

func countTopics(counts map[string]int, topics []string) map[string]int {
	if counts == nil {
		counts = map[string]int{}
	}
	for _, t := range topics {
		counts[t]++
	}
	return counts
}

// jaccard returns the Jaccard index of two topic sets, 0 when either is
// empty.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}

	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}

	unionSize := len(setA) + len(setB) - intersection
	if unionSize == 0 {
		return 0
	}
	return float64(intersection) / float64(unionSize)
}
