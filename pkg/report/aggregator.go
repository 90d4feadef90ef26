// Package report computes windowed aggregate reports over analysis records.
// Every operation is stateless per call and read-only: it pulls the matching
// records once and does the math in memory, so a report is either complete
// or an error, never a partial result.
package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/threadline/threadline/internal/store"
)

// ErrInvalidParams marks caller errors: negative windows, unknown groupings.
// Not retryable.
var ErrInvalidParams = errors.New("invalid query parameters")

// Sentiment category thresholds: score > 0.3 positive, < -0.3 negative.
const categoryThreshold = 0.3

// Grouping granularities for sentiment trends.
const (
	GroupByDay  = "day"
	GroupByWeek = "week"
)

// Params selects the records a report runs over.
type Params struct {
	SourceID   string
	ScenarioID string
	Days       int
	GroupBy    string // sentiment trends only
	Limit      int    // top topics only
}

// Distribution counts records per sentiment category.
type Distribution struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

// TrendBucket is one time-bucket of the sentiment trend report.
type TrendBucket struct {
	Date          string       `json:"date"`
	AvgSentiment  *float64     `json:"avg_sentiment_score"`
	Distribution  Distribution `json:"distribution"`
	TotalAnalyses int          `json:"total_analyses"`
}

// TrendsReport is the sentiment_trends response.
type TrendsReport struct {
	Trends     []TrendBucket `json:"trends"`
	PeriodDays int           `json:"period_days"`
	GroupBy    string        `json:"group_by"`
}

// TopicCount is one entry of the top_topics response.
type TopicCount struct {
	Topic        string  `json:"topic"`
	Count        int     `json:"count"`
	AvgSentiment float64 `json:"avg_sentiment"`
}

// TopicsReport is the top_topics response.
type TopicsReport struct {
	Topics      []TopicCount `json:"topics"`
	PeriodDays  int          `json:"period_days"`
	TotalTopics int          `json:"total_topics"`
}

// ProviderUsage aggregates one provider's token and cost totals.
type ProviderUsage struct {
	Requests            int64   `json:"requests"`
	TotalTokens         int64   `json:"total_tokens"`
	RequestTokens       int64   `json:"request_tokens"`
	ResponseTokens      int64   `json:"response_tokens"`
	EstimatedCost       int64   `json:"estimated_cost"`
	AvgTokensPerRequest float64 `json:"avg_tokens_per_request"`
}

// ProviderSummary is the window-level rollup across providers.
type ProviderSummary struct {
	TotalRequests int64 `json:"total_requests"`
	TotalCost     int64 `json:"total_cost"`
	PeriodDays    int   `json:"period_days"`
}

// ProviderReport is the provider_stats response.
type ProviderReport struct {
	Providers map[string]ProviderUsage `json:"providers"`
	Summary   ProviderSummary          `json:"summary"`
}

// MediaStat is one media kind's share of the content mix.
type MediaStat struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// ContentMixReport is the content_mix response. Percentages sum to exactly
// 100 for any non-empty input.
type ContentMixReport struct {
	MediaTypes    map[string]MediaStat `json:"media_types"`
	TotalAnalyses int                  `json:"total_analyses"`
}

// EngagementReport is the engagement_metrics response.
type EngagementReport struct {
	AvgReactionsPerPost float64 `json:"avg_reactions_per_post"`
	AvgCommentsPerPost  float64 `json:"avg_comments_per_post"`
	TotalReactions      int64   `json:"total_reactions"`
	TotalComments       int64   `json:"total_comments"`
	TotalPostsAnalyzed  int     `json:"total_posts_analyzed"`
}

// Aggregator answers windowed queries against the record store.
type Aggregator struct {
	store *store.SQLiteStore

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

// New creates an aggregator reading from s.
func New(s *store.SQLiteStore) *Aggregator {
	return &Aggregator{store: s, Now: time.Now}
}

// window converts a day count into a record range aligned to calendar-day
// buckets: it starts at midnight UTC days-1 days ago, so a 3-day window
// covers exactly 3 bucket days including today.
func (a *Aggregator) window(p Params) (store.RangeOpts, time.Time, time.Time, error) {
	if p.Days <= 0 {
		return store.RangeOpts{}, time.Time{}, time.Time{}, fmt.Errorf("days must be positive, got %d: %w", p.Days, ErrInvalidParams)
	}
	end := a.Now().UTC()
	start := truncateDay(end).AddDate(0, 0, -(p.Days - 1))
	return store.RangeOpts{
		SourceID:   p.SourceID,
		ScenarioID: p.ScenarioID,
		Since:      start,
		Until:      end.Add(time.Nanosecond),
	}, start, end, nil
}

// SentimentTrends partitions the window into gap-free buckets and reports
// record count, average sentiment and category distribution per bucket.
func (a *Aggregator) SentimentTrends(ctx context.Context, p Params) (*TrendsReport, error) {
	groupBy := p.GroupBy
	if groupBy == "" {
		groupBy = GroupByDay
	}
	if groupBy != GroupByDay && groupBy != GroupByWeek {
		return nil, fmt.Errorf("unsupported group_by %q: %w", p.GroupBy, ErrInvalidParams)
	}

	opts, start, end, err := a.window(p)
	if err != nil {
		return nil, err
	}
	records, err := a.store.RangeRecords(ctx, opts)
	if err != nil {
		return nil, err
	}

	truncate := truncateDay
	step := func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	if groupBy == GroupByWeek {
		truncate = truncateWeek
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	}

	type acc struct {
		count        int
		sum          float64
		scored       int
		distribution Distribution
	}
	buckets := make(map[time.Time]*acc)
	var order []time.Time
	for t := truncate(start); !t.After(end); t = step(t) {
		buckets[t] = &acc{}
		order = append(order, t)
	}

	for i := range records {
		rec := &records[i]
		key := truncate(rec.AnalyzedAt.UTC())
		b, ok := buckets[key]
		if !ok {
			continue
		}
		b.count++
		switch {
		case rec.Sentiment == nil:
			b.distribution.Neutral++
		case *rec.Sentiment > categoryThreshold:
			b.distribution.Positive++
			b.sum += *rec.Sentiment
			b.scored++
		case *rec.Sentiment < -categoryThreshold:
			b.distribution.Negative++
			b.sum += *rec.Sentiment
			b.scored++
		default:
			b.distribution.Neutral++
			b.sum += *rec.Sentiment
			b.scored++
		}
	}

	report := &TrendsReport{
		Trends:     make([]TrendBucket, 0, len(order)),
		PeriodDays: p.Days,
		GroupBy:    groupBy,
	}
	for _, t := range order {
		b := buckets[t]
		bucket := TrendBucket{
			Date:          t.Format("2006-01-02"),
			Distribution:  b.distribution,
			TotalAnalyses: b.count,
		}
		if b.scored > 0 {
			avg := b.sum / float64(b.scored)
			bucket.AvgSentiment = &avg
		}
		report.Trends = append(report.Trends, bucket)
	}
	return report, nil
}

// TopTopics flattens topics across matching records, most frequent first,
// ties broken alphabetically.
func (a *Aggregator) TopTopics(ctx context.Context, p Params) (*TopicsReport, error) {
	limit := p.Limit
	if limit == 0 {
		limit = 10
	}
	if limit < 0 {
		return nil, fmt.Errorf("limit must be positive, got %d: %w", p.Limit, ErrInvalidParams)
	}

	opts, _, _, err := a.window(p)
	if err != nil {
		return nil, err
	}
	records, err := a.store.RangeRecords(ctx, opts)
	if err != nil {
		return nil, err
	}

	type acc struct {
		count  int
		sum    float64
		scored int
	}
	topics := make(map[string]*acc)
	for i := range records {
		rec := &records[i]
		for _, topic := range rec.Topics {
			b := topics[topic]
			if b == nil {
				b = &acc{}
				topics[topic] = b
			}
			b.count++
			if rec.Sentiment != nil {
				b.sum += *rec.Sentiment
				b.scored++
			}
		}
	}

	all := make([]TopicCount, 0, len(topics))
	for topic, b := range topics {
		tc := TopicCount{Topic: topic, Count: b.count}
		if b.scored > 0 {
			tc.AvgSentiment = b.sum / float64(b.scored)
		}
		all = append(all, tc)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Topic < all[j].Topic
	})

	total := len(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return &TopicsReport{Topics: all, PeriodDays: p.Days, TotalTopics: total}, nil
}

// ProviderStats groups token usage and cost by provider over the window.
func (a *Aggregator) ProviderStats(ctx context.Context, p Params) (*ProviderReport, error) {
	opts, _, _, err := a.window(p)
	if err != nil {
		return nil, err
	}
	records, err := a.store.RangeRecords(ctx, opts)
	if err != nil {
		return nil, err
	}

	providers := make(map[string]ProviderUsage)
	for i := range records {
		rec := &records[i]
		name := rec.Provider
		if name == "" {
			name = "unknown"
		}
		usage := providers[name]
		usage.Requests++
		if rec.RequestTokens != nil {
			usage.RequestTokens += *rec.RequestTokens
		}
		if rec.ResponseTokens != nil {
			usage.ResponseTokens += *rec.ResponseTokens
		}
		if rec.CostMicros != nil {
			usage.EstimatedCost += *rec.CostMicros
		}
		providers[name] = usage
	}

	summary := ProviderSummary{PeriodDays: p.Days}
	for name, usage := range providers {
		usage.TotalTokens = usage.RequestTokens + usage.ResponseTokens
		if usage.Requests > 0 {
			usage.AvgTokensPerRequest = float64(usage.TotalTokens) / float64(usage.Requests)
		}
		providers[name] = usage
		summary.TotalRequests += usage.Requests
		summary.TotalCost += usage.EstimatedCost
	}

	return &ProviderReport{Providers: providers, Summary: summary}, nil
}

// ContentMix sums media-type counts and converts them to percentages that
// sum to exactly 100: every bucket rounds normally except the largest one,
// which takes the rounding residual.
func (a *Aggregator) ContentMix(ctx context.Context, p Params) (*ContentMixReport, error) {
	opts, _, _, err := a.window(p)
	if err != nil {
		return nil, err
	}
	records, err := a.store.RangeRecords(ctx, opts)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	total := 0
	for i := range records {
		for kind, n := range records[i].MediaCounts {
			counts[kind] += n
			total += n
		}
	}

	mix := make(map[string]MediaStat, len(counts))
	if total > 0 {
		largest := ""
		for kind, n := range counts {
			if largest == "" || n > counts[largest] || (n == counts[largest] && kind < largest) {
				largest = kind
			}
		}

		rounded := 0.0
		for kind, n := range counts {
			if kind == largest {
				continue
			}
			pct := math.Round(float64(n) * 100 / float64(total))
			mix[kind] = MediaStat{Count: n, Percentage: pct}
			rounded += pct
		}
		mix[largest] = MediaStat{Count: counts[largest], Percentage: 100 - rounded}
	}

	return &ContentMixReport{MediaTypes: mix, TotalAnalyses: len(records)}, nil
}

// EngagementMetrics averages per-post reaction and comment counters over the
// window. Zero posts yields zero averages, not an error.
func (a *Aggregator) EngagementMetrics(ctx context.Context, p Params) (*EngagementReport, error) {
	opts, _, _, err := a.window(p)
	if err != nil {
		return nil, err
	}
	records, err := a.store.RangeRecords(ctx, opts)
	if err != nil {
		return nil, err
	}

	report := &EngagementReport{TotalPostsAnalyzed: len(records)}
	for i := range records {
		report.TotalReactions += int64(records[i].Reactions)
		report.TotalComments += int64(records[i].Comments)
	}
	if report.TotalPostsAnalyzed > 0 {
		posts := float64(report.TotalPostsAnalyzed)
		report.AvgReactionsPerPost = float64(report.TotalReactions) / posts
		report.AvgCommentsPerPost = float64(report.TotalComments) / posts
	}
	return report, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// truncateWeek returns the Monday 00:00 UTC of t's ISO week.
func truncateWeek(t time.Time) time.Time {
	t = truncateDay(t)
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return t.AddDate(0, 0, -(weekday - 1))
}
