// Package extract turns raw AI analysis payloads into normalized fields.
// Payload shapes changed across producer versions; extraction tries each
// known schema in descending recency and falls back to a mood heuristic, so
// it never fails — missing data degrades to defaults and is flagged.
package extract

import (
	"strconv"
	"strings"
)

// Fields are the normalized values extracted from one raw analysis payload.
type Fields struct {
	SchemaVersion  string
	Sentiment      *float64
	Topics         []string
	RequestTokens  *int64
	ResponseTokens *int64
	Provider       string
	CostMicros     *int64
	MediaCounts    map[string]int
	Reactions      int
	Comments       int
	PostURL        string
	Degraded       bool
}

// moodScores maps the free-text "mood" of the oldest payloads to a score.
var moodScores = map[string]float64{
	"positive": 0.6,
	"negative": -0.6,
	"neutral":  0.0,
}

type strategy struct {
	name  string
	apply func(raw map[string]any) (Fields, bool)
}

// Known schemas, most recent first.
var strategies = []strategy{
	{"v3", extractV3},
	{"v2", extractV2},
	{"v1", extractV1},
}

// Extract reads one raw payload. Resolution order: explicit hint, embedded
// version marker, then every known schema newest-first, then the mood
// fallback. A schema only matches when it yields topics or a sentiment.
func Extract(raw map[string]any, hint string) Fields {
	if raw == nil {
		return fallback(nil)
	}

	if hint != "" {
		for _, s := range strategies {
			if s.name == hint {
				if f, ok := s.apply(raw); ok {
					return f
				}
				break
			}
		}
	}

	if marker := versionMarker(raw); marker != "" {
		for _, s := range strategies {
			if s.name == marker {
				if f, ok := s.apply(raw); ok {
					return f
				}
				break
			}
		}
	}

	for _, s := range strategies {
		if f, ok := s.apply(raw); ok {
			return f
		}
	}

	return fallback(raw)
}

// versionMarker reads the payload's own version tag, if any.
func versionMarker(raw map[string]any) string {
	if v, ok := stringField(raw, "schema_version"); ok {
		return v
	}
	if v, ok := numberField(raw, "version"); ok {
		return "v" + strconv.Itoa(int(v))
	}
	if v, ok := stringField(raw, "version"); ok {
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		return v
	}
	return ""
}

// extractV3 reads the current producer shape: nested sentiment object,
// topics list, usage with input/output tokens, media and engagement blocks.
// Matching requires v3's distinctive structure so flat legacy payloads fall
// through to their own schema.
func extractV3(raw map[string]any) (Fields, bool) {
	sentiment, hasSentiment := mapField(raw, "sentiment")
	_, hasUsage := mapField(raw, "usage")
	if !hasSentiment && !hasUsage && versionMarker(raw) != "v3" {
		return Fields{}, false
	}

	f := Fields{SchemaVersion: "v3"}
	if hasSentiment {
		if score, ok := numberField(sentiment, "score"); ok {
			f.Sentiment = ptr(clamp(score))
		}
	}
	f.Topics = stringSlice(raw["topics"])

	if f.Sentiment == nil && len(f.Topics) == 0 {
		return Fields{}, false
	}
	if f.Sentiment == nil || len(f.Topics) == 0 {
		f.Degraded = true
		if f.Sentiment == nil {
			f.Sentiment = ptr(0.0)
		}
	}

	if usage, ok := mapField(raw, "usage"); ok {
		f.RequestTokens = intPtrField(usage, "input_tokens")
		f.ResponseTokens = intPtrField(usage, "output_tokens")
	} else {
		f.Degraded = true
	}
	f.Provider, _ = stringField(raw, "provider")
	f.CostMicros = intPtrField(raw, "cost_micros")
	f.MediaCounts = intMap(raw["media"])
	if eng, ok := mapField(raw, "engagement"); ok {
		f.Reactions = intField(eng, "reactions")
		f.Comments = intField(eng, "comments")
	}
	f.PostURL, _ = stringField(raw, "post_url")
	return f, true
}

// extractV2 reads the intermediate shape: analysis wrapper object with a flat
// sentiment_score and key_topics, OpenAI-style usage names.
func extractV2(raw map[string]any) (Fields, bool) {
	analysis, ok := mapField(raw, "analysis")
	if !ok {
		return Fields{}, false
	}

	f := Fields{SchemaVersion: "v2"}
	if score, ok := numberField(analysis, "sentiment_score"); ok {
		f.Sentiment = ptr(clamp(score))
	}
	f.Topics = stringSlice(analysis["key_topics"])

	if f.Sentiment == nil && len(f.Topics) == 0 {
		return Fields{}, false
	}
	if f.Sentiment == nil || len(f.Topics) == 0 {
		f.Degraded = true
		if f.Sentiment == nil {
			f.Sentiment = ptr(0.0)
		}
	}

	if usage, ok := mapField(raw, "usage"); ok {
		f.RequestTokens = intPtrField(usage, "prompt_tokens")
		f.ResponseTokens = intPtrField(usage, "completion_tokens")
	} else {
		f.Degraded = true
	}
	f.Provider, _ = stringField(raw, "model_provider")
	f.MediaCounts = intMap(analysis["media_breakdown"])
	if eng, ok := mapField(analysis, "engagement"); ok {
		f.Reactions = intField(eng, "reactions")
		f.Comments = intField(eng, "comments")
	}
	f.PostURL, _ = stringField(raw, "post_url")
	return f, true
}

// extractV1 reads the original flat shape. Topics may be a list or a
// comma-separated string.
func extractV1(raw map[string]any) (Fields, bool) {
	f := Fields{SchemaVersion: "v1"}
	if score, ok := numberField(raw, "sentiment"); ok {
		f.Sentiment = ptr(clamp(score))
	}

	switch topics := raw["topics"].(type) {
	case string:
		for _, t := range strings.Split(topics, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Topics = append(f.Topics, t)
			}
		}
	default:
		f.Topics = stringSlice(topics)
	}

	if f.Sentiment == nil && len(f.Topics) == 0 {
		return Fields{}, false
	}
	if f.Sentiment == nil || len(f.Topics) == 0 {
		f.Degraded = true
		if f.Sentiment == nil {
			f.Sentiment = ptr(0.0)
		}
	}

	f.RequestTokens = intPtrField(raw, "tokens_in")
	f.ResponseTokens = intPtrField(raw, "tokens_out")
	if f.RequestTokens == nil && f.ResponseTokens == nil {
		f.Degraded = true
	}
	f.Provider, _ = stringField(raw, "provider")
	return f, true
}

// fallback maps a free-text mood through the mood table. Always degraded.
func fallback(raw map[string]any) Fields {
	f := Fields{
		Sentiment: ptr(0.0),
		Topics:    []string{},
		Degraded:  true,
	}
	if raw == nil {
		return f
	}
	if mood, ok := stringField(raw, "mood"); ok {
		if score, known := moodScores[strings.ToLower(strings.TrimSpace(mood))]; known {
			f.Sentiment = ptr(score)
		}
	}
	f.Provider, _ = stringField(raw, "provider")
	return f
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func ptr[T any](v T) *T { return &v }

func mapField(raw map[string]any, key string) (map[string]any, bool) {
	m, ok := raw[key].(map[string]any)
	return m, ok
}

func stringField(raw map[string]any, key string) (string, bool) {
	s, ok := raw[key].(string)
	return s, ok && s != ""
}

// numberField accepts JSON numbers and numeric strings.
func numberField(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func intField(raw map[string]any, key string) int {
	v, _ := numberField(raw, key)
	return int(v)
}

func intPtrField(raw map[string]any, key string) *int64 {
	if v, ok := numberField(raw, key); ok {
		return ptr(int64(v))
	}
	return nil
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func intMap(v any) map[string]int {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, raw := range m {
		if n, ok := raw.(float64); ok {
			out[k] = int(n)
		}
	}
	return out
}
