package ingest

import "strings"

// Rate prices tokens for one provider, in cost micro-units per 1000 tokens.
type Rate struct {
	RequestMicrosPer1K  int64
	ResponseMicrosPer1K int64
}

func (r Rate) zero() bool {
	return r.RequestMicrosPer1K == 0 && r.ResponseMicrosPer1K == 0
}

// CostModel estimates analysis cost from token usage when the payload did
// not report one. Rates are configured per provider with a default rate for
// everything else.
type CostModel struct {
	Default   Rate
	Providers map[string]Rate
}

// Estimate returns the estimated cost in micro-units, or nil when token
// counts are absent or no rate is configured for the provider.
func (m CostModel) Estimate(provider string, requestTokens, responseTokens *int64) *int64 {
	if requestTokens == nil && responseTokens == nil {
		return nil
	}

	rate, ok := m.Providers[strings.ToLower(provider)]
	if !ok {
		rate = m.Default
	}
	if rate.zero() {
		return nil
	}

	var cost int64
	if requestTokens != nil {
		cost += *requestTokens * rate.RequestMicrosPer1K / 1000
	}
	if responseTokens != nil {
		cost += *responseTokens * rate.ResponseMicrosPer1K / 1000
	}
	return &cost
}
