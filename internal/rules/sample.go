package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// SampleRules returns a starter rule set for fresh deployments. Loaded
// by main only when the store holds no rules at all.
func SampleRules() []*domain.Rule {
	return []*domain.Rule{
		{
			ID:      "rule-001-large-amount",
			Version: "1",
			Type:    domain.RuleThreshold,
			Label:   "Large single transaction",
			Active:  true,
			Weight:  3.0,
			Params: map[string]any{
				"amount_limit": "10000",
				"currency":     "USD",
			},
		},
		{
			ID:      "rule-002-daily-volume",
			Version: "1",
			Type:    domain.RuleThreshold,
			Label:   "Daily aggregate volume",
			Active:  true,
			Weight:  2.0,
			Params: map[string]any{
				"amount_limit": "25000",
				"currency":     "USD",
				"window":       domain.Window24h,
			},
		},
		{
			ID:      "rule-003-high-risk-geo",
			Version: "1",
			Type:    domain.RuleGeographic,
			Label:   "High-risk counterparty country",
			Active:  true,
			Weight:  2.5,
			Params: map[string]any{
				"country_blocklist": []string{"KP", "IR"},
				"country_watchlist": []string{"PA", "KY", "VG"},
			},
		},
		{
			ID:      "rule-004-amount-deviation",
			Version: "1",
			Type:    domain.RuleBehavioral,
			Label:   "Amount deviation from baseline",
			Active:  true,
			Weight:  2.0,
			Params: map[string]any{
				"deviation_factor":  3.0,
				"min_history_count": 10,
			},
		},
		{
			ID:      "rule-005-structuring",
			Version: "1",
			Type:    domain.RulePattern,
			Label:   "Structuring under reporting threshold",
			Active:  true,
			Weight:  3.0,
			Params: map[string]any{
				"pattern_kind":     domain.PatternStructuring,
				"lookback_count":   10,
				"threshold_amount": "10000",
				"margin_pct":       0.1,
				"min_count":        3,
			},
		},
		{
			ID:      "rule-006-round-trip",
			Version: "1",
			Type:    domain.RulePattern,
			Label:   "Rapid round-trip transfers",
			Active:  true,
			Weight:  2.5,
			Filter:  `channel == "wire" || channel == "online"`,
			Params: map[string]any{
				"pattern_kind":   domain.PatternRoundTrip,
				"lookback_count": 10,
			},
		},
	}
}
