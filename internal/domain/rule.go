package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType discriminates the closed set of detection rule variants.
type RuleType string

const (
	RuleThreshold  RuleType = "THRESHOLD"
	RulePattern    RuleType = "PATTERN"
	RuleBehavioral RuleType = "BEHAVIORAL"
	RuleGeographic RuleType = "GEOGRAPHIC"
)

// Window names for aggregation lookbacks.
const (
	Window1h  = "1h"
	Window24h = "24h"
	Window7d  = "7d"
	Window30d = "30d"
)

// Pattern kinds recognized by PATTERN rules.
const (
	PatternStructuring = "structuring"
	PatternRoundTrip   = "round_trip"
)

// Rule is a configured detection check. Params carries loosely-typed
// key/value configuration whose shape depends on Type; it is validated
// into a typed per-type struct at activation, never in the hot path.
// Rules are addressed by ID plus Version so config history can be kept.
type Rule struct {
	ID      string   `json:"id"`
	Version string   `json:"version"`
	Type    RuleType `json:"type"`
	Label   string   `json:"label"`
	Active  bool     `json:"active"`

	// Weight is the severity contribution when the rule triggers.
	Weight float64 `json:"weight"`

	// Filter is an optional CEL expression scoping which transactions
	// the rule applies to. Compiled and type-checked at activation.
	Filter string `json:"filter,omitempty"`

	Params map[string]any `json:"params"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleResult is the verdict of one rule against one transaction.
type RuleResult struct {
	RuleID      string  `json:"ruleId"`
	RuleVersion string  `json:"ruleVersion"`
	Triggered   bool    `json:"triggered"`
	Severity    float64 `json:"severity"`
	Explanation string  `json:"explanation"`

	// Err records an isolated evaluation failure. A failed rule never
	// triggers and never aborts the remaining rules.
	Err string `json:"err,omitempty"`
}

// ThresholdParams is the validated configuration of a THRESHOLD rule.
type ThresholdParams struct {
	AmountLimit decimal.Decimal
	Currency    string
	// Window enables the aggregation threshold over the named lookback.
	// Empty means the rule checks single-transaction amounts only.
	Window string
}

// GeographicParams is the validated configuration of a GEOGRAPHIC rule.
type GeographicParams struct {
	Blocklist map[string]bool
	Watchlist map[string]bool
}

// BehavioralParams is the validated configuration of a BEHAVIORAL rule.
type BehavioralParams struct {
	DeviationFactor float64
	MinHistoryCount int
}

// PatternParams is the validated configuration of a PATTERN rule.
type PatternParams struct {
	Kind          string
	LookbackCount int

	// Structuring: transactions within MarginPct below ThresholdAmount
	// count toward MinCount.
	ThresholdAmount decimal.Decimal
	MarginPct       float64
	MinCount        int
}

// ParseThresholdParams validates THRESHOLD configuration.
func (r *Rule) ParseThresholdParams() (*ThresholdParams, error) {
	limit, err := paramDecimal(r.Params, "amount_limit")
	if err != nil {
		return nil, err
	}
	if limit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount_limit must be positive", ErrRuleConfig)
	}
	currency, err := paramString(r.Params, "currency")
	if err != nil {
		return nil, err
	}
	window, ok, err := paramOptString(r.Params, "window")
	if err != nil {
		return nil, err
	}
	if ok && !validWindow(window) {
		return nil, fmt.Errorf("%w: unknown window %q", ErrRuleConfig, window)
	}
	return &ThresholdParams{AmountLimit: limit, Currency: currency, Window: window}, nil
}

// ParseGeographicParams validates GEOGRAPHIC configuration. At least one
// of the two country lists must be non-empty.
func (r *Rule) ParseGeographicParams() (*GeographicParams, error) {
	block, err := paramStringSet(r.Params, "country_blocklist")
	if err != nil {
		return nil, err
	}
	watch, err := paramStringSet(r.Params, "country_watchlist")
	if err != nil {
		return nil, err
	}
	if len(block) == 0 && len(watch) == 0 {
		return nil, fmt.Errorf("%w: geographic rule needs a blocklist or watchlist", ErrRuleConfig)
	}
	return &GeographicParams{Blocklist: block, Watchlist: watch}, nil
}

// ParseBehavioralParams validates BEHAVIORAL configuration.
func (r *Rule) ParseBehavioralParams() (*BehavioralParams, error) {
	factor, err := paramFloat(r.Params, "deviation_factor")
	if err != nil {
		return nil, err
	}
	if factor <= 0 {
		return nil, fmt.Errorf("%w: deviation_factor must be positive", ErrRuleConfig)
	}
	minHist, err := paramInt(r.Params, "min_history_count")
	if err != nil {
		return nil, err
	}
	if minHist < 1 {
		return nil, fmt.Errorf("%w: min_history_count must be at least 1", ErrRuleConfig)
	}
	return &BehavioralParams{DeviationFactor: factor, MinHistoryCount: minHist}, nil
}

// ParsePatternParams validates PATTERN configuration.
func (r *Rule) ParsePatternParams() (*PatternParams, error) {
	kind, err := paramString(r.Params, "pattern_kind")
	if err != nil {
		return nil, err
	}
	lookback, err := paramInt(r.Params, "lookback_count")
	if err != nil {
		return nil, err
	}
	if lookback < 2 {
		return nil, fmt.Errorf("%w: lookback_count must be at least 2", ErrRuleConfig)
	}

	p := &PatternParams{Kind: kind, LookbackCount: lookback, MarginPct: 0.10, MinCount: 3}

	switch kind {
	case PatternStructuring:
		limit, err := paramDecimal(r.Params, "threshold_amount")
		if err != nil {
			return nil, err
		}
		if limit.Sign() <= 0 {
			return nil, fmt.Errorf("%w: threshold_amount must be positive", ErrRuleConfig)
		}
		p.ThresholdAmount = limit
		if v, ok, err := paramOptFloat(r.Params, "margin_pct"); err != nil {
			return nil, err
		} else if ok {
			if v <= 0 || v >= 1 {
				return nil, fmt.Errorf("%w: margin_pct must be in (0,1)", ErrRuleConfig)
			}
			p.MarginPct = v
		}
		if v, ok, err := paramOptInt(r.Params, "min_count"); err != nil {
			return nil, err
		} else if ok {
			if v < 2 {
				return nil, fmt.Errorf("%w: min_count must be at least 2", ErrRuleConfig)
			}
			p.MinCount = v
		}
	case PatternRoundTrip:
		// lookback_count alone bounds the sequence scan.
	default:
		return nil, fmt.Errorf("%w: unknown pattern_kind %q", ErrRuleConfig, kind)
	}

	return p, nil
}

func validWindow(w string) bool {
	switch w {
	case Window1h, Window24h, Window7d, Window30d:
		return true
	}
	return false
}

// Param readers. Params arrive as JSON-decoded values, so numbers are
// float64 and lists are []any.

func paramString(m map[string]any, key string) (string, error) {
	v, ok, err := paramOptString(m, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrRuleConfig, key)
	}
	return v, nil
}

func paramOptString(m map[string]any, key string) (string, bool, error) {
	raw, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: %q must be a string", ErrRuleConfig, key)
	}
	return s, true, nil
}

func paramFloat(m map[string]any, key string) (float64, error) {
	v, ok, err := paramOptFloat(m, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrRuleConfig, key)
	}
	return v, nil
}

func paramOptFloat(m map[string]any, key string) (float64, bool, error) {
	raw, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	}
	return 0, false, fmt.Errorf("%w: %q must be a number", ErrRuleConfig, key)
}

func paramInt(m map[string]any, key string) (int, error) {
	v, ok, err := paramOptInt(m, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrRuleConfig, key)
	}
	return v, nil
}

func paramOptInt(m map[string]any, key string) (int, bool, error) {
	f, ok, err := paramOptFloat(m, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n := int(f)
	if float64(n) != f {
		return 0, false, fmt.Errorf("%w: %q must be an integer", ErrRuleConfig, key)
	}
	return n, true, nil
}

func paramDecimal(m map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := m[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: missing %q", ErrRuleConfig, key)
	}
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q is not a decimal amount", ErrRuleConfig, key)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %q must be a number or decimal string", ErrRuleConfig, key)
}

func paramStringSet(m map[string]any, key string) (map[string]bool, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	set := make(map[string]bool)
	switch v := raw.(type) {
	case []string:
		for _, s := range v {
			set[s] = true
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %q must be a list of country codes", ErrRuleConfig, key)
			}
			set[s] = true
		}
	default:
		return nil, fmt.Errorf("%w: %q must be a list of country codes", ErrRuleConfig, key)
	}
	return set, nil
}
