package domain

import "time"

// Band is the categorical mapping of a numeric risk score.
type Band string

const (
	BandLow      Band = "LOW"
	BandMedium   Band = "MEDIUM"
	BandHigh     Band = "HIGH"
	BandCritical Band = "CRITICAL"
)

// BandForScore maps a clamped [0,100] score to its band:
// [0,25) LOW, [25,50) MEDIUM, [50,75) HIGH, [75,100] CRITICAL.
func BandForScore(score float64) Band {
	switch {
	case score < 25:
		return BandLow
	case score < 50:
		return BandMedium
	case score < 75:
		return BandHigh
	default:
		return BandCritical
	}
}

// Rank orders bands for threshold comparisons (LOW=0 .. CRITICAL=3).
func (b Band) Rank() int {
	switch b {
	case BandLow:
		return 0
	case BandMedium:
		return 1
	case BandHigh:
		return 2
	case BandCritical:
		return 3
	default:
		return -1
	}
}

// SubjectType says what a RiskScore was computed for.
type SubjectType string

const (
	SubjectTransaction SubjectType = "TRANSACTION"
	SubjectCustomer    SubjectType = "CUSTOMER"
)

// FactorContribution records one factor's raw score, its weight and the
// weighted value that entered the total. Every score must be auditable
// back to its inputs, so the breakdown always lists all factors.
type FactorContribution struct {
	Raw      float64 `json:"raw"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
	Details  string  `json:"details,omitempty"`
}

// RiskScore is a point-in-time scoring record. Immutable once created;
// one record per (subject, evaluation event).
type RiskScore struct {
	ID          string                        `json:"id"`
	SubjectType SubjectType                   `json:"subjectType"`
	SubjectID   string                        `json:"subjectId"`
	Score       float64                       `json:"score"`
	Band        Band                          `json:"band"`
	Breakdown   map[string]FactorContribution `json:"breakdown"`
	ComputedAt  time.Time                     `json:"computedAt"`
}
