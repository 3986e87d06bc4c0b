package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// KYCTier is the risk tier assigned to a customer at onboarding.
type KYCTier string

const (
	KYCTierLow    KYCTier = "LOW"
	KYCTierMedium KYCTier = "MEDIUM"
	KYCTierHigh   KYCTier = "HIGH"
)

// Customer is the mutable profile a transaction belongs to.
// Never deleted, only superseded; Version carries the optimistic
// concurrency tag checked by the store on update.
type Customer struct {
	ID        string    `json:"id"`
	KYCTier   KYCTier   `json:"kycTier"`
	Country   string    `json:"country"`
	OpenedAt  time.Time `json:"openedAt"`
	RiskScore float64   `json:"riskScore"`
	RiskLevel Band      `json:"riskLevel"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WindowStats holds rolling aggregates over one lookback window.
type WindowStats struct {
	Count int             `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

// CustomerContext is the read-only snapshot of a customer's historical
// aggregates used as rule and scoring input. It is read once at the start
// of an evaluation and never refreshed mid-evaluation, so two concurrent
// evaluations for the same customer may both see a slightly stale view.
type CustomerContext struct {
	Customer Customer `json:"customer"`

	Window1h  WindowStats `json:"window1h"`
	Window24h WindowStats `json:"window24h"`
	Window7d  WindowStats `json:"window7d"`
	Window30d WindowStats `json:"window30d"`

	// Full completed-transaction history statistics.
	HistoryCount int     `json:"historyCount"`
	AvgAmount    float64 `json:"avgAmount"`
	StdDevAmount float64 `json:"stdDevAmount"`

	// BaselineDailyCount is the customer's own long-run transactions/day.
	BaselineDailyCount float64 `json:"baselineDailyCount"`

	// Recent holds the customer's latest transactions, newest first,
	// for pattern rules that inspect sequences.
	Recent []*Transaction `json:"recent,omitempty"`

	AsOf time.Time `json:"asOf"`
}
