package domain

import "time"

// AlertStatus is the review-workflow state of an alert.
type AlertStatus string

const (
	AlertOpen                AlertStatus = "OPEN"
	AlertUnderReview         AlertStatus = "UNDER_REVIEW"
	AlertEscalated           AlertStatus = "ESCALATED"
	AlertClosedFalsePositive AlertStatus = "CLOSED_FALSE_POSITIVE"
	AlertClosedConfirmed     AlertStatus = "CLOSED_CONFIRMED"
)

// legalTransitions is the complete transition table. CLOSED_* states are
// terminal so compliance history cannot be altered after closure.
var legalTransitions = map[AlertStatus][]AlertStatus{
	AlertOpen:        {AlertUnderReview, AlertClosedFalsePositive},
	AlertUnderReview: {AlertEscalated, AlertClosedFalsePositive, AlertClosedConfirmed},
	AlertEscalated:   {AlertClosedConfirmed, AlertClosedFalsePositive},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to AlertStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Closed reports whether the status is terminal.
func (s AlertStatus) Closed() bool {
	return s == AlertClosedFalsePositive || s == AlertClosedConfirmed
}

// ReviewNote is one append-only entry in an alert's review trail.
type ReviewNote struct {
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Alert is the mutable workflow entity raised for a suspicious
// transaction. The transaction reference never changes; notes are only
// appended, never edited; alerts are closed, never deleted.
type Alert struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transactionId"`
	CustomerID    string      `json:"customerId"`

	// RuleIDs may be empty for a score-only alert.
	RuleIDs []string `json:"ruleIds"`

	Score float64 `json:"score"`
	Band  Band    `json:"band"`

	Status   AlertStatus `json:"status"`
	Priority int         `json:"priority"`

	Title       string       `json:"title"`
	Description string       `json:"description"`
	Notes       []ReviewNote `json:"notes"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
