package domain

// Stage is a transaction's position in the evaluation lifecycle.
type Stage string

const (
	StageReceived       Stage = "RECEIVED"
	StageRulesEvaluated Stage = "RULES_EVALUATED"
	StageScored         Stage = "SCORED"
	StageAlerted        Stage = "ALERTED"
	StageCleared        Stage = "CLEARED"
	StagePersisted      Stage = "PERSISTED"
)

// MonitorResult is the outcome of monitoring one transaction.
type MonitorResult struct {
	TransactionID string `json:"transactionId"`
	Stage         Stage  `json:"stage"`

	// RuleResults holds every evaluated rule for audit purposes;
	// TriggeredRules is the triggered subset in evaluation order.
	RuleResults    []RuleResult `json:"ruleResults"`
	TriggeredRules []RuleResult `json:"triggeredRules"`

	TransactionScore *RiskScore `json:"transactionScore"`
	CustomerScore    *RiskScore `json:"customerScore"`

	// Alert is nil when the transaction cleared.
	Alert *Alert `json:"alert,omitempty"`
}

// Alerted reports whether the evaluation raised (or augmented) an alert.
func (r *MonitorResult) Alerted() bool {
	return r.Alert != nil
}
