package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// thresholdEval builds the evaluation closure for a THRESHOLD rule.
//
// The rule triggers when the transaction amount strictly exceeds the
// configured limit, or when the customer's aggregate over the configured
// window (including this transaction) strictly exceeds it. Equality does
// NOT trigger: round-number legitimate transfers sit exactly on limits
// often enough that >= would flood reviewers with false positives.
func thresholdEval(r *domain.Rule, p *domain.ThresholdParams) evalFunc {
	return func(tx *domain.Transaction, cc *domain.CustomerContext) domain.RuleResult {
		res := domain.RuleResult{RuleID: r.ID, RuleVersion: r.Version}

		if p.Currency != "" && tx.Currency != p.Currency {
			res.Explanation = fmt.Sprintf("currency %s outside rule currency %s", tx.Currency, p.Currency)
			return res
		}

		if tx.Amount.GreaterThan(p.AmountLimit) {
			res.Triggered = true
			res.Severity = r.Weight
			res.Explanation = fmt.Sprintf("amount %s %s exceeds limit %s",
				tx.Amount.String(), tx.Currency, p.AmountLimit.String())
			return res
		}

		if p.Window != "" {
			sum := windowSum(cc, p.Window).Add(tx.Amount)
			if sum.GreaterThan(p.AmountLimit) {
				res.Triggered = true
				res.Severity = r.Weight
				res.Explanation = fmt.Sprintf("aggregate %s %s over %s exceeds limit %s",
					sum.String(), tx.Currency, p.Window, p.AmountLimit.String())
				return res
			}
		}

		res.Explanation = fmt.Sprintf("amount %s within limit %s", tx.Amount.String(), p.AmountLimit.String())
		return res
	}
}

// windowSum returns the customer's historical sum for a named window.
func windowSum(cc *domain.CustomerContext, window string) decimal.Decimal {
	switch window {
	case domain.Window1h:
		return cc.Window1h.Sum
	case domain.Window24h:
		return cc.Window24h.Sum
	case domain.Window7d:
		return cc.Window7d.Sum
	case domain.Window30d:
		return cc.Window30d.Sum
	}
	return decimal.Zero
}

// windowCount returns the customer's historical count for a named window.
func windowCount(cc *domain.CustomerContext, window string) int {
	switch window {
	case domain.Window1h:
		return cc.Window1h.Count
	case domain.Window24h:
		return cc.Window24h.Count
	case domain.Window7d:
		return cc.Window7d.Count
	case domain.Window30d:
		return cc.Window30d.Count
	}
	return 0
}
