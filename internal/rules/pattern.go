package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// patternEval builds the evaluation closure for a PATTERN rule.
// Pattern rules inspect the customer's recent transaction sequence, not
// the single transaction alone.
func patternEval(r *domain.Rule, p *domain.PatternParams) evalFunc {
	switch p.Kind {
	case domain.PatternStructuring:
		return structuringEval(r, p)
	default:
		return roundTripEval(r, p)
	}
}

// structuringEval detects smurfing: several transactions sitting just
// under a known reporting threshold within the lookback sequence.
func structuringEval(r *domain.Rule, p *domain.PatternParams) evalFunc {
	lower := p.ThresholdAmount.Mul(decimal.NewFromFloat(1 - p.MarginPct))

	inBand := func(amount decimal.Decimal) bool {
		return amount.GreaterThanOrEqual(lower) && amount.LessThan(p.ThresholdAmount)
	}

	return func(tx *domain.Transaction, cc *domain.CustomerContext) domain.RuleResult {
		res := domain.RuleResult{RuleID: r.ID, RuleVersion: r.Version}

		count := 0
		if inBand(tx.Amount) {
			count++
		}
		for i, prev := range cc.Recent {
			if i >= p.LookbackCount {
				break
			}
			if inBand(prev.Amount) {
				count++
			}
		}

		if count >= p.MinCount {
			res.Triggered = true
			res.Severity = r.Weight
			res.Explanation = fmt.Sprintf("%d transactions within %.0f%% below threshold %s in last %d",
				count, p.MarginPct*100, p.ThresholdAmount.String(), p.LookbackCount)
			return res
		}

		res.Explanation = fmt.Sprintf("%d of %d structuring-band transactions in last %d",
			count, p.MinCount, p.LookbackCount)
		return res
	}
}

// roundTripEval detects rapid round trips: a recent opposite-direction
// transaction with the same counterparty and a near-identical amount.
func roundTripEval(r *domain.Rule, p *domain.PatternParams) evalFunc {
	// Amounts within 1% of each other count as a round trip.
	tolerance := decimal.NewFromFloat(0.01)

	return func(tx *domain.Transaction, cc *domain.CustomerContext) domain.RuleResult {
		res := domain.RuleResult{RuleID: r.ID, RuleVersion: r.Version}

		for i, prev := range cc.Recent {
			if i >= p.LookbackCount {
				break
			}
			if prev.CounterpartyID != tx.CounterpartyID || prev.Direction == tx.Direction {
				continue
			}
			if prev.Amount.IsZero() && tx.Amount.IsZero() {
				continue
			}
			diff := prev.Amount.Sub(tx.Amount).Abs()
			base := decimal.Max(prev.Amount.Abs(), tx.Amount.Abs())
			if diff.LessThanOrEqual(base.Mul(tolerance)) {
				res.Triggered = true
				res.Severity = r.Weight
				res.Explanation = fmt.Sprintf("round trip with %s: %s %s out, %s back within last %d",
					tx.CounterpartyID, prev.Amount.String(), tx.Currency, tx.Amount.String(), p.LookbackCount)
				return res
			}
		}

		res.Explanation = fmt.Sprintf("no round trip with %s in last %d transactions",
			tx.CounterpartyID, p.LookbackCount)
		return res
	}
}
