package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// behavioralEval builds the evaluation closure for a BEHAVIORAL rule.
//
// Triggers when the transaction amount deviates from the customer's
// historical mean by strictly more than DeviationFactor standard
// deviations. Customers with fewer than MinHistoryCount completed
// transactions silently never trigger: a thin baseline is noise, not
// evidence, and must not error either.
func behavioralEval(r *domain.Rule, p *domain.BehavioralParams) evalFunc {
	return func(tx *domain.Transaction, cc *domain.CustomerContext) domain.RuleResult {
		res := domain.RuleResult{RuleID: r.ID, RuleVersion: r.Version}

		if cc.HistoryCount < p.MinHistoryCount {
			res.Explanation = fmt.Sprintf("history %d below minimum %d", cc.HistoryCount, p.MinHistoryCount)
			return res
		}

		amount, _ := tx.Amount.Float64()
		deviation := math.Abs(amount - cc.AvgAmount)
		allowed := p.DeviationFactor * cc.StdDevAmount

		if deviation > allowed {
			res.Triggered = true
			res.Severity = r.Weight
			res.Explanation = fmt.Sprintf("amount %.2f deviates %.2f from mean %.2f (allowed %.2f = %.1fσ)",
				amount, deviation, cc.AvgAmount, allowed, p.DeviationFactor)
			return res
		}

		res.Explanation = fmt.Sprintf("amount %.2f within %.1fσ of mean %.2f", amount, p.DeviationFactor, cc.AvgAmount)
		return res
	}
}
