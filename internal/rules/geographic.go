package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// geographicEval builds the evaluation closure for a GEOGRAPHIC rule.
//
// Blocklist matches carry twice the rule weight; watchlist matches carry
// the plain weight. A blocklist match short-circuits the watchlist check
// so a country on both lists is never double-counted.
func geographicEval(r *domain.Rule, p *domain.GeographicParams) evalFunc {
	return func(tx *domain.Transaction, cc *domain.CustomerContext) domain.RuleResult {
		res := domain.RuleResult{RuleID: r.ID, RuleVersion: r.Version}
		country := tx.CounterpartyCountry

		if country == "" {
			res.Explanation = "no counterparty country on transaction"
			return res
		}

		if p.Blocklist[country] {
			res.Triggered = true
			res.Severity = r.Weight * 2
			res.Explanation = fmt.Sprintf("counterparty country %s is blocklisted", country)
			return res
		}

		if p.Watchlist[country] {
			res.Triggered = true
			res.Severity = r.Weight
			res.Explanation = fmt.Sprintf("counterparty country %s is on the watchlist", country)
			return res
		}

		res.Explanation = fmt.Sprintf("counterparty country %s not listed", country)
		return res
	}
}
