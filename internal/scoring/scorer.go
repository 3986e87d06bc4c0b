// Package scoring computes multi-factor risk scores for transactions
// and customers. Scores are independent of rule triggering: a
// transaction can score high without tripping any configured rule, and
// the monitor treats either signal as alert-worthy.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Factor names used as breakdown keys.
const (
	FactorAmount     = "amount"
	FactorFrequency  = "frequency"
	FactorGeography  = "geography"
	FactorHistory    = "history"
	FactorBehavioral = "behavioral"
)

// Scorer computes weighted risk scores. Stateless and safe for
// concurrent use; the coefficient table is fixed at construction.
type Scorer struct {
	weights map[string]float64
	decay   float64
}

// Geography carries the country lists the geography factor scores
// against, derived from the active GEOGRAPHIC rules so rule triggers
// and score contributions stay consistent.
type Geography struct {
	Blocklist map[string]bool
	Watchlist map[string]bool
}

// GeographyFromRules merges the country lists of every active
// GEOGRAPHIC rule. Malformed rules are skipped; they are rejected at
// activation anyway.
func GeographyFromRules(rules []*domain.Rule) Geography {
	geo := Geography{
		Blocklist: make(map[string]bool),
		Watchlist: make(map[string]bool),
	}
	for _, r := range rules {
		if r.Type != domain.RuleGeographic || !r.Active {
			continue
		}
		p, err := r.ParseGeographicParams()
		if err != nil {
			continue
		}
		for c := range p.Blocklist {
			geo.Blocklist[c] = true
		}
		for c := range p.Watchlist {
			geo.Watchlist[c] = true
		}
	}
	return geo
}

// NewScorer creates a scorer with the fixed factor coefficient table.
// decay is the exponential-decay coefficient for the customer rolling
// score; values outside (0,1) fall back to the default 0.3.
func NewScorer(decay float64) *Scorer {
	if decay <= 0 || decay >= 1 {
		decay = 0.3
	}
	return &Scorer{
		// Coefficients sum to 1.0 so raw factors in [0,100] map to a
		// total in [0,100] before clamping.
		weights: map[string]float64{
			FactorAmount:     0.25,
			FactorFrequency:  0.20,
			FactorGeography:  0.20,
			FactorHistory:    0.20,
			FactorBehavioral: 0.15,
		},
		decay: decay,
	}
}

// ScoreTransaction computes the transaction risk score. Pure function
// of (transaction, context, geography): no store access, no clock
// beyond the context's AsOf snapshot.
func (s *Scorer) ScoreTransaction(tx *domain.Transaction, cc *domain.CustomerContext, geo Geography) *domain.RiskScore {
	breakdown := make(map[string]domain.FactorContribution, len(s.weights))

	raw := map[string]float64{
		FactorAmount:     s.amountFactor(tx, cc, breakdown),
		FactorFrequency:  s.frequencyFactor(cc, breakdown),
		FactorGeography:  s.geographyFactor(tx, cc, geo, breakdown),
		FactorHistory:    s.historyFactor(cc, breakdown),
		FactorBehavioral: s.behavioralFactor(tx, cc, breakdown),
	}

	var total float64
	for name, r := range raw {
		w := s.weights[name]
		fc := breakdown[name]
		fc.Raw = r
		fc.Weight = w
		fc.Weighted = r * w
		breakdown[name] = fc
		total += fc.Weighted
	}

	score := clamp(total)
	return &domain.RiskScore{
		ID:          uuid.NewString(),
		SubjectType: domain.SubjectTransaction,
		SubjectID:   tx.ID,
		Score:       score,
		Band:        domain.BandForScore(score),
		Breakdown:   breakdown,
		ComputedAt:  time.Now().UTC(),
	}
}

// ScoreCustomer folds the latest transaction score into the customer's
// rolling score with exponential decay, so recent behavior dominates
// stale history. A customer with no prior score starts at the latest
// transaction score.
func (s *Scorer) ScoreCustomer(cc *domain.CustomerContext, latest *domain.RiskScore) *domain.RiskScore {
	prev := cc.Customer.RiskScore

	var score float64
	if cc.HistoryCount == 0 && prev == 0 {
		score = latest.Score
	} else {
		score = s.decay*latest.Score + (1-s.decay)*prev
	}
	score = clamp(score)

	breakdown := map[string]domain.FactorContribution{
		"latest_transaction": {
			Raw:      latest.Score,
			Weight:   s.decay,
			Weighted: s.decay * latest.Score,
			Details:  fmt.Sprintf("transaction %s scored %.2f", latest.SubjectID, latest.Score),
		},
		"previous_score": {
			Raw:      prev,
			Weight:   1 - s.decay,
			Weighted: (1 - s.decay) * prev,
			Details:  fmt.Sprintf("prior rolling score %.2f", prev),
		},
	}

	return &domain.RiskScore{
		ID:          uuid.NewString(),
		SubjectType: domain.SubjectCustomer,
		SubjectID:   cc.Customer.ID,
		Score:       score,
		Band:        domain.BandForScore(score),
		Breakdown:   breakdown,
		ComputedAt:  time.Now().UTC(),
	}
}

// amountFactor scores the amount relative to the customer's historical
// average, log-scaled so outliers saturate instead of blowing up.
func (s *Scorer) amountFactor(tx *domain.Transaction, cc *domain.CustomerContext, bd map[string]domain.FactorContribution) float64 {
	amount, _ := tx.Amount.Float64()

	if cc.AvgAmount <= 0 {
		// No baseline. Large absolute amounts from fresh accounts are
		// suspicious on their own.
		bd[FactorAmount] = domain.FactorContribution{
			Details: fmt.Sprintf("no history, amount %.2f %s", amount, tx.Currency),
		}
		if amount > 10000 {
			return 60
		}
		return 30
	}

	ratio := amount / cc.AvgAmount
	bd[FactorAmount] = domain.FactorContribution{
		Details: fmt.Sprintf("amount %.2f is %.2fx customer average %.2f", amount, ratio, cc.AvgAmount),
	}
	if ratio <= 1 {
		return 20
	}
	// ratio 2x -> 60, 4x -> 100.
	return clamp(20 + 40*math.Log2(ratio))
}

// frequencyFactor scores the 24h transaction count against the
// customer's own baseline daily rate, with a short-burst override.
func (s *Scorer) frequencyFactor(cc *domain.CustomerContext, bd map[string]domain.FactorContribution) float64 {
	count1h := cc.Window1h.Count
	count24h := cc.Window24h.Count

	baseline := cc.BaselineDailyCount
	if baseline < 1 {
		baseline = 1
	}
	ratio := float64(count24h+1) / baseline

	bd[FactorFrequency] = domain.FactorContribution{
		Details: fmt.Sprintf("%d in 1h, %d in 24h, baseline %.1f/day", count1h, count24h, cc.BaselineDailyCount),
	}

	raw := clamp(20 * ratio)
	switch {
	case count1h >= 10:
		return 100
	case count1h >= 5:
		return math.Max(raw, 80)
	}
	return raw
}

// geographyFactor mirrors the GEOGRAPHIC rule's severity ordering:
// blocklist above watchlist above mere cross-border.
func (s *Scorer) geographyFactor(tx *domain.Transaction, cc *domain.CustomerContext, geo Geography, bd map[string]domain.FactorContribution) float64 {
	country := tx.CounterpartyCountry
	bd[FactorGeography] = domain.FactorContribution{
		Details: fmt.Sprintf("customer %s, counterparty %s", cc.Customer.Country, country),
	}

	switch {
	case country == "":
		return 10
	case geo.Blocklist[country]:
		return 90
	case geo.Watchlist[country]:
		return 60
	case cc.Customer.Country != "" && country != cc.Customer.Country:
		return 40
	}
	return 10
}

// historyFactor is inverse in account age and completed-transaction
// count: newer accounts and thin histories score higher.
func (s *Scorer) historyFactor(cc *domain.CustomerContext, bd map[string]domain.FactorContribution) float64 {
	ageDays := int(cc.AsOf.Sub(cc.Customer.OpenedAt).Hours() / 24)
	if ageDays < 0 {
		ageDays = 0
	}

	bd[FactorHistory] = domain.FactorContribution{
		Details: fmt.Sprintf("account age %d days, %d completed transactions", ageDays, cc.HistoryCount),
	}

	var age float64
	switch {
	case ageDays < 7:
		age = 70
	case ageDays < 30:
		age = 50
	case ageDays < 90:
		age = 30
	default:
		age = 15
	}

	var thin float64
	switch {
	case cc.HistoryCount == 0:
		thin = 30
	case cc.HistoryCount < 10:
		thin = 20
	case cc.HistoryCount < 50:
		thin = 10
	}

	return clamp(age + thin)
}

// behavioralFactor uses the same statistical basis as the BEHAVIORAL
// rule: deviation from the mean in standard deviations.
func (s *Scorer) behavioralFactor(tx *domain.Transaction, cc *domain.CustomerContext, bd map[string]domain.FactorContribution) float64 {
	amount, _ := tx.Amount.Float64()

	if cc.HistoryCount < 2 {
		bd[FactorBehavioral] = domain.FactorContribution{Details: "insufficient history for deviation"}
		return 30
	}

	if cc.StdDevAmount == 0 {
		bd[FactorBehavioral] = domain.FactorContribution{
			Details: fmt.Sprintf("zero variance history, amount %.2f vs constant %.2f", amount, cc.AvgAmount),
		}
		if amount != cc.AvgAmount {
			return 60
		}
		return 10
	}

	z := math.Abs(amount-cc.AvgAmount) / cc.StdDevAmount
	bd[FactorBehavioral] = domain.FactorContribution{
		Details: fmt.Sprintf("amount %.2f is %.2f standard deviations from mean %.2f", amount, z, cc.AvgAmount),
	}
	// 2 sigma -> 50, 4 sigma -> 100.
	return clamp(z * 25)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
