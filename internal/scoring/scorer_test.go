package scoring

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func baseTx(amount string) *domain.Transaction {
	return &domain.Transaction{
		ID:                  "tx-1",
		CustomerID:          "cust-1",
		Amount:              dec(amount),
		Currency:            "USD",
		Direction:           domain.DirectionDebit,
		CounterpartyID:      "cp-1",
		CounterpartyCountry: "US",
		Channel:             domain.ChannelWire,
		Timestamp:           time.Now().UTC(),
	}
}

func seasonedContext() *domain.CustomerContext {
	now := time.Now().UTC()
	return &domain.CustomerContext{
		Customer: domain.Customer{
			ID:       "cust-1",
			KYCTier:  domain.KYCTierLow,
			Country:  "US",
			OpenedAt: now.AddDate(-2, 0, 0),
		},
		HistoryCount:       200,
		AvgAmount:          500,
		StdDevAmount:       100,
		BaselineDailyCount: 3,
		AsOf:               now,
	}
}

func TestScoreAlwaysInRange(t *testing.T) {
	s := NewScorer(0.3)
	geo := Geography{
		Blocklist: map[string]bool{"KP": true},
		Watchlist: map[string]bool{"PA": true},
	}

	contexts := map[string]*domain.CustomerContext{
		"seasoned": seasonedContext(),
		"empty": {
			Customer: domain.Customer{ID: "cust-1", OpenedAt: time.Now().UTC()},
			AsOf:     time.Now().UTC(),
		},
		"zero variance": func() *domain.CustomerContext {
			cc := seasonedContext()
			cc.StdDevAmount = 0
			return cc
		}(),
	}
	amounts := []string{"0", "0.01", "500", "1000000000"}
	countries := []string{"", "US", "KP", "PA", "DE"}

	for name, cc := range contexts {
		for _, amount := range amounts {
			for _, country := range countries {
				tx := baseTx(amount)
				tx.CounterpartyCountry = country
				rs := s.ScoreTransaction(tx, cc, geo)
				if rs.Score < 0 || rs.Score > 100 {
					t.Errorf("%s/%s/%s: score %.2f out of [0,100]", name, amount, country, rs.Score)
				}
				if rs.Band != domain.BandForScore(rs.Score) {
					t.Errorf("%s/%s/%s: band %s does not match score %.2f", name, amount, country, rs.Band, rs.Score)
				}
			}
		}
	}
}

func TestBreakdownListsEveryFactor(t *testing.T) {
	s := NewScorer(0.3)
	rs := s.ScoreTransaction(baseTx("500"), seasonedContext(), Geography{})

	want := []string{FactorAmount, FactorFrequency, FactorGeography, FactorHistory, FactorBehavioral}
	if len(rs.Breakdown) != len(want) {
		t.Fatalf("breakdown has %d factors, want %d: %+v", len(rs.Breakdown), len(want), rs.Breakdown)
	}

	var total, weights float64
	for _, name := range want {
		fc, ok := rs.Breakdown[name]
		if !ok {
			t.Fatalf("breakdown missing factor %q", name)
		}
		if got := fc.Raw * fc.Weight; got != fc.Weighted {
			t.Errorf("factor %s: weighted %.4f != raw*weight %.4f", name, fc.Weighted, got)
		}
		if fc.Details == "" {
			t.Errorf("factor %s has no details", name)
		}
		total += fc.Weighted
		weights += fc.Weight
	}

	if diff := weights - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("factor weights sum to %.4f, want 1.0", weights)
	}
	if diff := total - rs.Score; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("weighted sum %.4f does not reproduce score %.4f", total, rs.Score)
	}
}

func TestAmountFactorMonotonic(t *testing.T) {
	s := NewScorer(0.3)
	cc := seasonedContext()

	prev := -1.0
	for _, amount := range []string{"500", "1000", "2000", "5000", "50000"} {
		rs := s.ScoreTransaction(baseTx(amount), cc, Geography{})
		raw := rs.Breakdown[FactorAmount].Raw
		if raw < prev {
			t.Errorf("amount factor not monotonic: %s scored %.2f after %.2f", amount, raw, prev)
		}
		prev = raw
	}
}

func TestGeographyFactorOrdering(t *testing.T) {
	s := NewScorer(0.3)
	cc := seasonedContext()
	geo := Geography{
		Blocklist: map[string]bool{"KP": true},
		Watchlist: map[string]bool{"PA": true},
	}

	raw := func(country string) float64 {
		tx := baseTx("500")
		tx.CounterpartyCountry = country
		return s.ScoreTransaction(tx, cc, geo).Breakdown[FactorGeography].Raw
	}

	blocked, watched, crossBorder, domestic := raw("KP"), raw("PA"), raw("DE"), raw("US")
	if !(blocked > watched && watched > crossBorder && crossBorder > domestic) {
		t.Errorf("geography ordering violated: block=%.0f watch=%.0f cross=%.0f domestic=%.0f",
			blocked, watched, crossBorder, domestic)
	}
}

func TestHistoryFactorPenalizesNewAccounts(t *testing.T) {
	s := NewScorer(0.3)

	fresh := seasonedContext()
	fresh.Customer.OpenedAt = fresh.AsOf.AddDate(0, 0, -2)
	fresh.HistoryCount = 0
	fresh.AvgAmount = 0
	fresh.StdDevAmount = 0

	seasoned := seasonedContext()

	freshRaw := s.ScoreTransaction(baseTx("500"), fresh, Geography{}).Breakdown[FactorHistory].Raw
	seasonedRaw := s.ScoreTransaction(baseTx("500"), seasoned, Geography{}).Breakdown[FactorHistory].Raw
	if freshRaw <= seasonedRaw {
		t.Errorf("new thin account (%.0f) did not outscore seasoned account (%.0f)", freshRaw, seasonedRaw)
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer(0.3)
	tx := baseTx("14999")
	cc := seasonedContext()
	geo := Geography{Watchlist: map[string]bool{"PA": true}}

	first := s.ScoreTransaction(tx, cc, geo)
	for range 3 {
		rs := s.ScoreTransaction(tx, cc, geo)
		if rs.Score != first.Score {
			t.Fatalf("score changed between runs: %.4f vs %.4f", rs.Score, first.Score)
		}
	}
}

func TestScoreCustomerExponentialDecay(t *testing.T) {
	s := NewScorer(0.3)

	cc := seasonedContext()
	cc.Customer.RiskScore = 40

	latest := &domain.RiskScore{
		SubjectType: domain.SubjectTransaction,
		SubjectID:   "tx-1",
		Score:       80,
	}

	rs := s.ScoreCustomer(cc, latest)
	want := 0.3*80 + 0.7*40
	if diff := rs.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("customer score = %.4f, want %.4f", rs.Score, want)
	}
	if rs.SubjectType != domain.SubjectCustomer || rs.SubjectID != "cust-1" {
		t.Errorf("wrong subject: %s %s", rs.SubjectType, rs.SubjectID)
	}
	if rs.Band != domain.BandForScore(rs.Score) {
		t.Errorf("band %s does not match score %.2f", rs.Band, rs.Score)
	}
}

func TestScoreCustomerFirstTransaction(t *testing.T) {
	s := NewScorer(0.3)

	cc := &domain.CustomerContext{
		Customer: domain.Customer{ID: "cust-1", OpenedAt: time.Now().UTC()},
		AsOf:     time.Now().UTC(),
	}
	latest := &domain.RiskScore{SubjectType: domain.SubjectTransaction, SubjectID: "tx-1", Score: 62}

	rs := s.ScoreCustomer(cc, latest)
	if rs.Score != 62 {
		t.Errorf("first transaction should seed the rolling score: got %.2f, want 62", rs.Score)
	}
}

func TestGeographyFromRules(t *testing.T) {
	rules := []*domain.Rule{
		{
			ID: "g1", Type: domain.RuleGeographic, Active: true, Weight: 1,
			Params: map[string]any{
				"country_blocklist": []string{"KP"},
				"country_watchlist": []string{"PA"},
			},
		},
		{
			ID: "g2", Type: domain.RuleGeographic, Active: true, Weight: 1,
			Params: map[string]any{"country_watchlist": []string{"KY"}},
		},
		{
			ID: "g3", Type: domain.RuleGeographic, Active: false, Weight: 1,
			Params: map[string]any{"country_blocklist": []string{"IR"}},
		},
		{
			ID: "t1", Type: domain.RuleThreshold, Active: true, Weight: 1,
			Params: map[string]any{"amount_limit": "100", "currency": "USD"},
		},
	}

	geo := GeographyFromRules(rules)
	if !geo.Blocklist["KP"] {
		t.Error("blocklist missing KP")
	}
	if !geo.Watchlist["PA"] || !geo.Watchlist["KY"] {
		t.Errorf("watchlist missing merged entries: %v", geo.Watchlist)
	}
	if geo.Blocklist["IR"] {
		t.Error("inactive rule leaked into blocklist")
	}
}

func TestBandBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		band  domain.Band
	}{
		{0, domain.BandLow},
		{24.999, domain.BandLow},
		{25, domain.BandMedium},
		{49.999, domain.BandMedium},
		{50, domain.BandHigh},
		{74.999, domain.BandHigh},
		{75, domain.BandCritical},
		{100, domain.BandCritical},
	}
	for _, tt := range tests {
		if got := domain.BandForScore(tt.score); got != tt.band {
			t.Errorf("BandForScore(%.3f) = %s, want %s", tt.score, got, tt.band)
		}
	}
}
