package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(4)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testTx(amount string) *domain.Transaction {
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

func testContext() *domain.CustomerContext {
	return &domain.CustomerContext{
		Customer: domain.Customer{
			ID:      "cust-1",
			KYCTier: domain.KYCTierMedium,
			Country: "US",
		},
		AsOf: time.Now().UTC(),
	}
}

func thresholdRule(id string, limit string, weight float64) *domain.Rule {
	return &domain.Rule{
		ID:      id,
		Version: "1",
		Type:    domain.RuleThreshold,
		Active:  true,
		Weight:  weight,
		Params:  map[string]any{"amount_limit": limit, "currency": "USD"},
	}
}

func TestThresholdStrictlyGreater(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadRule(thresholdRule("r1", "10000", 3)); err != nil {
		t.Fatalf("LoadRule: %v", err)
	}

	tests := []struct {
		name    string
		amount  string
		trigger bool
	}{
		{"below limit", "9999.99", false},
		{"exactly at limit", "10000", false},
		{"just over limit", "10000.01", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := e.EvaluateAll(context.Background(), testTx(tt.amount), testContext())
			if err != nil {
				t.Fatalf("EvaluateAll: %v", err)
			}
			if got := len(ev.Triggered) > 0; got != tt.trigger {
				t.Errorf("amount %s: triggered = %v, want %v", tt.amount, got, tt.trigger)
			}
		})
	}
}

func TestThresholdCurrencyMismatch(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadRule(thresholdRule("r1", "10000", 3)); err != nil {
		t.Fatalf("LoadRule: %v", err)
	}

	tx := testTx("50000")
	tx.Currency = "EUR"

	ev, err := e.EvaluateAll(context.Background(), tx, testContext())
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 0 {
		t.Errorf("EUR transaction triggered a USD rule: %+v", ev.Triggered)
	}
	if ev.Results[0].Err != "" {
		t.Errorf("currency mismatch must not error, got %q", ev.Results[0].Err)
	}
}

func TestThresholdWindowAggregate(t *testing.T) {
	e := newTestEngine(t)
	r := thresholdRule("r1", "25000", 2)
	r.Params["window"] = domain.Window24h
	if err := e.LoadRule(r); err != nil {
		t.Fatalf("LoadRule: %v", err)
	}

	cc := testContext()
	cc.Window24h = domain.WindowStats{Count: 5, Sum: dec("24000")}

	// 24000 historical + 2000 current = 26000 > 25000.
	ev, err := e.EvaluateAll(context.Background(), testTx("2000"), cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 1 {
		t.Fatalf("aggregate over window limit did not trigger: %+v", ev.Results)
	}

	// 24000 + 1000 = 25000, equality does not trigger.
	ev, err = e.EvaluateAll(context.Background(), testTx("1000"), cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 0 {
		t.Errorf("aggregate exactly at limit triggered: %+v", ev.Triggered)
	}
}

func TestGeographicSeverities(t *testing.T) {
	e := newTestEngine(t)
	r := &domain.Rule{
		ID:      "geo",
		Version: "1",
		Type:    domain.RuleGeographic,
		Active:  true,
		Weight:  2.5,
		Params: map[string]any{
			"country_blocklist": []string{"KP", "IR"},
			"country_watchlist": []string{"PA", "KP"},
		},
	}
	if err := e.LoadRule(r); err != nil {
		t.Fatalf("LoadRule: %v", err)
	}

	tests := []struct {
		name     string
		country  string
		trigger  bool
		severity float64
	}{
		{"blocklisted", "KP", true, 5.0},
		{"watchlisted", "PA", true, 2.5},
		{"unlisted", "DE", false, 0},
		{"empty country", "", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := testTx("100")
			tx.CounterpartyCountry = tt.country
			ev, err := e.EvaluateAll(context.Background(), tx, testContext())
			if err != nil {
				t.Fatalf("EvaluateAll: %v", err)
			}
			res := ev.Results[0]
			if res.Triggered != tt.trigger {
				t.Fatalf("country %q: triggered = %v, want %v", tt.country, res.Triggered, tt.trigger)
			}
			if res.Severity != tt.severity {
				t.Errorf("country %q: severity = %v, want %v", tt.country, res.Severity, tt.severity)
			}
		})
	}
}

func TestBehavioralHistoryGate(t *testing.T) {
	e := newTestEngine(t)
	r := &domain.Rule{
		ID:      "behav",
		Version: "1",
		Type:    domain.RuleBehavioral,
		Active:  true,
		Weight:  2,
		Params:  map[string]any{"deviation_factor": 3.0, "min_history_count": 10},
	}
	if err := e.LoadRule(r); err != nil {
		t.Fatalf("LoadRule: %v", err)
	}

	cc := testContext()
	cc.HistoryCount = 9
	cc.AvgAmount = 100
	cc.StdDevAmount = 10

	// Wild outlier, but history below the gate: silent non-trigger.
	ev, err := e.EvaluateAll(context.Background(), testTx("100000"), cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 0 {
		t.Fatalf("thin history triggered: %+v", ev.Triggered)
	}
	if ev.Results[0].Err != "" {
		t.Errorf("thin history must not error, got %q", ev.Results[0].Err)
	}

	// Same transaction with sufficient history triggers.
	cc.HistoryCount = 10
	ev, err = e.EvaluateAll(context.Background(), testTx("100000"), cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 1 {
		t.Fatalf("outlier with sufficient history did not trigger: %+v", ev.Results)
	}

	// 100 + 3*10 = 130: exactly at the boundary does not trigger.
	ev, err = e.EvaluateAll(context.Background(), testTx("130"), cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 0 {
		t.Errorf("deviation exactly at factor*stddev triggered: %+v", ev.Triggered)
	}
}

func TestPatternStructuring(t *testing.T) {
	e := newTestEngine(t)
	r := &domain.Rule{
		ID:      "struct",
		Version: "1",
		Type:    domain.RulePattern,
		Active:  true,
		Weight:  3,
		Params: map[string]any{
			"pattern_kind":     domain.PatternStructuring,
			"lookback_count":   10,
			"threshold_amount": "10000",
			"margin_pct":       0.1,
			"min_count":        3,
		},
	}
	if err := e.LoadRule(r); err != nil {
		t.Fatalf("LoadRule: %v", err)
	}

	// Band is [9000, 10000). Two prior in-band plus current in-band = 3.
	cc := testContext()
	cc.Recent = []*domain.Transaction{
		testTx("9500"),
		testTx("9200"),
		testTx("150"),
	}

	ev, err := e.EvaluateAll(context.Background(), testTx("9800"), cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 1 {
		t.Fatalf("structuring sequence did not trigger: %+v", ev.Results)
	}

	// Amount at the threshold itself is out of band: count stays at 2.
	ev, err = e.EvaluateAll(context.Background(), testTx("10000"), cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 0 {
		t.Errorf("two in-band transactions triggered: %+v", ev.Triggered)
	}
}

func TestPatternRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	r := &domain.Rule{
		ID:      "round",
		Version: "1",
		Type:    domain.RulePattern,
		Active:  true,
		Weight:  2.5,
		Params: map[string]any{
			"pattern_kind":   domain.PatternRoundTrip,
			"lookback_count": 10,
		},
	}
	if err := e.LoadRule(r); err != nil {
		t.Fatalf("LoadRule: %v", err)
	}

	out := testTx("5000")
	out.Direction = domain.DirectionDebit
	out.CounterpartyID = "cp-9"

	back := testTx("4990") // within 1% of 5000
	back.Direction = domain.DirectionCredit
	back.CounterpartyID = "cp-9"

	cc := testContext()
	cc.Recent = []*domain.Transaction{out}

	ev, err := e.EvaluateAll(context.Background(), back, cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 1 {
		t.Fatalf("round trip did not trigger: %+v", ev.Results)
	}

	// Same direction never counts as a round trip.
	sameDir := testTx("4990")
	sameDir.Direction = domain.DirectionDebit
	sameDir.CounterpartyID = "cp-9"
	ev, err = e.EvaluateAll(context.Background(), sameDir, cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 0 {
		t.Errorf("same-direction pair triggered: %+v", ev.Triggered)
	}

	// 10% apart is outside tolerance.
	far := testTx("4500")
	far.Direction = domain.DirectionCredit
	far.CounterpartyID = "cp-9"
	ev, err = e.EvaluateAll(context.Background(), far, cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 0 {
		t.Errorf("amounts 10%% apart triggered: %+v", ev.Triggered)
	}
}

func TestFilterScoping(t *testing.T) {
	e := newTestEngine(t)
	r := thresholdRule("r1", "100", 1)
	r.Filter = `channel == "cash"`
	if err := e.LoadRule(r); err != nil {
		t.Fatalf("LoadRule: %v", err)
	}

	tx := testTx("500")
	tx.Channel = domain.ChannelWire

	ev, err := e.EvaluateAll(context.Background(), tx, testContext())
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 0 {
		t.Fatalf("filtered-out transaction triggered: %+v", ev.Triggered)
	}

	tx.Channel = domain.ChannelCash
	ev, err = e.EvaluateAll(context.Background(), tx, testContext())
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(ev.Triggered) != 1 {
		t.Fatalf("in-scope transaction did not trigger: %+v", ev.Results)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name string
		rule *domain.Rule
	}{
		{
			"non-bool filter",
			func() *domain.Rule {
				r := thresholdRule("r1", "100", 1)
				r.Filter = `amount + 1.0`
				return r
			}(),
		},
		{
			"unparsable filter",
			func() *domain.Rule {
				r := thresholdRule("r1", "100", 1)
				r.Filter = `amount >`
				return r
			}(),
		},
		{
			"missing amount_limit",
			&domain.Rule{ID: "r2", Type: domain.RuleThreshold, Weight: 1,
				Params: map[string]any{"currency": "USD"}},
		},
		{
			"negative amount_limit",
			&domain.Rule{ID: "r3", Type: domain.RuleThreshold, Weight: 1,
				Params: map[string]any{"amount_limit": "-5", "currency": "USD"}},
		},
		{
			"unknown window",
			&domain.Rule{ID: "r4", Type: domain.RuleThreshold, Weight: 1,
				Params: map[string]any{"amount_limit": "100", "currency": "USD", "window": "90d"}},
		},
		{
			"empty geographic lists",
			&domain.Rule{ID: "r5", Type: domain.RuleGeographic, Weight: 1,
				Params: map[string]any{}},
		},
		{
			"zero deviation factor",
			&domain.Rule{ID: "r6", Type: domain.RuleBehavioral, Weight: 1,
				Params: map[string]any{"deviation_factor": 0.0, "min_history_count": 5}},
		},
		{
			"unknown pattern kind",
			&domain.Rule{ID: "r7", Type: domain.RulePattern, Weight: 1,
				Params: map[string]any{"pattern_kind": "fan_out", "lookback_count": 5}},
		},
		{
			"unknown rule type",
			&domain.Rule{ID: "r8", Type: "VELOCITY", Weight: 1, Params: map[string]any{}},
		},
		{
			"negative weight",
			&domain.Rule{ID: "r9", Type: domain.RuleThreshold, Weight: -1,
				Params: map[string]any{"amount_limit": "100", "currency": "USD"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ValidateRule(tt.rule)
			if err == nil {
				t.Fatal("ValidateRule accepted malformed rule")
			}
			if !errors.Is(err, domain.ErrRuleConfig) {
				t.Errorf("error %v does not wrap ErrRuleConfig", err)
			}
		})
	}

	if e.RulesCount() != 0 {
		t.Errorf("rejected rules leaked into the engine: count = %d", e.RulesCount())
	}
}

func TestEvaluationOrderAndIsolation(t *testing.T) {
	e := newTestEngine(t)

	// A rule whose filter divides by a missing metadata value errors at
	// evaluation, not activation.
	bad := thresholdRule("a-bad", "100", 1)
	bad.Filter = `metadata["missing"] == "x"`

	good := thresholdRule("b-good", "100", 2)

	if err := e.LoadRules([]*domain.Rule{good, bad}); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	ev, err := e.EvaluateAll(context.Background(), testTx("500"), testContext())
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}

	if len(ev.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(ev.Results))
	}
	if ev.Results[0].RuleID != "a-bad" || ev.Results[1].RuleID != "b-good" {
		t.Errorf("results out of rule-ID order: %s, %s", ev.Results[0].RuleID, ev.Results[1].RuleID)
	}
	if ev.Results[0].Err == "" {
		t.Error("failing filter did not record an error")
	}
	if ev.Results[0].Triggered {
		t.Error("errored rule must not trigger")
	}
	if len(ev.Triggered) != 1 || ev.Triggered[0].RuleID != "b-good" {
		t.Errorf("healthy rule did not survive a sibling failure: %+v", ev.Triggered)
	}
}

func TestEvaluationDeterministic(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadRules(SampleRules()); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	tx := testTx("12000")
	cc := testContext()
	cc.HistoryCount = 20
	cc.AvgAmount = 500
	cc.StdDevAmount = 100

	first, err := e.EvaluateAll(context.Background(), tx, cc)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	for range 5 {
		ev, err := e.EvaluateAll(context.Background(), tx, cc)
		if err != nil {
			t.Fatalf("EvaluateAll: %v", err)
		}
		if len(ev.Results) != len(first.Results) {
			t.Fatalf("result count changed between runs")
		}
		for i := range ev.Results {
			if ev.Results[i] != first.Results[i] {
				t.Fatalf("result %d changed between runs: %+v vs %+v", i, ev.Results[i], first.Results[i])
			}
		}
	}
}

func TestReloadRulesSwapsAtomically(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadRules(SampleRules()); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	before := e.RulesCount()
	if before == 0 {
		t.Fatal("sample rules did not load")
	}

	// A reload containing a malformed rule must leave the old set intact.
	badSet := []*domain.Rule{
		thresholdRule("only", "100", 1),
		{ID: "broken", Type: domain.RuleThreshold, Active: true, Weight: 1, Params: map[string]any{}},
	}
	if err := e.ReloadRules(badSet); err == nil {
		t.Fatal("ReloadRules accepted malformed set")
	}
	if e.RulesCount() != before {
		t.Errorf("failed reload mutated the engine: count = %d, want %d", e.RulesCount(), before)
	}

	// A clean reload replaces the set wholesale.
	if err := e.ReloadRules([]*domain.Rule{thresholdRule("only", "100", 1)}); err != nil {
		t.Fatalf("ReloadRules: %v", err)
	}
	if e.RulesCount() != 1 {
		t.Errorf("count after reload = %d, want 1", e.RulesCount())
	}
	loaded := e.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "only" {
		t.Errorf("loaded set after reload = %+v", loaded)
	}

	// Inactive rules are skipped on load.
	inactive := thresholdRule("off", "100", 1)
	inactive.Active = false
	if err := e.ReloadRules([]*domain.Rule{inactive}); err != nil {
		t.Fatalf("ReloadRules: %v", err)
	}
	if e.RulesCount() != 0 {
		t.Errorf("inactive rule loaded: count = %d", e.RulesCount())
	}
}

func TestSampleRulesAllValid(t *testing.T) {
	e := newTestEngine(t)
	for _, r := range SampleRules() {
		if err := e.ValidateRule(r); err != nil {
			t.Errorf("sample rule %s invalid: %v", r.ID, err)
		}
	}
}
