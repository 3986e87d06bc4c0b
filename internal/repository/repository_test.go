package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) domain.Store {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	store, err := New(domain.StoreConfig{
		Driver:      "sqlite",
		SQLitePath:  tmpPath,
		RecentLimit: 10,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testCustomer(id string) *domain.Customer {
	return &domain.Customer{
		ID:       id,
		KYCTier:  domain.KYCTierMedium,
		Country:  "US",
		OpenedAt: time.Now().UTC().AddDate(-1, 0, 0),
	}
}

func testTransaction(id, customerID, amount string, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:                  id,
		CustomerID:          customerID,
		Amount:              decimal.RequireFromString(amount),
		Currency:            "USD",
		Direction:           domain.DirectionDebit,
		CounterpartyID:      "cp-1",
		CounterpartyCountry: "US",
		Channel:             domain.ChannelWire,
		Timestamp:           ts,
		CreatedAt:           ts,
		Metadata:            map[string]string{"source": "test"},
	}
}

func TestCustomerRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetCustomer(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown customer: err = %v, want ErrNotFound", err)
	}

	c := testCustomer("cust-1")
	if err := store.SaveCustomer(ctx, c); err != nil {
		t.Fatalf("SaveCustomer: %v", err)
	}

	got, err := store.GetCustomer(ctx, "cust-1")
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if got.KYCTier != domain.KYCTierMedium || got.Country != "US" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Version != 1 {
		t.Errorf("new customer version = %d, want 1", got.Version)
	}
	if got.RiskLevel != domain.BandLow {
		t.Errorf("new customer risk level = %s, want LOW", got.RiskLevel)
	}
}

func TestUpdateCustomerProfileOptimistic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveCustomer(ctx, testCustomer("cust-1")); err != nil {
		t.Fatalf("SaveCustomer: %v", err)
	}

	c, err := store.GetCustomer(ctx, "cust-1")
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}

	c.RiskScore = 42.5
	c.RiskLevel = domain.BandMedium
	c.UpdatedAt = time.Now().UTC()
	if err := store.UpdateCustomerProfile(ctx, c); err != nil {
		t.Fatalf("UpdateCustomerProfile: %v", err)
	}
	if c.Version != 2 {
		t.Errorf("version after update = %d, want 2", c.Version)
	}

	// A stale snapshot must lose the compare-and-set.
	stale := *c
	stale.Version = 1
	err = store.UpdateCustomerProfile(ctx, &stale)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("stale update: err = %v, want ErrStoreUnavailable", err)
	}

	got, err := store.GetCustomer(ctx, "cust-1")
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if got.RiskScore != 42.5 || got.Version != 2 {
		t.Errorf("stale update changed the row: %+v", got)
	}

	missing := testCustomer("ghost")
	missing.Version = 1
	if err := store.UpdateCustomerProfile(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("updating unknown customer: err = %v, want ErrNotFound", err)
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	tx := testTransaction("tx-1", "cust-1", "123.45", now)
	if err := store.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}
	// Re-saving the same transaction is a no-op, not an error.
	if err := store.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("idempotent SaveTransaction: %v", err)
	}

	got, err := store.GetTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("123.45")) {
		t.Errorf("amount round trip = %s, want 123.45", got.Amount)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}

	if _, err := store.GetTransaction(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown transaction: err = %v, want ErrNotFound", err)
	}
}

func TestGetCustomerContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetCustomerContext(ctx, "nobody", "", time.Now().UTC()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown customer context: err = %v, want ErrNotFound", err)
	}

	if err := store.SaveCustomer(ctx, testCustomer("cust-1")); err != nil {
		t.Fatalf("SaveCustomer: %v", err)
	}

	asOf := time.Now().UTC()
	fixtures := []struct {
		id     string
		amount string
		age    time.Duration
	}{
		{"tx-1", "100", 30 * time.Minute},
		{"tx-2", "200", 2 * time.Hour},
		{"tx-3", "300", 3 * 24 * time.Hour},
		{"tx-4", "400", 20 * 24 * time.Hour},
		{"tx-5", "500", 60 * 24 * time.Hour},
	}
	for _, f := range fixtures {
		tx := testTransaction(f.id, "cust-1", f.amount, asOf.Add(-f.age))
		if err := store.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction %s: %v", f.id, err)
		}
	}
	// Another customer's transactions must not leak in.
	other := testTransaction("tx-other", "cust-2", "9999", asOf.Add(-time.Minute))
	if err := store.SaveTransaction(ctx, other); err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}

	cc, err := store.GetCustomerContext(ctx, "cust-1", "", asOf)
	if err != nil {
		t.Fatalf("GetCustomerContext: %v", err)
	}

	if cc.HistoryCount != 5 {
		t.Errorf("history count = %d, want 5", cc.HistoryCount)
	}
	if cc.AvgAmount != 300 {
		t.Errorf("avg amount = %.2f, want 300", cc.AvgAmount)
	}
	if cc.StdDevAmount < 141 || cc.StdDevAmount > 142 {
		t.Errorf("stddev = %.2f, want ~141.42", cc.StdDevAmount)
	}

	if cc.Window1h.Count != 1 || !cc.Window1h.Sum.Equal(decimal.NewFromInt(100)) {
		t.Errorf("1h window = %+v, want count 1 sum 100", cc.Window1h)
	}
	if cc.Window24h.Count != 2 || !cc.Window24h.Sum.Equal(decimal.NewFromInt(300)) {
		t.Errorf("24h window = %+v, want count 2 sum 300", cc.Window24h)
	}
	if cc.Window7d.Count != 3 || !cc.Window7d.Sum.Equal(decimal.NewFromInt(600)) {
		t.Errorf("7d window = %+v, want count 3 sum 600", cc.Window7d)
	}
	if cc.Window30d.Count != 4 || !cc.Window30d.Sum.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("30d window = %+v, want count 4 sum 1000", cc.Window30d)
	}

	if len(cc.Recent) != 5 {
		t.Fatalf("recent length = %d, want 5", len(cc.Recent))
	}
	if cc.Recent[0].ID != "tx-1" || cc.Recent[4].ID != "tx-5" {
		t.Errorf("recent not newest-first: %s .. %s", cc.Recent[0].ID, cc.Recent[4].ID)
	}
	if cc.BaselineDailyCount <= 0 {
		t.Errorf("baseline daily count = %.4f, want > 0", cc.BaselineDailyCount)
	}

	// Excluding the transaction under evaluation removes it from every
	// aggregate and from the recent sequence.
	cc, err = store.GetCustomerContext(ctx, "cust-1", "tx-1", asOf)
	if err != nil {
		t.Fatalf("GetCustomerContext with exclusion: %v", err)
	}
	if cc.HistoryCount != 4 {
		t.Errorf("excluded history count = %d, want 4", cc.HistoryCount)
	}
	if cc.AvgAmount != 350 {
		t.Errorf("excluded avg amount = %.2f, want 350", cc.AvgAmount)
	}
	if cc.Window1h.Count != 0 || !cc.Window1h.Sum.IsZero() {
		t.Errorf("1h window still counts excluded transaction: %+v", cc.Window1h)
	}
	if cc.Window24h.Count != 1 || !cc.Window24h.Sum.Equal(decimal.NewFromInt(200)) {
		t.Errorf("24h window = %+v, want count 1 sum 200", cc.Window24h)
	}
	for _, r := range cc.Recent {
		if r.ID == "tx-1" {
			t.Error("excluded transaction present in recent sequence")
		}
	}
}

func TestRuleVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mkRule := func(id, version string, active bool) *domain.Rule {
		return &domain.Rule{
			ID:      id,
			Version: version,
			Type:    domain.RuleThreshold,
			Label:   "limit",
			Active:  active,
			Weight:  1,
			Params:  map[string]any{"amount_limit": "100", "currency": "USD"},
		}
	}

	for _, r := range []*domain.Rule{
		mkRule("b-rule", "1", true),
		mkRule("b-rule", "2", true),
		mkRule("a-rule", "1", true),
		mkRule("c-rule", "1", false),
	} {
		if err := store.SaveRule(ctx, r); err != nil {
			t.Fatalf("SaveRule %s v%s: %v", r.ID, r.Version, err)
		}
	}

	got, err := store.GetRule(ctx, "b-rule")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Version != "2" {
		t.Errorf("GetRule returned version %s, want latest 2", got.Version)
	}
	if got.Params["amount_limit"] != "100" {
		t.Errorf("params round trip lost amount_limit: %v", got.Params)
	}

	active, err := store.GetActiveRules(ctx)
	if err != nil {
		t.Fatalf("GetActiveRules: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active rules = %d, want 2", len(active))
	}
	if active[0].ID != "a-rule" || active[1].ID != "b-rule" {
		t.Errorf("active rules out of order: %s, %s", active[0].ID, active[1].ID)
	}
	if active[1].Version != "2" {
		t.Errorf("active b-rule version = %s, want 2", active[1].Version)
	}

	all, err := store.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all rules = %d, want 3 (latest version each)", len(all))
	}

	if _, err := store.GetRule(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown rule: err = %v, want ErrNotFound", err)
	}
}

func TestAlertLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.FindOpenAlert(ctx, "tx-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("FindOpenAlert on empty store: err = %v, want ErrNotFound", err)
	}

	alert := &domain.Alert{
		ID:            "alert-1",
		TransactionID: "tx-1",
		CustomerID:    "cust-1",
		RuleIDs:       []string{"r1", "r2"},
		Score:         62,
		Band:          domain.BandHigh,
		Status:        domain.AlertOpen,
		Priority:      330,
		Title:         "2 rule(s) triggered on transaction tx-1",
		Notes:         []domain.ReviewNote{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	found, err := store.FindOpenAlert(ctx, "tx-1")
	if err != nil {
		t.Fatalf("FindOpenAlert: %v", err)
	}
	if found.ID != "alert-1" || len(found.RuleIDs) != 2 {
		t.Errorf("found alert = %+v", found)
	}

	// A second open alert for the same transaction violates the
	// partial unique index.
	dup := *alert
	dup.ID = "alert-2"
	if err := store.SaveAlert(ctx, &dup); err == nil {
		t.Error("second open alert for the same transaction was accepted")
	}

	// Closing the alert frees the slot for a future re-evaluation.
	alert.Status = domain.AlertClosedFalsePositive
	alert.Notes = append(alert.Notes, domain.ReviewNote{Author: "analyst", Timestamp: now, Text: "benign"})
	alert.UpdatedAt = now.Add(time.Minute)
	if err := store.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("SaveAlert close: %v", err)
	}
	if _, err := store.FindOpenAlert(ctx, "tx-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("closed alert still found as open: err = %v", err)
	}

	reopened := dup
	reopened.ID = "alert-3"
	if err := store.SaveAlert(ctx, &reopened); err != nil {
		t.Fatalf("new open alert after closure: %v", err)
	}

	got, err := store.GetAlert(ctx, "alert-1")
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if len(got.Notes) != 1 || got.Notes[0].Author != "analyst" {
		t.Errorf("notes round trip = %+v", got.Notes)
	}
	if got.Status != domain.AlertClosedFalsePositive {
		t.Errorf("status = %s", got.Status)
	}
}

func TestListAlertsAndCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, spec := range []struct {
		status   domain.AlertStatus
		band     domain.Band
		priority int
	}{
		{domain.AlertOpen, domain.BandHigh, 300},
		{domain.AlertOpen, domain.BandCritical, 420},
		{domain.AlertUnderReview, domain.BandHigh, 310},
		{domain.AlertClosedConfirmed, domain.BandCritical, 400},
	} {
		a := &domain.Alert{
			ID:            fmt.Sprintf("alert-%d", i),
			TransactionID: fmt.Sprintf("tx-%d", i),
			CustomerID:    "cust-1",
			RuleIDs:       []string{"r1"},
			Score:         70,
			Band:          spec.band,
			Status:        spec.status,
			Priority:      spec.priority,
			Title:         "t",
			Notes:         []domain.ReviewNote{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := store.SaveAlert(ctx, a); err != nil {
			t.Fatalf("SaveAlert %d: %v", i, err)
		}
	}

	open, err := store.ListAlerts(ctx, domain.AlertOpen, 10)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open alerts = %d, want 2", len(open))
	}
	if open[0].Priority < open[1].Priority {
		t.Errorf("alerts not in priority order: %d before %d", open[0].Priority, open[1].Priority)
	}

	all, err := store.ListAlerts(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListAlerts all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("all alerts = %d, want 4", len(all))
	}

	counts, err := store.CountOpenAlertsByBand(ctx)
	if err != nil {
		t.Fatalf("CountOpenAlertsByBand: %v", err)
	}
	if counts[domain.BandHigh] != 2 || counts[domain.BandCritical] != 1 {
		t.Errorf("counts = %v, want HIGH:2 CRITICAL:1", counts)
	}
}

func TestSaveRiskScore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rs := &domain.RiskScore{
		ID:          "score-1",
		SubjectType: domain.SubjectTransaction,
		SubjectID:   "tx-1",
		Score:       55.5,
		Band:        domain.BandHigh,
		Breakdown: map[string]domain.FactorContribution{
			"amount": {Raw: 80, Weight: 0.25, Weighted: 20},
		},
		ComputedAt: time.Now().UTC(),
	}
	if err := store.SaveRiskScore(ctx, rs); err != nil {
		t.Fatalf("SaveRiskScore: %v", err)
	}
	// Identical re-insert is a no-op.
	if err := store.SaveRiskScore(ctx, rs); err != nil {
		t.Fatalf("idempotent SaveRiskScore: %v", err)
	}
}
