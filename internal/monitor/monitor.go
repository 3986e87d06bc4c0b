// Package monitor orchestrates the detection pipeline for one
// transaction: context fetch, rule evaluation, scoring, alert decision,
// then a single persistence phase.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Monitor runs the evaluation lifecycle RECEIVED -> RULES_EVALUATED ->
// SCORED -> (ALERTED|CLEARED) -> PERSISTED. Computation is a pure
// function of (transaction, loaded rules, context snapshot); nothing is
// written until the whole computation has finished, so a cancelled or
// failed evaluation leaves no partial alert or score behind.
type Monitor struct {
	store     domain.Store
	engine    *rules.Engine
	scorer    *scoring.Scorer
	generator *alerts.Generator
	history   *history.Service
	cfg       domain.MonitorConfig
	logger    *slog.Logger
}

// New creates a monitor over the given components.
func New(store domain.Store, engine *rules.Engine, scorer *scoring.Scorer, hist *history.Service, cfg domain.MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AlertBand == "" {
		cfg.AlertBand = domain.BandHigh
	}
	return &Monitor{
		store:     store,
		engine:    engine,
		scorer:    scorer,
		generator: alerts.NewGenerator(),
		history:   hist,
		cfg:       cfg,
		logger:    logger,
	}
}

// RefreshRules reloads the engine from the store's active rule set.
func (m *Monitor) RefreshRules(ctx context.Context) error {
	active, err := m.store.GetActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}
	if err := m.engine.ReloadRules(active); err != nil {
		return err
	}
	m.logger.Info("rules reloaded", "count", m.engine.RulesCount())
	return nil
}

// Process evaluates one transaction end to end. Re-running with the
// same rule set and context snapshot yields the same rule results and
// scores; only alert persistence varies, and an existing open alert is
// augmented instead of duplicated.
func (m *Monitor) Process(ctx context.Context, tx *domain.Transaction) (*domain.MonitorResult, error) {
	if err := validate(tx); err != nil {
		return nil, err
	}

	result := &domain.MonitorResult{TransactionID: tx.ID, Stage: domain.StageReceived}

	cc, err := m.history.GetContext(ctx, tx.CustomerID, tx.ID, tx.Timestamp)
	if err != nil {
		return result, fmt.Errorf("customer context for %s: %w", tx.CustomerID, err)
	}

	ev, err := m.engine.EvaluateAll(ctx, tx, cc)
	if err != nil {
		return result, err
	}
	result.Stage = domain.StageRulesEvaluated
	result.RuleResults = ev.Results
	result.TriggeredRules = ev.Triggered
	for _, r := range ev.Results {
		if r.Err != "" {
			m.logger.Warn("rule evaluation failed", "transaction_id", tx.ID, "rule_id", r.RuleID, "error", r.Err)
		}
	}

	geo := scoring.GeographyFromRules(m.engine.GetLoadedRules())
	txScore := m.scorer.ScoreTransaction(tx, cc, geo)
	custScore := m.scorer.ScoreCustomer(cc, txScore)
	result.Stage = domain.StageScored
	result.TransactionScore = txScore
	result.CustomerScore = custScore

	raise := len(ev.Triggered) > 0 || txScore.Band.Rank() >= m.cfg.AlertBand.Rank()
	if raise {
		result.Stage = domain.StageAlerted
	} else {
		result.Stage = domain.StageCleared
	}

	// Computation is done. Abort before touching the store if the
	// caller's deadline already fired.
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if err := m.persist(ctx, tx, cc, result, ev, raise); err != nil {
		return result, err
	}
	result.Stage = domain.StagePersisted

	m.logger.Info("transaction monitored",
		"transaction_id", tx.ID,
		"customer_id", tx.CustomerID,
		"score", txScore.Score,
		"band", txScore.Band,
		"triggered", len(ev.Triggered),
		"alerted", result.Alerted(),
	)
	return result, nil
}

// persist is the write phase. The alert write comes last so it acts as
// the commit point; earlier writes are idempotent upserts.
func (m *Monitor) persist(ctx context.Context, tx *domain.Transaction, cc *domain.CustomerContext, result *domain.MonitorResult, ev *rules.Evaluation, raise bool) error {
	if err := m.store.SaveTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
	}
	if err := m.store.SaveRiskScore(ctx, result.TransactionScore); err != nil {
		return fmt.Errorf("failed to save transaction score: %w", err)
	}
	if err := m.store.SaveRiskScore(ctx, result.CustomerScore); err != nil {
		return fmt.Errorf("failed to save customer score: %w", err)
	}

	customer := cc.Customer
	customer.RiskScore = result.CustomerScore.Score
	customer.RiskLevel = result.CustomerScore.Band
	customer.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateCustomerProfile(ctx, &customer); err != nil {
		return fmt.Errorf("failed to update customer profile %s: %w", customer.ID, err)
	}

	if raise {
		alert, err := m.upsertAlert(ctx, tx, ev.Triggered, result.TransactionScore)
		if err != nil {
			return err
		}
		result.Alert = alert
	}

	m.history.Invalidate(ctx, tx.CustomerID)
	m.history.RecordTransaction(ctx, tx.CustomerID)
	return nil
}

// upsertAlert enforces at-most-one open alert per transaction: an
// existing OPEN or UNDER_REVIEW alert is augmented in place.
func (m *Monitor) upsertAlert(ctx context.Context, tx *domain.Transaction, triggered []domain.RuleResult, score *domain.RiskScore) (*domain.Alert, error) {
	existing, err := m.store.FindOpenAlert(ctx, tx.ID)
	switch {
	case err == nil:
		updated, err := m.generator.Augment(existing, triggered, score)
		if err != nil {
			return nil, err
		}
		if err := m.store.SaveAlert(ctx, updated); err != nil {
			return nil, fmt.Errorf("failed to update alert %s: %w", updated.ID, err)
		}
		return updated, nil
	case errors.Is(err, domain.ErrNotFound):
		alert := m.generator.Raise(tx, triggered, score)
		if err := m.store.SaveAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
		}
		return alert, nil
	default:
		return nil, fmt.Errorf("failed to look up open alert for %s: %w", tx.ID, err)
	}
}

// ReviewAlert applies a review-workflow transition and persists it.
func (m *Monitor) ReviewAlert(ctx context.Context, alertID string, to domain.AlertStatus, author, note string) (*domain.Alert, error) {
	alert, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	updated, err := m.generator.Transition(alert, to, author, note)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveAlert(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to save alert %s: %w", updated.ID, err)
	}
	m.logger.Info("alert transitioned", "alert_id", alertID, "from", alert.Status, "to", to, "author", author)
	return updated, nil
}

func validate(tx *domain.Transaction) error {
	switch {
	case tx == nil:
		return fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	case tx.ID == "":
		return fmt.Errorf("%w: transaction ID is required", domain.ErrInvalidInput)
	case tx.CustomerID == "":
		return fmt.Errorf("%w: customer ID is required", domain.ErrInvalidInput)
	case tx.Amount.Sign() < 0:
		return fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	case tx.Currency == "":
		return fmt.Errorf("%w: currency is required", domain.ErrInvalidInput)
	case tx.Direction != domain.DirectionDebit && tx.Direction != domain.DirectionCredit:
		return fmt.Errorf("%w: direction must be DEBIT or CREDIT", domain.ErrInvalidInput)
	}
	return nil
}
