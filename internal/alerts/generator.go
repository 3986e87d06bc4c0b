// Package alerts turns rule and scoring output into review-workflow
// alerts: creation with priority assignment, augmentation of an
// existing open alert on re-evaluation, and legal status transitions.
package alerts

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Generator builds and mutates alerts. Stateless; persistence is the
// caller's responsibility so alert creation stays a single commit point.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Raise builds a new OPEN alert from an evaluation outcome.
// triggered may be empty for a score-only alert.
func (g *Generator) Raise(tx *domain.Transaction, triggered []domain.RuleResult, score *domain.RiskScore) *domain.Alert {
	now := time.Now().UTC()

	ruleIDs := make([]string, 0, len(triggered))
	for _, r := range triggered {
		ruleIDs = append(ruleIDs, r.RuleID)
	}

	return &domain.Alert{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		CustomerID:    tx.CustomerID,
		RuleIDs:       ruleIDs,
		Score:         score.Score,
		Band:          score.Band,
		Status:        domain.AlertOpen,
		Priority:      Priority(score.Band, severitySum(triggered)),
		Title:         title(tx, triggered, score),
		Description:   description(tx, triggered, score),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Augment folds a re-evaluation into an existing open alert instead of
// creating a duplicate. Rule IDs are merged, the score snapshot and
// priority are refreshed, and the update is recorded in the note trail.
func (g *Generator) Augment(existing *domain.Alert, triggered []domain.RuleResult, score *domain.RiskScore) (*domain.Alert, error) {
	if existing.Status != domain.AlertOpen && existing.Status != domain.AlertUnderReview {
		return nil, fmt.Errorf("%w: alert %s is %s, cannot augment", domain.ErrInvalidTransition, existing.ID, existing.Status)
	}

	updated := *existing
	updated.RuleIDs = mergeRuleIDs(existing.RuleIDs, triggered)
	updated.Score = score.Score
	updated.Band = score.Band
	updated.Priority = Priority(score.Band, severitySum(triggered))
	updated.UpdatedAt = time.Now().UTC()
	updated.Notes = append(append([]domain.ReviewNote(nil), existing.Notes...), domain.ReviewNote{
		Author:    "system",
		Timestamp: updated.UpdatedAt,
		Text:      fmt.Sprintf("re-evaluation: score %.1f (%s), %d triggered rules", score.Score, score.Band, len(triggered)),
	})
	return &updated, nil
}

// Transition applies a review-workflow status change. Illegal
// transitions return ErrInvalidTransition and leave the alert
// unchanged. Every transition requires an author and a note, so the
// review trail explains each state the alert passed through.
func (g *Generator) Transition(alert *domain.Alert, to domain.AlertStatus, author, note string) (*domain.Alert, error) {
	if author == "" || note == "" {
		return nil, fmt.Errorf("%w: status change requires an author and a note", domain.ErrInvalidInput)
	}
	if !domain.CanTransition(alert.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, alert.Status, to)
	}

	updated := *alert
	updated.Status = to
	updated.UpdatedAt = time.Now().UTC()
	updated.Notes = append(append([]domain.ReviewNote(nil), alert.Notes...), domain.ReviewNote{
		Author:    author,
		Timestamp: updated.UpdatedAt,
		Text:      note,
	})
	return &updated, nil
}

// Priority maps (score band, triggered severity sum) to a review-queue
// sort key. Monotonic in both inputs; higher means review sooner.
func Priority(band domain.Band, severity float64) int {
	p := (band.Rank() + 1) * 100
	if severity > 0 {
		bump := int(severity * 10)
		if bump > 99 {
			bump = 99
		}
		p += bump
	}
	return p
}

func severitySum(triggered []domain.RuleResult) float64 {
	var sum float64
	for _, r := range triggered {
		sum += r.Severity
	}
	return sum
}

func mergeRuleIDs(existing []string, triggered []domain.RuleResult) []string {
	seen := make(map[string]bool, len(existing)+len(triggered))
	merged := make([]string, 0, len(existing)+len(triggered))
	for _, id := range existing {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	for _, r := range triggered {
		if !seen[r.RuleID] {
			seen[r.RuleID] = true
			merged = append(merged, r.RuleID)
		}
	}
	sort.Strings(merged)
	return merged
}

func title(tx *domain.Transaction, triggered []domain.RuleResult, score *domain.RiskScore) string {
	if len(triggered) == 0 {
		return fmt.Sprintf("%s risk score on transaction %s", score.Band, tx.ID)
	}
	return fmt.Sprintf("%d rule(s) triggered on transaction %s", len(triggered), tx.ID)
}

func description(tx *domain.Transaction, triggered []domain.RuleResult, score *domain.RiskScore) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction %s: %s %s %s for customer %s scored %.1f (%s).",
		tx.ID, tx.Amount.String(), tx.Currency, tx.Direction, tx.CustomerID, score.Score, score.Band)
	for _, r := range triggered {
		fmt.Fprintf(&b, "\n- %s: %s", r.RuleID, r.Explanation)
	}
	return b.String()
}
