// Package rules implements the detection rule engine.
//
// The rule-type set is closed (THRESHOLD, PATTERN, BEHAVIORAL,
// GEOGRAPHIC): each type has its own evaluation function and a typed
// configuration struct validated at activation time. An optional CEL
// filter expression per rule scopes which transactions the rule applies
// to; filters are compiled and type-checked at activation as well, so
// nothing is parsed in the hot evaluation path.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine holds the compiled active rule set.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	ordered       []*CompiledRule // ascending rule ID
	maxWorkers    int
}

// CompiledRule is a rule whose parameters and filter have been validated.
type CompiledRule struct {
	Rule   *domain.Rule
	filter cel.Program
	eval   evalFunc
}

// evalFunc evaluates one transaction against validated parameters.
// It must be a pure function of its inputs.
type evalFunc func(tx *domain.Transaction, cc *domain.CustomerContext) domain.RuleResult

// NewEngine creates a rule engine with a bounded evaluation concurrency.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("direction", cel.StringType),
		cel.Variable("counterparty_country", cel.StringType),
		cel.Variable("customer_country", cel.StringType),
		cel.Variable("kyc_tier", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without loading it.
// Returns domain.ErrRuleConfig (wrapped) on malformed configuration.
func (e *Engine) ValidateRule(r *domain.Rule) error {
	if r == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrRuleConfig)
	}
	_, err := e.compileRule(r)
	return err
}

// LoadRule compiles and loads one rule into the engine.
func (e *Engine) LoadRule(r *domain.Rule) error {
	compiled, err := e.compileRule(r)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules[r.ID] = compiled
	e.reorder()
	return nil
}

// LoadRules compiles and loads every active rule in the slice.
func (e *Engine) LoadRules(rs []*domain.Rule) error {
	for _, r := range rs {
		if !r.Active {
			continue
		}
		if err := e.LoadRule(r); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules atomically replaces the loaded rule set. Used for
// hot-reloading after rule edits; concurrent evaluations keep seeing the
// old set until the swap completes.
func (e *Engine) ReloadRules(rs []*domain.Rule) error {
	next := make(map[string]*CompiledRule, len(rs))
	for _, r := range rs {
		if !r.Active {
			continue
		}
		compiled, err := e.compileRule(r)
		if err != nil {
			return err
		}
		next[r.ID] = compiled
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = next
	e.reorder()
	return nil
}

// reorder rebuilds the ascending-ID evaluation order. Callers hold e.mu.
func (e *Engine) reorder() {
	ordered := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, cr := range e.compiledRules {
		ordered = append(ordered, cr)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Rule.ID < ordered[j].Rule.ID
	})
	e.ordered = ordered
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rules in evaluation order.
func (e *Engine) GetLoadedRules() []*domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs := make([]*domain.Rule, len(e.ordered))
	for i, cr := range e.ordered {
		rs[i] = cr.Rule
	}
	return rs
}

// Evaluation is the outcome of running the full rule set.
type Evaluation struct {
	// Results holds one entry per loaded rule, in evaluation order
	// (ascending rule ID), including non-triggered and errored rules.
	Results []domain.RuleResult

	// Triggered is the triggered subset in the same order.
	Triggered []domain.RuleResult
}

// SeveritySum is the total severity contribution of triggered rules.
func (ev *Evaluation) SeveritySum() float64 {
	var sum float64
	for _, r := range ev.Triggered {
		sum += r.Severity
	}
	return sum
}

// EvaluateAll runs every loaded rule against one transaction. A failure
// in one rule is recorded in its result and does not abort the rest.
// The outcome is a pure function of (transaction, context, rule set).
func (e *Engine) EvaluateAll(ctx context.Context, tx *domain.Transaction, cc *domain.CustomerContext) (*Evaluation, error) {
	if tx == nil || cc == nil {
		return nil, fmt.Errorf("%w: transaction and customer context are required", domain.ErrInvalidInput)
	}

	e.mu.RLock()
	ordered := e.ordered
	e.mu.RUnlock()

	if len(ordered) == 0 {
		return &Evaluation{}, nil
	}

	activation := filterActivation(tx, cc)

	results := make([]domain.RuleResult, len(ordered))
	sem := make(chan struct{}, e.maxWorkers)
	var wg sync.WaitGroup

	for i, cr := range ordered {
		wg.Add(1)
		go func(idx int, cr *CompiledRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = cr.evaluate(tx, cc, activation)
		}(i, cr)
	}
	wg.Wait()

	ev := &Evaluation{Results: results}
	for _, r := range results {
		if r.Triggered {
			ev.Triggered = append(ev.Triggered, r)
		}
	}
	return ev, nil
}

// evaluate applies the filter, then the typed evaluation function.
func (cr *CompiledRule) evaluate(tx *domain.Transaction, cc *domain.CustomerContext, activation map[string]any) domain.RuleResult {
	base := domain.RuleResult{RuleID: cr.Rule.ID, RuleVersion: cr.Rule.Version}

	if cr.filter != nil {
		out, _, err := cr.filter.Eval(activation)
		if err != nil {
			base.Err = fmt.Sprintf("filter evaluation: %v", err)
			return base
		}
		match, ok := out.(types.Bool)
		if !ok {
			base.Err = fmt.Sprintf("filter returned %T, want bool", out)
			return base
		}
		if !bool(match) {
			base.Explanation = "filter did not match"
			return base
		}
	}

	return cr.eval(tx, cc)
}

// filterActivation builds the CEL variable bindings for one transaction.
func filterActivation(tx *domain.Transaction, cc *domain.CustomerContext) map[string]any {
	amount, _ := tx.Amount.Float64()
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return map[string]any{
		"amount":               amount,
		"currency":             tx.Currency,
		"channel":              string(tx.Channel),
		"direction":            string(tx.Direction),
		"counterparty_country": tx.CounterpartyCountry,
		"customer_country":     cc.Customer.Country,
		"kyc_tier":             string(cc.Customer.KYCTier),
		"metadata":             metadata,
	}
}

// Close clears the loaded rule set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	e.ordered = nil
	return nil
}

// compileRule validates parameters into a typed evaluation closure and
// compiles the optional CEL filter.
func (e *Engine) compileRule(r *domain.Rule) (*CompiledRule, error) {
	if r.Weight < 0 {
		return nil, fmt.Errorf("%w: rule %s: weight must not be negative", domain.ErrRuleConfig, r.ID)
	}

	var eval evalFunc
	switch r.Type {
	case domain.RuleThreshold:
		p, err := r.ParseThresholdParams()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		eval = thresholdEval(r, p)
	case domain.RuleGeographic:
		p, err := r.ParseGeographicParams()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		eval = geographicEval(r, p)
	case domain.RuleBehavioral:
		p, err := r.ParseBehavioralParams()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		eval = behavioralEval(r, p)
	case domain.RulePattern:
		p, err := r.ParsePatternParams()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		eval = patternEval(r, p)
	default:
		return nil, fmt.Errorf("%w: rule %s: unknown type %q", domain.ErrRuleConfig, r.ID, r.Type)
	}

	compiled := &CompiledRule{Rule: r, eval: eval}

	if r.Filter != "" {
		ast, issues := e.env.Compile(r.Filter)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: rule %s: filter: %v", domain.ErrRuleConfig, r.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%w: rule %s: filter must return bool, got %s", domain.ErrRuleConfig, r.ID, ast.OutputType())
		}
		program, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: filter: %v", domain.ErrRuleConfig, r.ID, err)
		}
		compiled.filter = program
	}

	return compiled, nil
}
