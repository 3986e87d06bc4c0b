// Package domain defines the core types and interfaces for Kestrel.
package domain

import "errors"

// Error taxonomy shared across the monitoring pipeline.
//
// Rule runtime failures are deliberately not represented here: a single
// rule's evaluation error is isolated inside its RuleResult and never
// aborts the batch.
var (
	// ErrRuleConfig marks malformed rule parameters. Raised at rule
	// activation, never at transaction time.
	ErrRuleConfig = errors.New("invalid rule configuration")

	// ErrNotFound marks an unknown customer, transaction, rule or alert.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition marks an illegal alert status change. The
	// alert is left unchanged.
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrStoreUnavailable marks a transient persistence failure. The
	// core performs no internal retry; callers may.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidInput marks a malformed request at the API boundary.
	ErrInvalidInput = errors.New("invalid input")
)
