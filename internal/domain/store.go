package domain

import (
	"context"
	"time"
)

// Store is the persistence boundary consumed by the monitoring core.
// All durable state lives behind it; the core itself is stateless.
// Implementations report transient I/O failures as ErrStoreUnavailable
// and unknown records as ErrNotFound.
type Store interface {
	// Transactions
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// Customers
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	SaveCustomer(ctx context.Context, c *Customer) error
	// GetCustomerContext builds the historical-aggregate snapshot for a
	// customer as of the given time. excludeTxID drops the transaction
	// under evaluation from the aggregates so re-running an already
	// persisted transaction sees the same history as its first run.
	// Returns ErrNotFound for unknown customers.
	GetCustomerContext(ctx context.Context, customerID, excludeTxID string, asOf time.Time) (*CustomerContext, error)
	// UpdateCustomerProfile persists new risk state using the Version
	// field as an optimistic concurrency tag (last write wins on
	// conflict is not acceptable for the profile row itself).
	UpdateCustomerProfile(ctx context.Context, c *Customer) error

	// Rules
	SaveRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	// GetActiveRules returns active rules ordered by ascending rule ID
	// so evaluation order is deterministic.
	GetActiveRules(ctx context.Context) ([]*Rule, error)

	// Risk scores
	SaveRiskScore(ctx context.Context, s *RiskScore) error

	// Alerts
	// FindOpenAlert returns the alert in OPEN or UNDER_REVIEW status for
	// the transaction, or ErrNotFound when none exists.
	FindOpenAlert(ctx context.Context, txID string) (*Alert, error)
	// SaveAlert inserts or updates an alert. The store guarantees
	// at most one open alert per transaction.
	SaveAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]*Alert, error)
	CountOpenAlertsByBand(ctx context.Context) (map[Band]int, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StoreConfig holds configuration for store initialization.
type StoreConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// RecentLimit bounds the Recent slice in customer contexts.
	RecentLimit int
}
