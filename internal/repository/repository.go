// Package repository provides the SQL-backed store implementation.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// SQLStore implements domain.Store using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db          *sql.DB
	driver      string
	recentLimit int
}

// New creates a store based on configuration.
func New(cfg domain.StoreConfig) (domain.Store, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	recentLimit := cfg.RecentLimit
	if recentLimit <= 0 {
		recentLimit = 50
	}

	store := &SQLStore{
		db:          db,
		driver:      cfg.Driver,
		recentLimit: recentLimit,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction upserts a transaction. Transactions are immutable, so
// re-saving the same ID on re-evaluation is a no-op on the row content.
func (s *SQLStore) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	metadata, _ := json.Marshal(tx.Metadata)
	amountNum, _ := tx.Amount.Float64()

	query := `
		INSERT INTO transactions (
			id, customer_id, amount, amount_num, currency, direction,
			counterparty_id, counterparty_country, channel,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		tx.ID, tx.CustomerID,
		tx.Amount.String(), amountNum, tx.Currency, string(tx.Direction),
		tx.CounterpartyID, tx.CounterpartyCountry, string(tx.Channel),
		tx.Timestamp, tx.CreatedAt, string(metadata),
	)
	if err != nil {
		return storeErr("save transaction", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *SQLStore) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, customer_id, amount, currency, direction,
			   counterparty_id, counterparty_country, channel,
			   timestamp, created_at, metadata
		FROM transactions
		WHERE id = ?
	`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, s.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, txID)
	}
	if err != nil {
		return nil, storeErr("get transaction", err)
	}
	return tx, nil
}

// SaveCustomer upserts a customer profile row.
func (s *SQLStore) SaveCustomer(ctx context.Context, c *domain.Customer) error {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.RiskLevel == "" {
		c.RiskLevel = domain.BandLow
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO customers (id, kyc_tier, country, opened_at, risk_score, risk_level, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kyc_tier = excluded.kyc_tier,
			country = excluded.country,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		c.ID, string(c.KYCTier), c.Country, c.OpenedAt,
		c.RiskScore, string(c.RiskLevel), c.Version, c.UpdatedAt,
	)
	if err != nil {
		return storeErr("save customer", err)
	}
	return nil
}

// GetCustomer retrieves a customer by ID.
func (s *SQLStore) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	query := `
		SELECT id, kyc_tier, country, opened_at, risk_score, risk_level, version, updated_at
		FROM customers
		WHERE id = ?
	`

	var c domain.Customer
	err := s.db.QueryRowContext(ctx, s.rebind(query), customerID).Scan(
		&c.ID, &c.KYCTier, &c.Country, &c.OpenedAt,
		&c.RiskScore, &c.RiskLevel, &c.Version, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
	}
	if err != nil {
		return nil, storeErr("get customer", err)
	}
	return &c, nil
}

// UpdateCustomerProfile persists new risk state with an optimistic
// version check. A concurrent update loses and gets a transient error
// so the caller can re-read and retry.
func (s *SQLStore) UpdateCustomerProfile(ctx context.Context, c *domain.Customer) error {
	query := `
		UPDATE customers
		SET risk_score = ?, risk_level = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, s.rebind(query),
		c.RiskScore, string(c.RiskLevel), c.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return storeErr("update customer profile", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("update customer profile", err)
	}
	if rows == 0 {
		if _, err := s.GetCustomer(ctx, c.ID); errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: version conflict updating customer %s", domain.ErrStoreUnavailable, c.ID)
	}
	c.Version++
	return nil
}

// GetCustomerContext builds the historical-aggregate snapshot for a
// customer as of the given time. The transaction under evaluation is
// excluded by ID: on a first run it is not yet persisted anyway, and on
// a re-run the exclusion keeps it from counting as its own history.
func (s *SQLStore) GetCustomerContext(ctx context.Context, customerID, excludeTxID string, asOf time.Time) (*domain.CustomerContext, error) {
	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	cc := &domain.CustomerContext{
		Customer: *customer,
		AsOf:     asOf,
	}

	aggQuery := `
		SELECT
			COUNT(*),
			COALESCE(AVG(amount_num), 0),
			COALESCE(AVG(amount_num * amount_num), 0),
			COUNT(CASE WHEN timestamp >= ? THEN 1 END),
			COALESCE(SUM(CASE WHEN timestamp >= ? THEN amount_num END), 0),
			COUNT(CASE WHEN timestamp >= ? THEN 1 END),
			COALESCE(SUM(CASE WHEN timestamp >= ? THEN amount_num END), 0),
			COUNT(CASE WHEN timestamp >= ? THEN 1 END),
			COALESCE(SUM(CASE WHEN timestamp >= ? THEN amount_num END), 0),
			COUNT(CASE WHEN timestamp >= ? THEN 1 END),
			COALESCE(SUM(CASE WHEN timestamp >= ? THEN amount_num END), 0)
		FROM transactions
		WHERE customer_id = ? AND id != ? AND timestamp <= ?
	`

	since1h := asOf.Add(-time.Hour)
	since24h := asOf.Add(-24 * time.Hour)
	since7d := asOf.Add(-7 * 24 * time.Hour)
	since30d := asOf.Add(-30 * 24 * time.Hour)

	var (
		meanSquares float64
		sum1h, sum24h, sum7d, sum30d float64
	)
	err = s.db.QueryRowContext(ctx, s.rebind(aggQuery),
		since1h, since1h, since24h, since24h, since7d, since7d, since30d, since30d,
		customerID, excludeTxID, asOf,
	).Scan(
		&cc.HistoryCount, &cc.AvgAmount, &meanSquares,
		&cc.Window1h.Count, &sum1h,
		&cc.Window24h.Count, &sum24h,
		&cc.Window7d.Count, &sum7d,
		&cc.Window30d.Count, &sum30d,
	)
	if err != nil {
		return nil, storeErr("aggregate customer history", err)
	}

	cc.StdDevAmount = stddev(cc.AvgAmount, meanSquares)
	cc.Window1h.Sum = decimal.NewFromFloat(sum1h)
	cc.Window24h.Sum = decimal.NewFromFloat(sum24h)
	cc.Window7d.Sum = decimal.NewFromFloat(sum7d)
	cc.Window30d.Sum = decimal.NewFromFloat(sum30d)

	ageDays := int(asOf.Sub(customer.OpenedAt).Hours() / 24)
	if ageDays < 1 {
		ageDays = 1
	}
	cc.BaselineDailyCount = float64(cc.HistoryCount) / float64(ageDays)

	recent, err := s.recentTransactions(ctx, customerID, excludeTxID, asOf)
	if err != nil {
		return nil, err
	}
	cc.Recent = recent

	return cc, nil
}

func (s *SQLStore) recentTransactions(ctx context.Context, customerID, excludeTxID string, asOf time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT id, customer_id, amount, currency, direction,
			   counterparty_id, counterparty_country, channel,
			   timestamp, created_at, metadata
		FROM transactions
		WHERE customer_id = ? AND id != ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), customerID, excludeTxID, asOf, s.recentLimit)
	if err != nil {
		return nil, storeErr("load recent transactions", err)
	}
	defer rows.Close()

	var recent []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, storeErr("load recent transactions", err)
		}
		recent = append(recent, tx)
	}
	return recent, rows.Err()
}

// SaveRule upserts one (id, version) row.
func (s *SQLStore) SaveRule(ctx context.Context, r *domain.Rule) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("%w: rule params not serializable: %v", domain.ErrInvalidInput, err)
	}

	active := 0
	if r.Active {
		active = 1
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	query := `
		INSERT INTO rules (id, version, type, label, active, weight, filter, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			type = excluded.type,
			label = excluded.label,
			active = excluded.active,
			weight = excluded.weight,
			filter = excluded.filter,
			params = excluded.params,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		r.ID, r.Version, string(r.Type), r.Label, active,
		r.Weight, r.Filter, string(params), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return storeErr("save rule", err)
	}
	return nil
}

const ruleColumns = `id, version, type, label, active, weight, filter, params, created_at, updated_at`

// GetRule retrieves the latest version of a rule.
func (s *SQLStore) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE id = ?
		ORDER BY version DESC
		LIMIT 1
	`
	r, err := scanRule(s.db.QueryRowContext(ctx, s.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
	}
	if err != nil {
		return nil, storeErr("get rule", err)
	}
	return r, nil
}

// ListRules returns the latest version of every rule, ascending by ID.
func (s *SQLStore) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE version = (SELECT MAX(version) FROM rules r2 WHERE r2.id = rules.id)
		ORDER BY id
	`
	return s.queryRules(ctx, query)
}

// GetActiveRules returns the latest version of every active rule,
// ascending by ID so evaluation order is deterministic.
func (s *SQLStore) GetActiveRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE active = 1
		  AND version = (SELECT MAX(version) FROM rules r2 WHERE r2.id = rules.id)
		ORDER BY id
	`
	return s.queryRules(ctx, query)
}

func (s *SQLStore) queryRules(ctx context.Context, query string) ([]*domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, storeErr("list rules", err)
	}
	defer rows.Close()

	var out []*domain.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, storeErr("list rules", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRiskScore inserts an immutable scoring record.
func (s *SQLStore) SaveRiskScore(ctx context.Context, rs *domain.RiskScore) error {
	breakdown, _ := json.Marshal(rs.Breakdown)

	query := `
		INSERT INTO risk_scores (id, subject_type, subject_id, score, band, breakdown, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		rs.ID, string(rs.SubjectType), rs.SubjectID,
		rs.Score, string(rs.Band), string(breakdown), rs.ComputedAt,
	)
	if err != nil {
		return storeErr("save risk score", err)
	}
	return nil
}

const alertColumns = `id, transaction_id, customer_id, rule_ids, score, band, status, priority, title, description, notes, created_at, updated_at`

// SaveAlert upserts an alert. The partial unique index on open alerts
// rejects a concurrent second open alert for the same transaction; the
// loser sees a transient error and re-reads.
func (s *SQLStore) SaveAlert(ctx context.Context, a *domain.Alert) error {
	ruleIDs, _ := json.Marshal(a.RuleIDs)
	notes, _ := json.Marshal(a.Notes)

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_ids = excluded.rule_ids,
			score = excluded.score,
			band = excluded.band,
			status = excluded.status,
			priority = excluded.priority,
			title = excluded.title,
			description = excluded.description,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		a.ID, a.TransactionID, a.CustomerID, string(ruleIDs),
		a.Score, string(a.Band), string(a.Status), a.Priority,
		a.Title, a.Description, string(notes), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return storeErr("save alert", err)
	}
	return nil
}

// FindOpenAlert returns the OPEN or UNDER_REVIEW alert for a
// transaction, or ErrNotFound when none exists.
func (s *SQLStore) FindOpenAlert(ctx context.Context, txID string) (*domain.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE transaction_id = ? AND status IN ('OPEN', 'UNDER_REVIEW')
		LIMIT 1
	`
	a, err := scanAlert(s.db.QueryRowContext(ctx, s.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no open alert for transaction %s", domain.ErrNotFound, txID)
	}
	if err != nil {
		return nil, storeErr("find open alert", err)
	}
	return a, nil
}

// GetAlert retrieves an alert by ID.
func (s *SQLStore) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE id = ?
	`
	a, err := scanAlert(s.db.QueryRowContext(ctx, s.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}
	if err != nil {
		return nil, storeErr("get alert", err)
	}
	return a, nil
}

// ListAlerts returns alerts in review-queue order: priority first, then
// recency. An empty status matches every alert.
func (s *SQLStore) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list alerts", err)
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, storeErr("list alerts", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountOpenAlertsByBand returns review-queue sizes per score band.
func (s *SQLStore) CountOpenAlertsByBand(ctx context.Context) (map[domain.Band]int, error) {
	query := `
		SELECT band, COUNT(*)
		FROM alerts
		WHERE status IN ('OPEN', 'UNDER_REVIEW')
		GROUP BY band
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, storeErr("count open alerts", err)
	}
	defer rows.Close()

	counts := make(map[domain.Band]int)
	for rows.Next() {
		var band string
		var count int
		if err := rows.Scan(&band, &count); err != nil {
			return nil, storeErr("count open alerts", err)
		}
		counts[domain.Band(band)] = count
	}
	return counts, rows.Err()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// storeErr wraps driver failures as transient store errors so callers
// can errors.Is against ErrStoreUnavailable and retry.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var amount, metadata string

	err := row.Scan(
		&tx.ID, &tx.CustomerID, &amount, &tx.Currency, &tx.Direction,
		&tx.CounterpartyID, &tx.CounterpartyCountry, &tx.Channel,
		&tx.Timestamp, &tx.CreatedAt, &metadata,
	)
	if err != nil {
		return nil, err
	}

	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q for transaction %s: %w", amount, tx.ID, err)
	}
	if metadata != "" && metadata != "null" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}
	return &tx, nil
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var r domain.Rule
	var active int
	var filter sql.NullString
	var params string

	err := row.Scan(
		&r.ID, &r.Version, &r.Type, &r.Label, &active,
		&r.Weight, &filter, &params, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Active = active == 1
	r.Filter = filter.String
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("corrupt params for rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var ruleIDs, notes string
	var description sql.NullString

	err := row.Scan(
		&a.ID, &a.TransactionID, &a.CustomerID, &ruleIDs,
		&a.Score, &a.Band, &a.Status, &a.Priority,
		&a.Title, &description, &notes, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Description = description.String
	json.Unmarshal([]byte(ruleIDs), &a.RuleIDs)
	json.Unmarshal([]byte(notes), &a.Notes)
	return &a, nil
}

// stddev derives the population standard deviation from the mean and
// the mean of squares. Guarded against negative rounding residue.
func stddev(mean, meanSquares float64) float64 {
	variance := meanSquares - mean*mean
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}
