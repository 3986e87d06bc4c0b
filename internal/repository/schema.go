package repository

// Schema definitions for the Kestrel store.
// Compatible with both SQLite and PostgreSQL.

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT PRIMARY KEY,
    kyc_tier TEXT NOT NULL,
    country TEXT NOT NULL,
    opened_at TIMESTAMP NOT NULL,
    risk_score REAL NOT NULL DEFAULT 0,
    risk_level TEXT NOT NULL DEFAULT 'LOW',
    version INTEGER NOT NULL DEFAULT 1,
    updated_at TIMESTAMP NOT NULL
);
`

// Amounts are stored twice: the exact decimal string for reads and a
// numeric copy for SQL aggregation, which neither driver can do over
// TEXT portably.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    amount_num REAL NOT NULL,
    currency TEXT NOT NULL,
    direction TEXT NOT NULL,
    counterparty_id TEXT,
    counterparty_country TEXT,
    channel TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    version TEXT NOT NULL,
    type TEXT NOT NULL,
    label TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    weight REAL NOT NULL DEFAULT 1.0,
    filter TEXT,
    params TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active);
`

const schemaRiskScores = `
CREATE TABLE IF NOT EXISTS risk_scores (
    id TEXT PRIMARY KEY,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    score REAL NOT NULL,
    band TEXT NOT NULL,
    breakdown TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_scores_subject ON risk_scores(subject_type, subject_id);
`

// The partial unique index is the serialization point for alert
// creation: at most one OPEN or UNDER_REVIEW alert per transaction,
// enforced even under concurrent re-evaluation.
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    rule_ids TEXT NOT NULL,
    score REAL NOT NULL,
    band TEXT NOT NULL,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    notes TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_customer ON alerts(customer_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, priority);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_tx
    ON alerts(transaction_id) WHERE status IN ('OPEN', 'UNDER_REVIEW');
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCustomers,
		schemaTransactions,
		schemaRules,
		schemaRiskScores,
		schemaAlerts,
	}
}
