package repository

// Schema definitions for the Perch database.
// Compatible with both SQLite and PostgreSQL. Timestamps are naive wall-clock
// values stored as text in timeLayout.

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    name TEXT NOT NULL,
    email TEXT NOT NULL,
    phone TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_customers_seq ON customers(seq);
`

const schemaVisits = `
CREATE TABLE IF NOT EXISTS visits (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    customer_id TEXT NOT NULL,
    visited_at TEXT NOT NULL,
    party_size INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_visits_customer ON visits(customer_id, visited_at);
`

// schemaLoyaltyRules stores the active rule set, one row per rule in
// evaluation order.
const schemaLoyaltyRules = `
CREATE TABLE IF NOT EXISTS loyalty_rules (
    position INTEGER PRIMARY KEY,
    min_visits INTEGER NOT NULL,
    window_months INTEGER NOT NULL,
    tier_name TEXT NOT NULL,
    tier_priority INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);
`

const schemaClassificationRuns = `
CREATE TABLE IF NOT EXISTS classification_runs (
    id TEXT PRIMARY KEY,
    as_of TEXT NOT NULL,
    created_at TEXT NOT NULL,
    strategy TEXT NOT NULL,
    classifications TEXT NOT NULL,
    summary TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_classification_runs_as_of ON classification_runs(as_of);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCustomers,
		schemaVisits,
		schemaLoyaltyRules,
		schemaClassificationRuns,
	}
}
