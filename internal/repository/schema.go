package repository

// Schema definitions for the Kestrel audit log.
// Compatible with both SQLite and PostgreSQL.

// schemaEvaluations holds one row per evaluation. Reasons and contributions
// are stored as JSON text, reasons in evaluation order.
const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    transaction_id BIGINT NOT NULL,
    decision TEXT NOT NULL,
    risk_score BIGINT NOT NULL,
    reasons TEXT NOT NULL,
    contributions TEXT,
    hard_block INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL,
    config_version TEXT NOT NULL,
    trace_id TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(transaction_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_decision ON evaluations(decision);
CREATE INDEX IF NOT EXISTS idx_evaluations_created ON evaluations(created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvaluations,
	}
}
