package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decision is the closed set of outcomes the engine can produce.
type Decision string

// Decision values serialize verbatim; consumers depend on the exact casing.
const (
	DecisionAccepted Decision = "ACCEPTED"
	DecisionInReview Decision = "IN_REVIEW"
	DecisionRejected Decision = "REJECTED"
)

// Valid reports whether d is one of the three decision tiers.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAccepted, DecisionInReview, DecisionRejected:
		return true
	}
	return false
}

// Rank orders decisions by risk: ACCEPTED < IN_REVIEW < REJECTED.
func (d Decision) Rank() int {
	switch d {
	case DecisionAccepted:
		return 0
	case DecisionInReview:
		return 1
	case DecisionRejected:
		return 2
	}
	return -1
}

// RuleHit is the output of one rule that fired.
type RuleHit struct {
	RuleID string
	Points decimal.Decimal
	Reason string
}

// RuleContribution is the diagnostic view of a hit, as reported to callers.
type RuleContribution struct {
	RuleID string `json:"rule_id"`
	Points string `json:"points"`
}

// EvaluationResult is produced fresh for every evaluation.
type EvaluationResult struct {
	TransactionID int64              `json:"transaction_id"`
	Decision      Decision           `json:"decision"`
	RiskScore     int64              `json:"risk_score"`
	Reasons       []string           `json:"reasons"`
	HardBlock     bool               `json:"hard_block"`
	Contributions []RuleContribution `json:"contributions,omitempty"`
}

// ReasonDelimiter joins reasons in tabular output.
const ReasonDelimiter = ";"

// JoinedReasons renders the reasons as delimited text.
func (r *EvaluationResult) JoinedReasons() string {
	return strings.Join(r.Reasons, ReasonDelimiter)
}

// Evaluation sources.
const (
	SourceAPI    = "api"
	SourceBatch  = "batch"
	SourceStream = "stream"
)

// Evaluation is the audit record of one evaluation.
type Evaluation struct {
	ID            string           `json:"id"`
	Source        string           `json:"source"`
	ConfigVersion string           `json:"config_version"`
	TraceID       string           `json:"trace_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	Result        EvaluationResult `json:"result"`
}
