// Package evaluator orchestrates a single risk evaluation: hard-block policy,
// rule catalog, score aggregation and decision mapping.
//
// An Evaluator is immutable once built. It performs no I/O, holds no mutable
// state and may be shared by any number of goroutines.
package evaluator

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

// Evaluator scores transactions against one engine configuration.
type Evaluator struct {
	cfg         *domain.EngineConfig
	catalog     *rules.Catalog
	processor   *tadp.Processor
	fingerprint string
}

// New validates cfg and compiles its expression rules. The configuration is
// copied, so later changes by the caller have no effect on the evaluator.
func New(cfg *domain.EngineConfig) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	own := cfg.Clone()

	catalog, err := rules.NewCatalog(own)
	if err != nil {
		return nil, err
	}

	return &Evaluator{
		cfg:         own,
		catalog:     catalog,
		processor:   tadp.NewProcessor(own.Thresholds),
		fingerprint: own.Fingerprint(),
	}, nil
}

// Config returns a copy of the configuration the evaluator was built with.
func (e *Evaluator) Config() *domain.EngineConfig {
	return e.cfg.Clone()
}

// Version returns the configuration's version label.
func (e *Evaluator) Version() string {
	return e.cfg.Version
}

// Fingerprint identifies the configuration. Equal fingerprints mean equal
// results for every transaction.
func (e *Evaluator) Fingerprint() string {
	return e.fingerprint
}

// Evaluate scores one validated transaction. It always returns a result.
//
// The rule score is computed even when a hard block matches, so the result
// carries the diagnostic score; the decision is then forced to REJECTED and
// the hard-block reason is placed first.
func (e *Evaluator) Evaluate(tx *domain.Transaction) domain.EvaluationResult {
	hits := e.catalog.Evaluate(tx)
	score, reasons := e.processor.Aggregate(hits)

	result := domain.EvaluationResult{
		TransactionID: tx.ID,
		RiskScore:     score,
		Reasons:       reasons,
		Contributions: tadp.Contributions(hits),
	}

	if blocked, reason := rules.CheckHardBlock(tx); blocked {
		result.Decision = domain.DecisionRejected
		result.HardBlock = true
		result.Reasons = append([]string{reason}, reasons...)
		return result
	}

	result.Decision = e.processor.Decide(score)
	return result
}

// Evaluate builds a throwaway evaluator for cfg and scores tx with it.
// Prefer New when evaluating more than one transaction.
func Evaluate(tx *domain.Transaction, cfg *domain.EngineConfig) (domain.EvaluationResult, error) {
	e, err := New(cfg)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	return e.Evaluate(tx), nil
}
