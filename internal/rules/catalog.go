// Package rules provides the fixed rule catalog, the hard-block policy and
// the CEL engine for operator-defined expression rules.
package rules

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// check inspects a transaction and returns the multiplier applied to the
// rule's configured weight. Zero means the rule did not fire.
type check func(tx *domain.Transaction, cfg *domain.EngineConfig) int64

// builtinRule is one entry of the fixed catalog.
type builtinRule struct {
	id    string
	check check
}

// catalog lists the built-in rules in evaluation order. The order defines
// the reasons sequence, so it must stay in step with domain.BuiltinRuleIDs.
var catalog = []builtinRule{
	{domain.RuleAmountHigh, amountHigh},
	{domain.RuleAmountElevated, amountElevated},
	{domain.RuleNewUser, newUser},
	{domain.RuleReputationHighRisk, reputationIs(domain.ReputationHighRisk)},
	{domain.RuleNightHour, nightHour},
	{domain.RuleProductDigital, productIs(domain.ProductDigital)},
	{domain.RuleProductSubscription, productIs(domain.ProductSubscription)},
	{domain.RuleChargebackHistory, chargebackHistory},
	{domain.RuleLatencyAnomaly, latencyAnomaly},
	{domain.RuleCrossBorder, crossBorder},
	{domain.RuleDeviceRiskMedium, tierIs(deviceTier, domain.TierMedium)},
	{domain.RuleDeviceRiskHigh, tierIs(deviceTier, domain.TierHigh)},
	{domain.RuleIPRiskMedium, tierIs(ipTier, domain.TierMedium)},
	{domain.RuleIPRiskHigh, tierIs(ipTier, domain.TierHigh)},
	{domain.RuleEmailRiskMedium, tierIs(emailTier, domain.TierMedium)},
	{domain.RuleEmailRiskHigh, tierIs(emailTier, domain.TierHigh)},
	{domain.RuleEmailNewDomain, tierIs(emailTier, domain.TierNewDomain)},
}

// CatalogIDs returns the ids of the built-in rules in evaluation order.
func CatalogIDs() []string {
	ids := make([]string, len(catalog))
	for i, r := range catalog {
		ids[i] = r.id
	}
	return ids
}

// Catalog evaluates the built-in rules followed by the configured expression
// rules. It holds no mutable state.
type Catalog struct {
	cfg         *domain.EngineConfig
	expressions *Engine
}

// NewCatalog compiles the configuration's expression rules and binds them to
// the built-in catalog.
func NewCatalog(cfg *domain.EngineConfig) (*Catalog, error) {
	engine, err := NewEngine(cfg.ExpressionRules)
	if err != nil {
		return nil, err
	}
	return &Catalog{cfg: cfg, expressions: engine}, nil
}

// Evaluate runs every rule against tx and returns the hits in evaluation
// order. Each rule is computed independently of the others.
func (c *Catalog) Evaluate(tx *domain.Transaction) []domain.RuleHit {
	hits := EvaluateBuiltin(tx, c.cfg)
	return append(hits, c.expressions.EvaluateAll(tx)...)
}

// EvaluateBuiltin runs only the fixed catalog. A rule with weight zero is
// disabled and produces no hit.
func EvaluateBuiltin(tx *domain.Transaction, cfg *domain.EngineConfig) []domain.RuleHit {
	hits := make([]domain.RuleHit, 0, 8)
	for _, r := range catalog {
		weight := cfg.Weight(r.id)
		if !weight.IsPositive() {
			continue
		}

		factor := r.check(tx, cfg)
		if factor <= 0 {
			continue
		}

		hits = append(hits, domain.RuleHit{
			RuleID: r.id,
			Points: weight.Mul(decimal.NewFromInt(factor)),
			Reason: r.id,
		})
	}
	return hits
}

func fired(ok bool) int64 {
	if ok {
		return 1
	}
	return 0
}

func amountHigh(tx *domain.Transaction, cfg *domain.EngineConfig) int64 {
	b := cfg.AmountThresholds.For(tx.ProductType)
	return fired(tx.Amount.GreaterThan(b.High))
}

// amountElevated excludes amounts already counted by amountHigh.
func amountElevated(tx *domain.Transaction, cfg *domain.EngineConfig) int64 {
	b := cfg.AmountThresholds.For(tx.ProductType)
	return fired(tx.Amount.GreaterThan(b.Elevated) && tx.Amount.LessThanOrEqual(b.High))
}

func newUser(tx *domain.Transaction, cfg *domain.EngineConfig) int64 {
	return fired(tx.CustomerTxn30d < cfg.NewUserMaxTxn && domain.Is(tx.UserReputation, domain.ReputationNew))
}

func reputationIs(tier string) check {
	return func(tx *domain.Transaction, _ *domain.EngineConfig) int64 {
		return fired(domain.Is(tx.UserReputation, tier))
	}
}

// nightHour fires inside the night window only when at least one identity
// signal is above low.
func nightHour(tx *domain.Transaction, cfg *domain.EngineConfig) int64 {
	if !cfg.NightWindow.Contains(tx.Hour) {
		return 0
	}
	elevated := !domain.Is(tx.DeviceFingerprintRisk, domain.TierLow) ||
		!domain.Is(tx.IPRisk, domain.TierLow) ||
		!domain.Is(tx.EmailRisk, domain.TierLow)
	return fired(elevated)
}

func productIs(product string) check {
	return func(tx *domain.Transaction, _ *domain.EngineConfig) int64 {
		return fired(domain.Is(tx.ProductType, product))
	}
}

// chargebackHistory contributes once per recorded chargeback.
func chargebackHistory(tx *domain.Transaction, _ *domain.EngineConfig) int64 {
	if tx.ChargebackCount <= 0 {
		return 0
	}
	return tx.ChargebackCount
}

func latencyAnomaly(tx *domain.Transaction, cfg *domain.EngineConfig) int64 {
	band := cfg.LatencyBand
	return fired(tx.LatencyMs < band.MinMs || tx.LatencyMs > band.MaxMs)
}

func crossBorder(tx *domain.Transaction, _ *domain.EngineConfig) int64 {
	return fired(!domain.Is(tx.BINCountry, tx.IPCountry))
}

func deviceTier(tx *domain.Transaction) string { return tx.DeviceFingerprintRisk }
func ipTier(tx *domain.Transaction) string     { return tx.IPRisk }
func emailTier(tx *domain.Transaction) string  { return tx.EmailRisk }

func tierIs(field func(*domain.Transaction) string, tier string) check {
	return func(tx *domain.Transaction, _ *domain.EngineConfig) int64 {
		return fired(domain.Is(field(tx), tier))
	}
}
