package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Built-in rule identifiers. Each doubles as the reason string emitted when
// the rule contributes to a score.
const (
	RuleAmountHigh          = "amount_high"
	RuleAmountElevated      = "amount_elevated"
	RuleNewUser             = "new_user"
	RuleReputationHighRisk  = "reputation_high_risk"
	RuleNightHour           = "night_hour"
	RuleProductDigital      = "product_digital"
	RuleProductSubscription = "product_subscription"
	RuleChargebackHistory   = "chargeback_history"
	RuleLatencyAnomaly      = "latency_anomaly"
	RuleCrossBorder         = "cross_border"
	RuleDeviceRiskMedium    = "device_risk_medium"
	RuleDeviceRiskHigh      = "device_risk_high"
	RuleIPRiskMedium        = "ip_risk_medium"
	RuleIPRiskHigh          = "ip_risk_high"
	RuleEmailRiskMedium     = "email_risk_medium"
	RuleEmailRiskHigh       = "email_risk_high"
	RuleEmailNewDomain      = "email_new_domain"
)

// BuiltinRuleIDs returns the built-in rule ids in evaluation order.
// Reordering this list changes the reasons sequence seen by consumers.
func BuiltinRuleIDs() []string {
	return []string{
		RuleAmountHigh,
		RuleAmountElevated,
		RuleNewUser,
		RuleReputationHighRisk,
		RuleNightHour,
		RuleProductDigital,
		RuleProductSubscription,
		RuleChargebackHistory,
		RuleLatencyAnomaly,
		RuleCrossBorder,
		RuleDeviceRiskMedium,
		RuleDeviceRiskHigh,
		RuleIPRiskMedium,
		RuleIPRiskHigh,
		RuleEmailRiskMedium,
		RuleEmailRiskHigh,
		RuleEmailNewDomain,
	}
}

// EngineConfig holds every tunable parameter of the risk engine.
// It is built once, validated, and then shared read-only between
// any number of concurrent evaluations.
type EngineConfig struct {
	Version          string                     `json:"version"`
	Thresholds       Thresholds                 `json:"score_to_decision"`
	AmountThresholds AmountThresholds           `json:"amount_thresholds"`
	NightWindow      NightWindow                `json:"night_window"`
	LatencyBand      LatencyBand                `json:"latency_band"`
	NewUserMaxTxn    int64                      `json:"new_user_max_txn"`
	Weights          map[string]decimal.Decimal `json:"weights"`
	ExpressionRules  []ExpressionRule           `json:"expression_rules,omitempty"`
}

// Thresholds map a score to a decision tier. Scores are compared inclusively
// toward the higher tier.
type Thresholds struct {
	ReviewAt int64 `json:"review_at"`
	RejectAt int64 `json:"reject_at"`
}

// AmountBucket holds the per-product amount boundaries. An amount strictly
// above Elevated is elevated; strictly above High is high.
type AmountBucket struct {
	Elevated decimal.Decimal `json:"elevated"`
	High     decimal.Decimal `json:"high"`
}

// AmountThresholds maps product types to amount buckets. Default applies to
// product types with no entry.
type AmountThresholds struct {
	ByProduct map[string]AmountBucket `json:"by_product"`
	Default   AmountBucket            `json:"default"`
}

// For returns the bucket for a product type.
func (a AmountThresholds) For(productType string) AmountBucket {
	key := strings.ToLower(strings.TrimSpace(productType))
	if b, ok := a.ByProduct[key]; ok {
		return b
	}
	return a.Default
}

// NightWindow is a range of hours [Start, End) that may wrap midnight.
type NightWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour falls inside the window.
func (w NightWindow) Contains(hour int) bool {
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// LatencyBand is the normal processing-latency range, inclusive on both ends.
type LatencyBand struct {
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
}

// ExpressionRule is an operator-defined CEL rule evaluated after the
// built-in catalog, in configuration order.
type ExpressionRule struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	Weight      decimal.Decimal `json:"weight"`
}

// DefaultEngineConfig returns the starting calibration. Values are tuning
// defaults, not fitted parameters.
func DefaultEngineConfig() *EngineConfig {
	w := func(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
	bucket := func(elevated, high int64) AmountBucket {
		return AmountBucket{Elevated: w(elevated), High: w(high)}
	}

	return &EngineConfig{
		Version:    "default",
		Thresholds: Thresholds{ReviewAt: 4, RejectAt: 10},
		AmountThresholds: AmountThresholds{
			ByProduct: map[string]AmountBucket{
				ProductDigital:      bucket(2500, 10000),
				ProductPhysical:     bucket(6000, 20000),
				ProductSubscription: bucket(1500, 5000),
			},
			Default: bucket(4000, 12000),
		},
		NightWindow:   NightWindow{Start: 22, End: 6},
		LatencyBand:   LatencyBand{MinMs: 30, MaxMs: 2500},
		NewUserMaxTxn: 3,
		Weights: map[string]decimal.Decimal{
			RuleAmountHigh:          w(4),
			RuleAmountElevated:      w(2),
			RuleNewUser:             w(2),
			RuleReputationHighRisk:  w(4),
			RuleNightHour:           w(1),
			RuleProductDigital:      w(1),
			RuleProductSubscription: w(1),
			RuleChargebackHistory:   w(2),
			RuleLatencyAnomaly:      w(1),
			RuleCrossBorder:         w(2),
			RuleDeviceRiskMedium:    w(1),
			RuleDeviceRiskHigh:      w(3),
			RuleIPRiskMedium:        w(1),
			RuleIPRiskHigh:          w(3),
			RuleEmailRiskMedium:     w(1),
			RuleEmailRiskHigh:       w(3),
			RuleEmailNewDomain:      w(1),
		},
	}
}

// Clone returns a deep copy, so callers can derive variants without
// touching a shared configuration.
func (c *EngineConfig) Clone() *EngineConfig {
	out := *c

	out.AmountThresholds.ByProduct = make(map[string]AmountBucket, len(c.AmountThresholds.ByProduct))
	for k, v := range c.AmountThresholds.ByProduct {
		out.AmountThresholds.ByProduct[k] = v
	}

	out.Weights = make(map[string]decimal.Decimal, len(c.Weights))
	for k, v := range c.Weights {
		out.Weights[k] = v
	}

	out.ExpressionRules = append([]ExpressionRule(nil), c.ExpressionRules...)
	return &out
}

// Weight returns the configured weight for a built-in rule id.
func (c *EngineConfig) Weight(ruleID string) decimal.Decimal {
	return c.Weights[ruleID]
}

// Validate checks the structural invariants of the configuration.
// Expression compilation is checked by the rules package.
func (c *EngineConfig) Validate() error {
	if c == nil {
		return configErrorf("engine", "configuration is nil")
	}

	t := c.Thresholds
	if t.ReviewAt < 0 {
		return configErrorf("score_to_decision.review_at", "must not be negative, got %d", t.ReviewAt)
	}
	if t.ReviewAt >= t.RejectAt {
		return configErrorf("score_to_decision", "review_at (%d) must be below reject_at (%d)", t.ReviewAt, t.RejectAt)
	}

	known := make(map[string]bool)
	for _, id := range BuiltinRuleIDs() {
		known[id] = true
		weight, ok := c.Weights[id]
		if !ok {
			return configErrorf("weights."+id, "weight is required")
		}
		if weight.IsNegative() {
			return configErrorf("weights."+id, "must not be negative, got %s", weight)
		}
	}
	for id := range c.Weights {
		if !known[id] {
			return configErrorf("weights."+id, "unknown rule")
		}
	}

	if err := validateBucket("amount_thresholds.default", c.AmountThresholds.Default); err != nil {
		return err
	}
	for product, b := range c.AmountThresholds.ByProduct {
		if product != strings.ToLower(strings.TrimSpace(product)) {
			return configErrorf("amount_thresholds."+product, "product type must be lower case")
		}
		if err := validateBucket("amount_thresholds."+product, b); err != nil {
			return err
		}
	}

	nw := c.NightWindow
	if nw.Start < 0 || nw.Start > 23 || nw.End < 0 || nw.End > 23 {
		return configErrorf("night_window", "hours must be between 0 and 23")
	}

	lb := c.LatencyBand
	if lb.MinMs < 0 || lb.MinMs > lb.MaxMs {
		return configErrorf("latency_band", "need 0 <= min_ms <= max_ms, got %d..%d", lb.MinMs, lb.MaxMs)
	}

	if c.NewUserMaxTxn < 0 {
		return configErrorf("new_user_max_txn", "must not be negative")
	}

	seen := make(map[string]bool, len(c.ExpressionRules))
	for i, r := range c.ExpressionRules {
		field := "expression_rules[" + r.ID + "]"
		switch {
		case strings.TrimSpace(r.ID) == "":
			return configErrorf("expression_rules", "rule %d has no id", i)
		case known[r.ID] || strings.HasPrefix(r.ID, "hard_block"):
			return configErrorf(field, "id collides with a built-in rule")
		case strings.Contains(r.ID, ReasonDelimiter):
			return configErrorf(field, "id must not contain %q", ReasonDelimiter)
		case seen[r.ID]:
			return configErrorf(field, "duplicate id")
		case strings.TrimSpace(r.Expression) == "":
			return configErrorf(field, "expression is required")
		case r.Weight.IsNegative():
			return configErrorf(field, "weight must not be negative")
		}
		seen[r.ID] = true
	}

	return nil
}

func validateBucket(field string, b AmountBucket) error {
	if b.Elevated.IsNegative() || b.High.IsNegative() {
		return configErrorf(field, "boundaries must not be negative")
	}
	if b.Elevated.GreaterThan(b.High) {
		return configErrorf(field, "elevated (%s) must not exceed high (%s)", b.Elevated, b.High)
	}
	return nil
}

// Fingerprint returns a stable digest of the configuration. Two configs with
// the same fingerprint produce identical results for every transaction.
func (c *EngineConfig) Fingerprint() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
