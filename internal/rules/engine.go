package rules

import (
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Engine evaluates operator-defined CEL expression rules. Rules are compiled
// once when the engine is built; the compiled programs are safe for
// concurrent use, so an Engine can be shared by any number of evaluations.
type Engine struct {
	env   *cel.Env
	rules []*CompiledRule // configuration order
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.ExpressionRule
	Program cel.Program
}

// newEnv declares every transaction field as a CEL variable.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("customer_txn_30d", cel.IntType),
		cel.Variable("chargeback_count", cel.IntType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("latency_ms", cel.IntType),
		cel.Variable("geo_state", cel.StringType),
		cel.Variable("device_type", cel.StringType),
		cel.Variable("product_type", cel.StringType),
		cel.Variable("user_reputation", cel.StringType),
		cel.Variable("device_fingerprint_risk", cel.StringType),
		cel.Variable("ip_risk", cel.StringType),
		cel.Variable("email_risk", cel.StringType),
		cel.Variable("bin_country", cel.StringType),
		cel.Variable("ip_country", cel.StringType),
	)
}

// NewEngine compiles the given expression rules. A rule that fails to compile,
// or whose expression does not produce bool, int or double, is a
// configuration error.
func NewEngine(configs []domain.ExpressionRule) (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env, rules: make([]*CompiledRule, 0, len(configs))}
	for _, cfg := range configs {
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, compiled)
	}

	return e, nil
}

// rulesCount returns the number of compiled rules.
func (e *Engine) rulesCount() int {
	return len(e.rules)
}

// EvaluateAll runs every compiled rule against tx and returns the hits in
// configuration order. A rule that errors at runtime, returns false, or
// returns a non-positive or non-finite number contributes nothing.
func (e *Engine) EvaluateAll(tx *domain.Transaction) []domain.RuleHit {
	if len(e.rules) == 0 {
		return nil
	}

	activation := Activation(tx)

	var hits []domain.RuleHit
	for _, r := range e.rules {
		if r.Config.Weight.IsZero() {
			continue
		}

		out, _, err := r.Program.Eval(activation)
		if err != nil {
			continue
		}

		factor := toFactor(out)
		if !factor.IsPositive() {
			continue
		}

		hits = append(hits, domain.RuleHit{
			RuleID: r.Config.ID,
			Points: r.Config.Weight.Mul(factor),
			Reason: r.Config.ID,
		})
	}

	return hits
}

// Activation builds the CEL variable bindings for a transaction.
func Activation(tx *domain.Transaction) map[string]any {
	return map[string]any{
		"amount":                  tx.Amount.InexactFloat64(),
		"customer_txn_30d":        tx.CustomerTxn30d,
		"chargeback_count":        tx.ChargebackCount,
		"hour":                    int64(tx.Hour),
		"latency_ms":              tx.LatencyMs,
		"geo_state":               tx.GeoState,
		"device_type":             tx.DeviceType,
		"product_type":            tx.ProductType,
		"user_reputation":         tx.UserReputation,
		"device_fingerprint_risk": tx.DeviceFingerprintRisk,
		"ip_risk":                 tx.IPRisk,
		"email_risk":              tx.EmailRisk,
		"bin_country":             tx.BINCountry,
		"ip_country":              tx.IPCountry,
	}
}

// toFactor converts a CEL value to the multiplier applied to a rule weight.
func toFactor(val ref.Val) decimal.Decimal {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return decimal.NewFromInt(1)
		}
		return decimal.Zero
	case types.Double:
		f := float64(v)
		// Division by zero yields Inf or NaN; neither has a decimal form.
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero
		}
		return decimal.NewFromFloat(f)
	case types.Int:
		return decimal.NewFromInt(int64(v))
	default:
		return decimal.Zero
	}
}

func (e *Engine) compileRule(cfg domain.ExpressionRule) (*CompiledRule, error) {
	field := "expression_rules[" + cfg.ID + "]"

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("failed to compile: %v", issues.Err())}
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("expression must return bool, int, or double, got %s", outputType)}
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, &domain.ConfigError{Field: field, Reason: fmt.Sprintf("failed to create program: %v", err)}
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
