package evaluator

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/shopspring/decimal"
)

func newDefault(t *testing.T) *Evaluator {
	t.Helper()
	e, err := New(domain.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("failed to build evaluator: %v", err)
	}
	return e
}

// reviewTx is a new user buying a mid-sized digital product at night.
func reviewTx() *domain.Transaction {
	return &domain.Transaction{
		ID:                    42,
		Amount:                decimal.NewFromInt(5200),
		CustomerTxn30d:        1,
		GeoState:              "Nuevo León",
		DeviceType:            "mobile",
		ChargebackCount:       0,
		Hour:                  23,
		ProductType:           "digital",
		LatencyMs:             180,
		UserReputation:        "new",
		DeviceFingerprintRisk: "low",
		IPRisk:                "medium",
		EmailRisk:             "new_domain",
		BINCountry:            "MX",
		IPCountry:             "MX",
	}
}

func hardBlockTx() *domain.Transaction {
	return &domain.Transaction{
		ID:                    99,
		Amount:                decimal.NewFromInt(300),
		CustomerTxn30d:        0,
		GeoState:              "Nuevo León",
		DeviceType:            "mobile",
		ChargebackCount:       2,
		Hour:                  12,
		ProductType:           "digital",
		LatencyMs:             100,
		UserReputation:        "new",
		DeviceFingerprintRisk: "low",
		IPRisk:                "high",
		EmailRisk:             "low",
		BINCountry:            "MX",
		IPCountry:             "MX",
	}
}

func acceptTx() *domain.Transaction {
	return &domain.Transaction{
		ID:                    7,
		Amount:                decimal.NewFromInt(1500),
		CustomerTxn30d:        5,
		GeoState:              "Jalisco",
		DeviceType:            "desktop",
		ChargebackCount:       0,
		Hour:                  14,
		ProductType:           "physical",
		LatencyMs:             80,
		UserReputation:        "trusted",
		DeviceFingerprintRisk: "low",
		IPRisk:                "low",
		EmailRisk:             "low",
		BINCountry:            "MX",
		IPCountry:             "MX",
	}
}

func TestScenarios(t *testing.T) {
	e := newDefault(t)

	t.Run("NewUserNightDigitalIsInReview", func(t *testing.T) {
		res := e.Evaluate(reviewTx())
		if res.Decision != domain.DecisionInReview {
			t.Fatalf("expected IN_REVIEW, got %s (score %d, reasons %v)", res.Decision, res.RiskScore, res.Reasons)
		}
		if res.TransactionID != 42 {
			t.Errorf("expected transaction id 42, got %d", res.TransactionID)
		}
		if res.RiskScore != 8 {
			t.Errorf("expected score 8, got %d", res.RiskScore)
		}
		want := []string{
			domain.RuleAmountElevated,
			domain.RuleNewUser,
			domain.RuleNightHour,
			domain.RuleProductDigital,
			domain.RuleIPRiskMedium,
			domain.RuleEmailNewDomain,
		}
		if !reflect.DeepEqual(res.Reasons, want) {
			t.Errorf("expected reasons %v, got %v", want, res.Reasons)
		}
		if res.HardBlock {
			t.Error("did not expect a hard block")
		}
	})

	t.Run("ChargebacksWithHighIPAreRejected", func(t *testing.T) {
		res := e.Evaluate(hardBlockTx())
		if res.Decision != domain.DecisionRejected {
			t.Fatalf("expected REJECTED, got %s", res.Decision)
		}
		if !res.HardBlock {
			t.Error("expected hard block flag")
		}
		if len(res.Reasons) == 0 || res.Reasons[0] != rules.ReasonChargebackIPRisk {
			t.Errorf("expected hard-block reason first, got %v", res.Reasons)
		}
		// new_user 2 + product_digital 1 + chargeback_history 2x2 + ip_risk_high 3
		if res.RiskScore != 10 {
			t.Errorf("expected diagnostic score 10, got %d", res.RiskScore)
		}
	})

	t.Run("TrustedDaytimePhysicalIsAccepted", func(t *testing.T) {
		res := e.Evaluate(acceptTx())
		if res.Decision != domain.DecisionAccepted {
			t.Fatalf("expected ACCEPTED, got %s", res.Decision)
		}
		if res.RiskScore != 0 {
			t.Errorf("expected score 0, got %d", res.RiskScore)
		}
		if res.Reasons == nil || len(res.Reasons) != 0 {
			t.Errorf("expected empty non-nil reasons, got %#v", res.Reasons)
		}
	})
}

func TestDeterminism(t *testing.T) {
	e := newDefault(t)
	for _, tx := range []*domain.Transaction{reviewTx(), hardBlockTx(), acceptTx()} {
		first := e.Evaluate(tx)
		for i := 0; i < 50; i++ {
			if got := e.Evaluate(tx); !reflect.DeepEqual(first, got) {
				t.Fatalf("transaction %d: result changed between calls:\n%+v\n%+v", tx.ID, first, got)
			}
		}
	}
}

func TestHardBlockPrecedence(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	for id := range cfg.Weights {
		cfg.Weights[id] = decimal.Zero
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build evaluator: %v", err)
	}

	res := e.Evaluate(hardBlockTx())
	if res.RiskScore != 0 {
		t.Errorf("expected score 0 with every rule disabled, got %d", res.RiskScore)
	}
	if res.Decision != domain.DecisionRejected {
		t.Errorf("expected REJECTED regardless of score, got %s", res.Decision)
	}
	if !reflect.DeepEqual(res.Reasons, []string{rules.ReasonChargebackIPRisk}) {
		t.Errorf("expected only the hard-block reason, got %v", res.Reasons)
	}
}

func TestWeightMonotonicity(t *testing.T) {
	txs := []*domain.Transaction{reviewTx(), hardBlockTx(), acceptTx()}

	base := newDefault(t)
	for _, id := range domain.BuiltinRuleIDs() {
		cfg := domain.DefaultEngineConfig()
		cfg.Weights[id] = cfg.Weights[id].Add(decimal.NewFromInt(5))
		heavier, err := New(cfg)
		if err != nil {
			t.Fatalf("failed to build evaluator: %v", err)
		}

		for _, tx := range txs {
			before, after := base.Evaluate(tx), heavier.Evaluate(tx)
			if after.RiskScore < before.RiskScore {
				t.Errorf("%s: score went down %d -> %d for tx %d", id, before.RiskScore, after.RiskScore, tx.ID)
			}
			if after.Decision.Rank() < before.Decision.Rank() {
				t.Errorf("%s: decision went down %s -> %s for tx %d", id, before.Decision, after.Decision, tx.ID)
			}
		}
	}
}

func TestExtremeInputsStayTotal(t *testing.T) {
	t.Run("ChargebackCountBeyondInt64Score", func(t *testing.T) {
		tx := acceptTx()
		tx.ChargebackCount = 1 << 62

		res := newDefault(t).Evaluate(tx)
		if res.RiskScore != math.MaxInt64 {
			t.Errorf("expected saturated score, got %d", res.RiskScore)
		}
		if res.Decision != domain.DecisionRejected {
			t.Errorf("expected REJECTED, got %s", res.Decision)
		}
		if res.HardBlock {
			t.Error("low IP risk must not trigger a hard block")
		}
	})

	t.Run("NonFiniteExpression", func(t *testing.T) {
		cfg := domain.DefaultEngineConfig()
		cfg.ExpressionRules = []domain.ExpressionRule{{
			ID:         "amount_per_txn",
			Expression: "amount / double(customer_txn_30d)",
			Weight:     decimal.NewFromInt(1),
		}}
		e, err := New(cfg)
		if err != nil {
			t.Fatalf("failed to build evaluator: %v", err)
		}

		tx := acceptTx()
		tx.CustomerTxn30d = 0

		res := e.Evaluate(tx)
		if res.Decision != domain.DecisionAccepted || res.RiskScore != 0 {
			t.Errorf("expected ACCEPTED with score 0, got %s %d", res.Decision, res.RiskScore)
		}
	})
}

func TestBoundaryExactness(t *testing.T) {
	// Only cross_border fires on this transaction, so its weight sets the score.
	tx := acceptTx()
	tx.IPCountry = "US"

	tests := []struct {
		score int64
		want  domain.Decision
	}{
		{3, domain.DecisionAccepted},
		{4, domain.DecisionInReview},
		{9, domain.DecisionInReview},
		{10, domain.DecisionRejected},
	}

	for _, tt := range tests {
		cfg := domain.DefaultEngineConfig()
		cfg.Weights[domain.RuleCrossBorder] = decimal.NewFromInt(tt.score)
		e, err := New(cfg)
		if err != nil {
			t.Fatalf("failed to build evaluator: %v", err)
		}

		res := e.Evaluate(tx)
		if res.RiskScore != tt.score {
			t.Fatalf("expected score %d, got %d", tt.score, res.RiskScore)
		}
		if res.Decision != tt.want {
			t.Errorf("score %d: expected %s, got %s", tt.score, tt.want, res.Decision)
		}
	}
}

func TestFractionalWeightsRoundOnce(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.Weights[domain.RuleIPRiskMedium] = decimal.RequireFromString("1.5")
	cfg.Weights[domain.RuleEmailNewDomain] = decimal.RequireFromString("1.5")
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build evaluator: %v", err)
	}

	// 2 + 2 + 1 + 1 + 1.5 + 1.5 = 9
	if res := e.Evaluate(reviewTx()); res.RiskScore != 9 {
		t.Errorf("expected score 9, got %d", res.RiskScore)
	}
}

func TestInvalidConfigFailsAtConstruction(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.Thresholds = domain.Thresholds{ReviewAt: 10, RejectAt: 10}

	if _, err := New(cfg); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	cfg = domain.DefaultEngineConfig()
	cfg.ExpressionRules = []domain.ExpressionRule{{ID: "broken", Expression: "amount >", Weight: decimal.NewFromInt(1)}}
	if _, err := New(cfg); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for bad expression, got %v", err)
	}
}

func TestCallerMutationDoesNotLeak(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build evaluator: %v", err)
	}
	fp := e.Fingerprint()

	cfg.Weights[domain.RuleNewUser] = decimal.NewFromInt(100)
	cfg.Thresholds.RejectAt = 1000

	if e.Fingerprint() != fp {
		t.Error("fingerprint changed after caller mutation")
	}
	if res := e.Evaluate(reviewTx()); res.RiskScore != 8 {
		t.Errorf("expected score 8, got %d", res.RiskScore)
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	e := newDefault(t)
	want := map[int64]domain.EvaluationResult{
		42: e.Evaluate(reviewTx()),
		99: e.Evaluate(hardBlockTx()),
		7:  e.Evaluate(acceptTx()),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var mismatches int
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var tx *domain.Transaction
			switch i % 3 {
			case 0:
				tx = reviewTx()
			case 1:
				tx = hardBlockTx()
			default:
				tx = acceptTx()
			}
			if got := e.Evaluate(tx); !reflect.DeepEqual(got, want[tx.ID]) {
				mu.Lock()
				mismatches++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if mismatches > 0 {
		t.Errorf("%d concurrent evaluations disagreed with the sequential result", mismatches)
	}
}

func TestEvaluateFunction(t *testing.T) {
	res, err := Evaluate(acceptTx(), domain.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision != domain.DecisionAccepted {
		t.Errorf("expected ACCEPTED, got %s", res.Decision)
	}
}
