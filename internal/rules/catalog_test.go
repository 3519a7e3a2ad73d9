package rules

import (
	"reflect"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// lowRiskTx returns a transaction that fires no rule under the default config.
func lowRiskTx() *domain.Transaction {
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

func hitIDs(hits []domain.RuleHit) []string {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.RuleID)
	}
	return ids
}

func TestCatalogOrderMatchesDomain(t *testing.T) {
	if got, want := CatalogIDs(), domain.BuiltinRuleIDs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("catalog order drifted from domain.BuiltinRuleIDs:\n got %v\nwant %v", got, want)
	}
}

func TestCatalogLowRiskFiresNothing(t *testing.T) {
	hits := EvaluateBuiltin(lowRiskTx(), domain.DefaultEngineConfig())
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %v", hitIDs(hits))
	}
}

func TestEachBuiltinRule(t *testing.T) {
	cfg := domain.DefaultEngineConfig()

	tests := []struct {
		name   string
		mutate func(tx *domain.Transaction)
		want   []string
	}{
		{"AmountHigh", func(tx *domain.Transaction) { tx.Amount = decimal.NewFromInt(20001) }, []string{domain.RuleAmountHigh}},
		{"AmountAtHighBoundaryIsElevated", func(tx *domain.Transaction) { tx.Amount = decimal.NewFromInt(20000) }, []string{domain.RuleAmountElevated}},
		{"AmountElevated", func(tx *domain.Transaction) { tx.Amount = decimal.NewFromInt(6001) }, []string{domain.RuleAmountElevated}},
		{"AmountAtElevatedBoundary", func(tx *domain.Transaction) { tx.Amount = decimal.NewFromInt(6000) }, nil},
		{"UnknownProductUsesDefaultBucket", func(tx *domain.Transaction) {
			tx.ProductType = "gift_card"
			tx.Amount = decimal.NewFromInt(4500)
		}, []string{domain.RuleAmountElevated}},
		{"NewUser", func(tx *domain.Transaction) {
			tx.UserReputation = "new"
			tx.CustomerTxn30d = 2
		}, []string{domain.RuleNewUser}},
		{"NewReputationWithHistory", func(tx *domain.Transaction) {
			tx.UserReputation = "new"
			tx.CustomerTxn30d = 3
		}, nil},
		{"ReputationHighRisk", func(tx *domain.Transaction) { tx.UserReputation = "HIGH_RISK" }, []string{domain.RuleReputationHighRisk}},
		{"NightWithLowTiers", func(tx *domain.Transaction) { tx.Hour = 23 }, nil},
		{"NightWithMediumDevice", func(tx *domain.Transaction) {
			tx.Hour = 2
			tx.DeviceFingerprintRisk = "medium"
		}, []string{domain.RuleNightHour, domain.RuleDeviceRiskMedium}},
		{"NightWindowEndIsExclusive", func(tx *domain.Transaction) {
			tx.Hour = 6
			tx.EmailRisk = "medium"
		}, []string{domain.RuleEmailRiskMedium}},
		{"Digital", func(tx *domain.Transaction) { tx.ProductType = "Digital" }, []string{domain.RuleProductDigital}},
		{"Subscription", func(tx *domain.Transaction) { tx.ProductType = "subscription" }, []string{domain.RuleProductSubscription}},
		{"Chargeback", func(tx *domain.Transaction) { tx.ChargebackCount = 1 }, []string{domain.RuleChargebackHistory}},
		{"LatencyBelowBand", func(tx *domain.Transaction) { tx.LatencyMs = 29 }, []string{domain.RuleLatencyAnomaly}},
		{"LatencyAtBandEdge", func(tx *domain.Transaction) { tx.LatencyMs = 2500 }, nil},
		{"LatencyAboveBand", func(tx *domain.Transaction) { tx.LatencyMs = 3000 }, []string{domain.RuleLatencyAnomaly}},
		{"CrossBorder", func(tx *domain.Transaction) { tx.IPCountry = "US" }, []string{domain.RuleCrossBorder}},
		{"CountryCaseInsensitive", func(tx *domain.Transaction) { tx.IPCountry = "mx" }, nil},
		{"DeviceHigh", func(tx *domain.Transaction) { tx.DeviceFingerprintRisk = "high" }, []string{domain.RuleDeviceRiskHigh}},
		{"IPMedium", func(tx *domain.Transaction) { tx.IPRisk = "medium" }, []string{domain.RuleIPRiskMedium}},
		{"IPHigh", func(tx *domain.Transaction) { tx.IPRisk = "high" }, []string{domain.RuleIPRiskHigh}},
		{"EmailHigh", func(tx *domain.Transaction) { tx.EmailRisk = "high" }, []string{domain.RuleEmailRiskHigh}},
		{"EmailNewDomain", func(tx *domain.Transaction) { tx.EmailRisk = "new_domain" }, []string{domain.RuleEmailNewDomain}},
		{"UnknownTier", func(tx *domain.Transaction) { tx.EmailRisk = "unverified" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := lowRiskTx()
			tt.mutate(tx)

			got := hitIDs(EvaluateBuiltin(tx, cfg))
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestChargebackIsProportional(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	tx := lowRiskTx()
	tx.ChargebackCount = 3

	hits := EvaluateBuiltin(tx, cfg)
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %v", hitIDs(hits))
	}
	if !hits[0].Points.Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected 3 chargebacks x weight 2 = 6 points, got %s", hits[0].Points)
	}
}

func TestZeroWeightDisablesRule(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.Weights[domain.RuleCrossBorder] = decimal.Zero

	tx := lowRiskTx()
	tx.IPCountry = "US"

	if hits := EvaluateBuiltin(tx, cfg); len(hits) != 0 {
		t.Errorf("expected disabled rule to produce nothing, got %v", hitIDs(hits))
	}
}

func TestReasonsFollowCatalogOrder(t *testing.T) {
	cfg := domain.DefaultEngineConfig()

	// Everything that can fire at once.
	tx := lowRiskTx()
	tx.Amount = decimal.NewFromInt(50000)
	tx.ProductType = "digital"
	tx.UserReputation = "high_risk"
	tx.Hour = 23
	tx.ChargebackCount = 1
	tx.LatencyMs = 5
	tx.IPCountry = "US"
	tx.DeviceFingerprintRisk = "high"
	tx.IPRisk = "medium"
	tx.EmailRisk = "new_domain"

	got := hitIDs(EvaluateBuiltin(tx, cfg))
	want := []string{
		domain.RuleAmountHigh,
		domain.RuleReputationHighRisk,
		domain.RuleNightHour,
		domain.RuleProductDigital,
		domain.RuleChargebackHistory,
		domain.RuleLatencyAnomaly,
		domain.RuleCrossBorder,
		domain.RuleDeviceRiskHigh,
		domain.RuleIPRiskMedium,
		domain.RuleEmailNewDomain,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	// Any subset keeps the relative order.
	order := make(map[string]int)
	for i, id := range CatalogIDs() {
		order[id] = i
	}
	for i := 1; i < len(got); i++ {
		if order[got[i-1]] >= order[got[i]] {
			t.Errorf("reason %s appears before %s", got[i-1], got[i])
		}
	}
}

func TestCatalogAppendsExpressionRules(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.ExpressionRules = []domain.ExpressionRule{
		{ID: "late_subscription", Expression: `product_type == "subscription" && hour >= 20`, Weight: decimal.NewFromInt(2)},
	}

	catalog, err := NewCatalog(cfg)
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}

	tx := lowRiskTx()
	tx.ProductType = "subscription"
	tx.Hour = 21

	got := hitIDs(catalog.Evaluate(tx))
	want := []string{domain.RuleProductSubscription, "late_subscription"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCatalogDoesNotMutateInput(t *testing.T) {
	tx := lowRiskTx()
	tx.UserReputation = "  NEW "
	tx.CustomerTxn30d = 0
	before := *tx

	EvaluateBuiltin(tx, domain.DefaultEngineConfig())

	if !reflect.DeepEqual(before, *tx) {
		t.Error("evaluation mutated the transaction")
	}
}
