package rules

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestCheckHardBlock(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(tx *domain.Transaction)
		wantMatch  bool
		wantReason string
	}{
		{"LowRisk", func(tx *domain.Transaction) {}, false, ""},
		{"ChargebacksWithHighIP", func(tx *domain.Transaction) {
			tx.ChargebackCount = 2
			tx.IPRisk = "high"
		}, true, ReasonChargebackIPRisk},
		{"OneChargebackWithHighIP", func(tx *domain.Transaction) {
			tx.ChargebackCount = 1
			tx.IPRisk = "high"
		}, false, ""},
		{"ChargebacksWithMediumIP", func(tx *domain.Transaction) {
			tx.ChargebackCount = 5
			tx.IPRisk = "medium"
		}, false, ""},
		{"GeoMismatchHighRiskUser", func(tx *domain.Transaction) {
			tx.UserReputation = "high_risk"
			tx.BINCountry = "US"
		}, true, ReasonGeoMismatchHighRiskUser},
		{"GeoMismatchTrustedUser", func(tx *domain.Transaction) {
			tx.BINCountry = "US"
		}, false, ""},
		{"FirstMatchWins", func(tx *domain.Transaction) {
			tx.ChargebackCount = 3
			tx.IPRisk = "HIGH"
			tx.UserReputation = "high_risk"
			tx.BINCountry = "US"
		}, true, ReasonChargebackIPRisk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := lowRiskTx()
			tt.mutate(tx)

			matched, reason := CheckHardBlock(tx)
			if matched != tt.wantMatch {
				t.Errorf("expected matched=%v, got %v", tt.wantMatch, matched)
			}
			if reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, reason)
			}
		})
	}
}

func TestHardBlockReasonsAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range hardBlockReasons() {
		if seen[r] {
			t.Errorf("duplicate hard-block reason %s", r)
		}
		seen[r] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected 2 hard-block reasons, got %d", len(seen))
	}
}
