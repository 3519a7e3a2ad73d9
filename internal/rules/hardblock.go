package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// Hard-block reasons. They are policy, not tunable score inputs, and are
// stable identifiers relied on by downstream consumers.
const (
	ReasonChargebackIPRisk        = "hard_block:chargeback_ip_risk"
	ReasonGeoMismatchHighRiskUser = "hard_block:geo_mismatch_high_risk_user"
)

// hardBlock is one override condition.
type hardBlock struct {
	reason string
	match  func(tx *domain.Transaction) bool
}

// hardBlocks are checked in order; the first match wins.
var hardBlocks = []hardBlock{
	{
		reason: ReasonChargebackIPRisk,
		match: func(tx *domain.Transaction) bool {
			return tx.ChargebackCount >= 2 && domain.Is(tx.IPRisk, domain.TierHigh)
		},
	},
	{
		reason: ReasonGeoMismatchHighRiskUser,
		match: func(tx *domain.Transaction) bool {
			return !domain.Is(tx.BINCountry, tx.IPCountry) && domain.Is(tx.UserReputation, domain.ReputationHighRisk)
		},
	},
}

// hardBlockReasons returns every hard-block reason in check order.
func hardBlockReasons() []string {
	out := make([]string, len(hardBlocks))
	for i, hb := range hardBlocks {
		out[i] = hb.reason
	}
	return out
}

// CheckHardBlock reports whether tx matches an override condition, and which.
// It is independent of the configured weights.
func CheckHardBlock(tx *domain.Transaction) (bool, string) {
	for _, hb := range hardBlocks {
		if hb.match(tx) {
			return true, hb.reason
		}
	}
	return false, ""
}
