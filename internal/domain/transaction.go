package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Transaction is a single payment to be scored. It is read-only once built;
// every field the rules need is supplied pre-computed by the caller.
type Transaction struct {
	// ID is opaque and only used to correlate the result.
	ID int64 `json:"transaction_id"`

	Amount decimal.Decimal `json:"amount_mxn"`

	// CustomerTxn30d is the customer's transaction count over the trailing 30 days.
	CustomerTxn30d  int64  `json:"customer_txn_30d"`
	GeoState        string `json:"geo_state,omitempty"`
	DeviceType      string `json:"device_type,omitempty"`
	ChargebackCount int64  `json:"chargeback_count"`
	Hour            int    `json:"hour"`
	ProductType     string `json:"product_type"`
	LatencyMs       int64  `json:"latency_ms"`

	// Risk tiers
	UserReputation        string `json:"user_reputation"`
	DeviceFingerprintRisk string `json:"device_fingerprint_risk"`
	IPRisk                string `json:"ip_risk"`
	EmailRisk             string `json:"email_risk"`

	BINCountry string `json:"bin_country"`
	IPCountry  string `json:"ip_country"`
}

// Well-known categorical values. Inputs are compared case-insensitively.
const (
	ProductPhysical     = "physical"
	ProductDigital      = "digital"
	ProductSubscription = "subscription"

	ReputationNew      = "new"
	ReputationTrusted  = "trusted"
	ReputationHighRisk = "high_risk"

	TierLow       = "low"
	TierMedium    = "medium"
	TierHigh      = "high"
	TierNewDomain = "new_domain"
)

// Is reports whether two categorical values are equal, ignoring case and
// surrounding whitespace.
func Is(value, want string) bool {
	return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(want))
}

// TransactionRequest is the wire form of a transaction used by the HTTP API,
// the event bus and the batch reader. Pointer fields make a missing value
// distinguishable from a zero value.
type TransactionRequest struct {
	TransactionID         *int64           `json:"transaction_id"`
	AmountMXN             *decimal.Decimal `json:"amount_mxn"`
	CustomerTxn30d        *int64           `json:"customer_txn_30d"`
	GeoState              string           `json:"geo_state,omitempty"`
	DeviceType            string           `json:"device_type,omitempty"`
	ChargebackCount       *int64           `json:"chargeback_count"`
	Hour                  *int             `json:"hour"`
	ProductType           string           `json:"product_type"`
	LatencyMs             *int64           `json:"latency_ms"`
	UserReputation        string           `json:"user_reputation"`
	DeviceFingerprintRisk string           `json:"device_fingerprint_risk"`
	IPRisk                string           `json:"ip_risk"`
	EmailRisk             string           `json:"email_risk"`
	BINCountry            string           `json:"bin_country"`
	IPCountry             string           `json:"ip_country"`
}

// ToTransaction validates the request and converts it to a Transaction.
// All problems are reported together; nothing is coerced.
func (r *TransactionRequest) ToTransaction() (*Transaction, error) {
	var problems []FieldProblem
	add := func(field, reason string) {
		problems = append(problems, FieldProblem{Field: field, Reason: reason})
	}

	if r.TransactionID == nil {
		add("transaction_id", "is required")
	}

	switch {
	case r.AmountMXN == nil:
		add("amount_mxn", "is required")
	case !r.AmountMXN.IsPositive():
		add("amount_mxn", "must be positive")
	}

	requireCount := func(field string, v *int64) {
		switch {
		case v == nil:
			add(field, "is required")
		case *v < 0:
			add(field, "must not be negative")
		}
	}
	requireCount("customer_txn_30d", r.CustomerTxn30d)
	requireCount("chargeback_count", r.ChargebackCount)
	requireCount("latency_ms", r.LatencyMs)

	switch {
	case r.Hour == nil:
		add("hour", "is required")
	case *r.Hour < 0 || *r.Hour > 23:
		add("hour", "must be between 0 and 23")
	}

	requireLabel := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			add(field, "is required")
		}
	}
	requireLabel("product_type", r.ProductType)
	requireLabel("user_reputation", r.UserReputation)
	requireLabel("device_fingerprint_risk", r.DeviceFingerprintRisk)
	requireLabel("ip_risk", r.IPRisk)
	requireLabel("email_risk", r.EmailRisk)
	requireLabel("bin_country", r.BINCountry)
	requireLabel("ip_country", r.IPCountry)

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	return &Transaction{
		ID:                    *r.TransactionID,
		Amount:                *r.AmountMXN,
		CustomerTxn30d:        *r.CustomerTxn30d,
		GeoState:              r.GeoState,
		DeviceType:            r.DeviceType,
		ChargebackCount:       *r.ChargebackCount,
		Hour:                  *r.Hour,
		ProductType:           r.ProductType,
		LatencyMs:             *r.LatencyMs,
		UserReputation:        r.UserReputation,
		DeviceFingerprintRisk: r.DeviceFingerprintRisk,
		IPRisk:                r.IPRisk,
		EmailRisk:             r.EmailRisk,
		BINCountry:            r.BINCountry,
		IPCountry:             r.IPCountry,
	}, nil
}

// ToRequest converts a Transaction back to its wire form.
func (t *Transaction) ToRequest() *TransactionRequest {
	id, amount := t.ID, t.Amount
	txn30d, chargebacks, hour, latency := t.CustomerTxn30d, t.ChargebackCount, t.Hour, t.LatencyMs
	return &TransactionRequest{
		TransactionID:         &id,
		AmountMXN:             &amount,
		CustomerTxn30d:        &txn30d,
		GeoState:              t.GeoState,
		DeviceType:            t.DeviceType,
		ChargebackCount:       &chargebacks,
		Hour:                  &hour,
		ProductType:           t.ProductType,
		LatencyMs:             &latency,
		UserReputation:        t.UserReputation,
		DeviceFingerprintRisk: t.DeviceFingerprintRisk,
		IPRisk:                t.IPRisk,
		EmailRisk:             t.EmailRisk,
		BINCountry:            t.BINCountry,
		IPCountry:             t.IPCountry,
	}
}
