// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP sums rule contributions into a risk score and maps the score to a
// decision tier.
package tadp

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// maxScore is where the score saturates instead of overflowing int64.
var maxScore = decimal.NewFromInt(math.MaxInt64)

// Processor aggregates rule hits and produces a decision.
type Processor struct {
	Thresholds domain.Thresholds
}

// NewProcessor creates a processor for the given thresholds. Callers are
// expected to have validated them (0 <= ReviewAt < RejectAt).
func NewProcessor(t domain.Thresholds) *Processor {
	return &Processor{Thresholds: t}
}

// Aggregate sums the points of all hits and collects their reasons in hit
// order. Points are summed exactly and rounded half-up once, so fractional
// weights do not compound rounding drift. The score has no policy upper
// bound; it saturates at math.MaxInt64 rather than overflowing.
func (p *Processor) Aggregate(hits []domain.RuleHit) (int64, []string) {
	reasons := make([]string, 0, len(hits))
	total := decimal.Zero

	for _, h := range hits {
		total = total.Add(h.Points)
		if h.Reason != "" {
			reasons = append(reasons, h.Reason)
		}
	}

	// Round rounds half away from zero, which is half-up for the
	// non-negative totals produced here.
	rounded := total.Round(0)
	switch {
	case rounded.GreaterThan(maxScore):
		return math.MaxInt64, reasons
	case rounded.IsNegative():
		return 0, reasons
	}
	return rounded.IntPart(), reasons
}

// Decide maps a score to a decision. Boundaries are inclusive toward the
// higher tier.
func (p *Processor) Decide(score int64) domain.Decision {
	return Decide(score, p.Thresholds)
}

// Decide is the threshold comparison behind Processor.Decide.
func Decide(score int64, t domain.Thresholds) domain.Decision {
	switch {
	case score >= t.RejectAt:
		return domain.DecisionRejected
	case score >= t.ReviewAt:
		return domain.DecisionInReview
	default:
		return domain.DecisionAccepted
	}
}

// Contributions renders hits for diagnostics.
func Contributions(hits []domain.RuleHit) []domain.RuleContribution {
	if len(hits) == 0 {
		return nil
	}
	out := make([]domain.RuleContribution, len(hits))
	for i, h := range hits {
		out[i] = domain.RuleContribution{RuleID: h.RuleID, Points: h.Points.String()}
	}
	return out
}

// ShouldReview returns true if the result needs a human decision.
func ShouldReview(r *domain.EvaluationResult) bool {
	return r.Decision == domain.DecisionInReview
}

// ShouldBlock returns true if the result must not be processed.
func ShouldBlock(r *domain.EvaluationResult) bool {
	return r.Decision == domain.DecisionRejected
}
