// Package pipeline wraps the pure evaluator with the side effects every
// entry point shares: result memoization, metrics, tracing and the audit log.
//
// The HTTP handler, the stream worker and the batch runner all score
// transactions through a Pipeline, so a transaction gets the same result
// whichever way it arrives.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Pipeline scores transactions and records the outcome.
type Pipeline struct {
	eval    *evaluator.Evaluator
	results *cache.ResultCache
	repo    domain.Repository
}

// New creates a pipeline. results and repo may be nil.
func New(eval *evaluator.Evaluator, results *cache.ResultCache, repo domain.Repository) *Pipeline {
	return &Pipeline{
		eval:    eval,
		results: results,
		repo:    repo,
	}
}

// Evaluator returns the underlying evaluator.
func (p *Pipeline) Evaluator() *evaluator.Evaluator {
	return p.eval
}

// Repository returns the audit log, or nil when disabled.
func (p *Pipeline) Repository() domain.Repository {
	return p.repo
}

// Decode validates a wire request. Validation failures are counted per source.
func (p *Pipeline) Decode(source string, req *domain.TransactionRequest) (*domain.Transaction, error) {
	tx, err := req.ToTransaction()
	if err != nil {
		metrics.ObserveValidationError(source)
		return nil, err
	}
	return tx, nil
}

// Evaluate scores tx and appends it to the audit log. The returned record
// carries the evaluation id; failures of the cache or the audit log are
// logged and never change the result.
func (p *Pipeline) Evaluate(ctx context.Context, source string, tx *domain.Transaction) *domain.Evaluation {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "kestrel.evaluate",
		trace.WithAttributes(
			attribute.Int64("transaction.id", tx.ID),
			attribute.String("evaluation.source", source),
		),
	)
	defer span.End()

	result, hit := p.results.Get(ctx, tx)
	if p.results != nil {
		metrics.ObserveCacheLookup(hit)
	}
	if !hit {
		result = p.eval.Evaluate(tx)
		p.results.Put(ctx, tx, result)
	}

	elapsed := time.Since(start)
	metrics.ObserveEvaluation(source, &result, elapsed)

	span.SetAttributes(
		attribute.String("evaluation.decision", string(result.Decision)),
		attribute.Int64("evaluation.risk_score", result.RiskScore),
		attribute.Bool("evaluation.cached", hit),
	)

	record := &domain.Evaluation{
		ID:            uuid.New().String(),
		Source:        source,
		ConfigVersion: p.eval.Version(),
		CreatedAt:     time.Now().UTC(),
		Result:        result,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		record.TraceID = sc.TraceID().String()
	}

	if p.repo != nil {
		if err := p.repo.SaveEvaluation(ctx, record); err != nil {
			slog.Error("failed to save evaluation",
				"evaluation_id", record.ID,
				"transaction_id", tx.ID,
				"error", err,
			)
		}
	}

	slog.Debug("transaction evaluated",
		"evaluation_id", record.ID,
		"transaction_id", tx.ID,
		"source", source,
		"decision", result.Decision,
		"risk_score", result.RiskScore,
		"cached", hit,
		"duration_ms", elapsed.Milliseconds(),
	)

	return record
}
