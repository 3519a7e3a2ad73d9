// Package worker evaluates transactions submitted over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

var tracer = otel.Tracer("kestrel-worker")

// Worker consumes transaction.submitted and publishes decisions.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// InvalidMessage is published on transaction.invalid for a payload that
// could not be evaluated.
type InvalidMessage struct {
	MessageID string                `json:"message_id"`
	Error     string                `json:"error"`
	Problems  []domain.FieldProblem `json:"problems,omitempty"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
}

// NewWorker creates a new stream worker.
func NewWorker(eventBus domain.EventBus, p *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		pipeline: p,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to submitted transactions.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionSubmitted, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("stream worker started", "topic", domain.TopicTransactionSubmitted)
	return nil
}

// handleMessage registers with the wait group under mu, so Stop never waits
// while a new message is still being admitted.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	return w.processTransaction(ctx, msg)
}

// processTransaction evaluates one submitted transaction. Publishing
// failures are logged; the evaluation is already recorded by then.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "kestrel.worker.process",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.trace_id", msg.Metadata[bus.MetadataTraceID]),
		),
	)
	defer span.End()

	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Warn("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		w.publishInvalid(ctx, msg, err)
		return nil
	}

	tx, err := w.pipeline.Decode(domain.SourceStream, &req)
	if err != nil {
		slog.Warn("invalid transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		w.publishInvalid(ctx, msg, err)
		return nil
	}

	record := w.pipeline.Evaluate(ctx, domain.SourceStream, tx)
	if record.TraceID == "" {
		record.TraceID = msg.Metadata[bus.MetadataTraceID]
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	w.publish(ctx, domain.TopicDecision, payload, tx.ID)
	if tadp.ShouldReview(&record.Result) {
		w.publish(ctx, domain.TopicDecisionReview, payload, tx.ID)
	}
	if tadp.ShouldBlock(&record.Result) {
		w.publish(ctx, domain.TopicDecisionRejected, payload, tx.ID)
	}

	slog.Info("transaction processed",
		"message_id", msg.ID,
		"evaluation_id", record.ID,
		"transaction_id", tx.ID,
		"decision", record.Result.Decision,
		"risk_score", record.Result.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) publish(ctx context.Context, topic string, payload []byte, txID int64) {
	if err := w.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish decision",
			"topic", topic,
			"transaction_id", txID,
			"error", err,
		)
	}
}

func (w *Worker) publishInvalid(ctx context.Context, msg *domain.Message, cause error) {
	invalid := InvalidMessage{
		MessageID: msg.ID,
		Error:     cause.Error(),
	}
	var verr *domain.ValidationError
	if errors.As(cause, &verr) {
		invalid.Problems = verr.Problems
	}
	if json.Valid(msg.Payload) {
		invalid.Payload = msg.Payload
	}

	payload, err := json.Marshal(invalid)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, domain.TopicTransactionInvalid, payload); err != nil {
		slog.Error("failed to publish invalid transaction",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for in-flight messages.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	w.stopped = true
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("stream worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
