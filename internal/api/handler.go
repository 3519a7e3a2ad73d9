package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	batch    *batch.Runner
	cache    domain.Cache
	bus      domain.EventBus
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(p *pipeline.Pipeline, runner *batch.Runner, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		pipeline: p,
		batch:    runner,
		cache:    cache,
		bus:      bus,
		version:  version,
	}
}

// EvaluateResponse is the response for POST /transaction.
type EvaluateResponse struct {
	domain.EvaluationResult
	EvaluationID  string `json:"evaluation_id"`
	ConfigVersion string `json:"config_version"`
	TraceID       string `json:"trace_id,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error    string                `json:"error"`
	Problems []domain.FieldProblem `json:"problems,omitempty"`
	Row      int                   `json:"row,omitempty"`
}

// SubmitResponse is the response for POST /transaction/async.
type SubmitResponse struct {
	Status        string `json:"status"`
	TransactionID int64  `json:"transaction_id"`
}

// Evaluate handles POST /transaction.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.decodeTransaction(w, r, domain.SourceAPI)
	if !ok {
		return
	}

	record := h.pipeline.Evaluate(r.Context(), domain.SourceAPI, tx)

	traceID := record.TraceID
	if traceID == "" {
		traceID = GetTraceID(r.Context())
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		EvaluationResult: record.Result,
		EvaluationID:     record.ID,
		ConfigVersion:    record.ConfigVersion,
		TraceID:          traceID,
	})
}

// Submit handles POST /transaction/async. The transaction is validated,
// then published on transaction.submitted for the stream worker.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	tx, ok := h.decodeTransaction(w, r, domain.SourceAPI)
	if !ok {
		return
	}

	payload, err := json.Marshal(tx.ToRequest())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode transaction")
		return
	}

	if err := h.bus.Publish(r.Context(), domain.TopicTransactionSubmitted, payload); err != nil {
		slog.Error("failed to publish transaction",
			"transaction_id", tx.ID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "failed to submit transaction")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		Status:        "accepted",
		TransactionID: tx.ID,
	})
}

// decodeTransaction parses and validates a JSON transaction. On failure it
// writes the response and returns false.
func (h *Handler) decodeTransaction(w http.ResponseWriter, r *http.Request, source string) (*domain.Transaction, bool) {
	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}

	tx, err := h.pipeline.Decode(source, &req)
	if err != nil {
		writeValidationError(w, err)
		return nil, false
	}
	return tx, true
}

// Batch handles POST /batch: a CSV table in, the scored CSV table out.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	if h.batch == nil {
		writeError(w, http.StatusServiceUnavailable, "batch runner not available")
		return
	}

	var out bytes.Buffer
	summary, err := h.batch.Run(r.Context(), r.Body, &out)
	if err != nil {
		var tooLarge *http.MaxBytesError
		var rowErr *batch.RowError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.As(err, &rowErr):
			resp := ErrorResponse{Error: rowErr.Error(), Row: rowErr.Row}
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				resp.Problems = verr.Problems
			}
			writeJSON(w, http.StatusUnprocessableEntity, resp)
		case errors.Is(err, domain.ErrValidation):
			writeValidationError(w, err)
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	slog.Debug("batch request completed", "rows", summary.Rows, "invalid", summary.Invalid)

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}

// Config handles GET /config. It exposes the active engine configuration.
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Evaluator().Config())
}

// Health returns "ok" when every configured adapter answers, and
// "degraded" with the failing checks otherwise.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]string)

	if repo := h.pipeline.Repository(); repo != nil {
		if err := repo.Ping(ctx); err != nil {
			checks["repository"] = err.Error()
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			checks["cache"] = err.Error()
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			checks["event_bus"] = err.Error()
		}
	}

	if len(checks) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"checks": checks,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready":   "true",
		"version": h.version,
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	evalID := chi.URLParam(r, "id")

	repo := h.pipeline.Repository()
	if repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	eval, err := repo.GetEvaluation(ctx, evalID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	if err != nil {
		slog.Error("failed to get evaluation", "id", evalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get evaluation")
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeValidationError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Error = domain.ErrValidation.Error()
		resp.Problems = verr.Problems
	}
	writeJSON(w, http.StatusUnprocessableEntity, resp)
}
