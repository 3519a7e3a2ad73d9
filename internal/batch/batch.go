// Package batch scores a CSV table of transactions.
//
// The output repeats every input column and appends decision, risk_score,
// reasons and error. Rows are evaluated concurrently but always written in
// input order.
package batch

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

var tracer = otel.Tracer("kestrel-batch")

// RequiredColumns must all be present in the header row.
var RequiredColumns = []string{
	"transaction_id",
	"amount_mxn",
	"customer_txn_30d",
	"chargeback_count",
	"hour",
	"product_type",
	"latency_ms",
	"user_reputation",
	"device_fingerprint_risk",
	"ip_risk",
	"email_risk",
	"bin_country",
	"ip_country",
}

// OutputColumns are appended to the input columns.
var OutputColumns = []string{"decision", "risk_score", "reasons", "error"}

// RowError reports the first invalid row in strict mode. Row numbers are
// 1-based and count data rows only.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Summary counts the outcome of a run.
type Summary struct {
	Rows     int `json:"rows"`
	Accepted int `json:"accepted"`
	InReview int `json:"in_review"`
	Rejected int `json:"rejected"`
	Invalid  int `json:"invalid"`
}

// Runner evaluates tables through a pipeline.
type Runner struct {
	pipeline *pipeline.Pipeline
	workers  int
	strict   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers bounds the number of rows evaluated at once.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithStrict makes the first invalid row abort the run.
func WithStrict(strict bool) Option {
	return func(r *Runner) {
		r.strict = strict
	}
}

// NewRunner creates a runner. The default is eight workers, lenient mode.
func NewRunner(p *pipeline.Pipeline, opts ...Option) *Runner {
	r := &Runner{
		pipeline: p,
		workers:  8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// outcome is the evaluation of one row.
type outcome struct {
	result *domain.EvaluationResult
	err    error
}

// Run reads a table from in and writes the scored table to out. Nothing is
// written when the header is invalid or, in strict mode, when any row is
// invalid.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) (*Summary, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "kestrel.batch")
	defer span.End()

	reader := csv.NewReader(in)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &domain.ValidationError{Problems: []domain.FieldProblem{{Field: "header", Reason: "is required"}}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns, err := indexHeader(header)
	if err != nil {
		return nil, err
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	transactions := make([]*domain.Transaction, len(records))
	outcomes := make([]outcome, len(records))

	for i, record := range records {
		req, parseErr := parseRow(columns, record)
		tx, err := r.pipeline.Decode(domain.SourceBatch, req)
		if err != nil {
			err = mergeProblems(parseErr, err)
			if r.strict {
				return nil, &RowError{Row: i + 1, Err: err}
			}
			outcomes[i].err = err
			continue
		}
		transactions[i] = tx
	}

	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

	for i, tx := range transactions {
		if tx == nil {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, tx *domain.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()

			record := r.pipeline.Evaluate(ctx, domain.SourceBatch, tx)
			outcomes[i].result = &record.Result
		}(i, tx)
	}
	wg.Wait()

	summary := &Summary{Rows: len(records)}
	w := csv.NewWriter(out)
	if err := w.Write(append(append([]string{}, header...), OutputColumns...)); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	for i, record := range records {
		row := append(append([]string{}, record...), outputFields(outcomes[i])...)
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
		summary.add(outcomes[i])
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush output: %w", err)
	}

	span.SetAttributes(
		attribute.Int("batch.rows", summary.Rows),
		attribute.Int("batch.invalid", summary.Invalid),
	)
	slog.Info("batch completed",
		"rows", summary.Rows,
		"accepted", summary.Accepted,
		"in_review", summary.InReview,
		"rejected", summary.Rejected,
		"invalid", summary.Invalid,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return summary, nil
}

func (s *Summary) add(o outcome) {
	if o.result == nil {
		s.Invalid++
		metrics.BatchRowsTotal.WithLabelValues("invalid").Inc()
		return
	}
	switch o.result.Decision {
	case domain.DecisionAccepted:
		s.Accepted++
	case domain.DecisionInReview:
		s.InReview++
	case domain.DecisionRejected:
		s.Rejected++
	}
	metrics.BatchRowsTotal.WithLabelValues("evaluated").Inc()
}

func outputFields(o outcome) []string {
	if o.result == nil {
		return []string{"", "", "", o.err.Error()}
	}
	return []string{
		string(o.result.Decision),
		strconv.FormatInt(o.result.RiskScore, 10),
		o.result.JoinedReasons(),
		"",
	}
}

// indexHeader maps normalized column names to positions.
func indexHeader(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := columns[key]; !dup {
			columns[key] = i
		}
	}

	var problems []domain.FieldProblem
	for _, col := range RequiredColumns {
		if _, ok := columns[col]; !ok {
			problems = append(problems, domain.FieldProblem{Field: col, Reason: "column is missing"})
		}
	}
	if len(problems) > 0 {
		return nil, &domain.ValidationError{Problems: problems}
	}
	return columns, nil
}

// parseRow builds a request from a record. Cells that fail to parse are
// reported in the returned error and left unset on the request.
func parseRow(columns map[string]int, record []string) (*domain.TransactionRequest, *domain.ValidationError) {
	var problems []domain.FieldProblem
	cell := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	integer := func(name string) *int64 {
		v := cell(name)
		if v == "" {
			return nil
		}
		n, err := parseInteger(v)
		if err != nil {
			problems = append(problems, domain.FieldProblem{Field: name, Reason: "must be an integer"})
			return nil
		}
		return &n
	}

	req := &domain.TransactionRequest{
		TransactionID:         integer("transaction_id"),
		CustomerTxn30d:        integer("customer_txn_30d"),
		ChargebackCount:       integer("chargeback_count"),
		LatencyMs:             integer("latency_ms"),
		GeoState:              cell("geo_state"),
		DeviceType:            cell("device_type"),
		ProductType:           cell("product_type"),
		UserReputation:        cell("user_reputation"),
		DeviceFingerprintRisk: cell("device_fingerprint_risk"),
		IPRisk:                cell("ip_risk"),
		EmailRisk:             cell("email_risk"),
		BINCountry:            cell("bin_country"),
		IPCountry:             cell("ip_country"),
	}

	if v := cell("amount_mxn"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			problems = append(problems, domain.FieldProblem{Field: "amount_mxn", Reason: "must be a number"})
		} else {
			req.AmountMXN = &amount
		}
	}
	if hour := integer("hour"); hour != nil {
		h := int(*hour)
		req.Hour = &h
	}

	if len(problems) > 0 {
		return req, &domain.ValidationError{Problems: problems}
	}
	return req, nil
}

var (
	minInteger = decimal.NewFromInt(math.MinInt64)
	maxInteger = decimal.NewFromInt(math.MaxInt64)
)

// parseInteger accepts plain integers and integral decimals such as "12.0",
// which spreadsheet exports commonly produce. Values outside int64 are
// rejected rather than wrapped.
func parseInteger(v string) (int64, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("not an integer: %q", v)
	}
	if d.LessThan(minInteger) || d.GreaterThan(maxInteger) {
		return 0, fmt.Errorf("out of range: %q", v)
	}
	return d.IntPart(), nil
}

// mergeProblems reports parse failures in place of the "is required"
// problems their unset fields caused.
func mergeProblems(parseErr *domain.ValidationError, validationErr error) error {
	if parseErr == nil {
		return validationErr
	}

	var verr *domain.ValidationError
	if !errors.As(validationErr, &verr) {
		return validationErr
	}

	unparsed := make(map[string]bool, len(parseErr.Problems))
	for _, p := range parseErr.Problems {
		unparsed[p.Field] = true
	}

	merged := append([]domain.FieldProblem{}, parseErr.Problems...)
	for _, p := range verr.Problems {
		if !unparsed[p.Field] {
			merged = append(merged, p)
		}
	}
	return &domain.ValidationError{Problems: merged}
}
