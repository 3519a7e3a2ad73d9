// Package repository provides the evaluation audit log.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration. Driver "none"
// returns a nil repository: evaluations are not recorded.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvaluation appends an evaluation to the audit log.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}
	if !eval.Result.Decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, eval.Result.Decision)
	}

	reasons := eval.Result.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to encode reasons: %w", err)
	}
	contributions, err := json.Marshal(eval.Result.Contributions)
	if err != nil {
		return fmt.Errorf("failed to encode contributions: %w", err)
	}

	hardBlock := 0
	if eval.Result.HardBlock {
		hardBlock = 1
	}

	query := `
		INSERT INTO evaluations (
			id, transaction_id, decision, risk_score, reasons, contributions,
			hard_block, source, config_version, trace_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.Result.TransactionID, string(eval.Result.Decision), eval.Result.RiskScore,
		string(reasonsJSON), string(contributions),
		hardBlock, eval.Source, eval.ConfigVersion, eval.TraceID, eval.CreatedAt.UTC(),
	)
	return err
}

const selectEvaluation = `
	SELECT id, transaction_id, decision, risk_score, reasons, contributions,
		   hard_block, source, config_version, trace_id, created_at
	FROM evaluations
`

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(selectEvaluation+" WHERE id = ?"), evalID)

	eval, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return eval, nil
}

// ListEvaluationsByTransaction returns every recorded evaluation of a
// transaction, oldest first.
func (r *SQLRepository) ListEvaluationsByTransaction(ctx context.Context, txID int64) ([]*domain.Evaluation, error) {
	query := selectEvaluation + " WHERE transaction_id = ? ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*domain.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}

	return evals, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(s scanner) (*domain.Evaluation, error) {
	var eval domain.Evaluation
	var decision, reasons string
	var contributions, traceID sql.NullString
	var hardBlock int

	err := s.Scan(
		&eval.ID, &eval.Result.TransactionID, &decision, &eval.Result.RiskScore,
		&reasons, &contributions, &hardBlock,
		&eval.Source, &eval.ConfigVersion, &traceID, &eval.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	eval.Result.Decision = domain.Decision(decision)
	eval.Result.HardBlock = hardBlock == 1
	eval.TraceID = traceID.String

	if err := json.Unmarshal([]byte(reasons), &eval.Result.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse reasons for %s: %w", eval.ID, err)
	}
	if eval.Result.Reasons == nil {
		eval.Result.Reasons = []string{}
	}
	if contributions.Valid && contributions.String != "" && contributions.String != "null" {
		if err := json.Unmarshal([]byte(contributions.String), &eval.Result.Contributions); err != nil {
			return nil, fmt.Errorf("failed to parse contributions for %s: %w", eval.ID, err)
		}
	}

	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
