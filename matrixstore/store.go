// Package matrixstore persists the transformation matrix learned by each
// user's most recent manifold fit. Exactly one current record exists per
// user, with last-write-wins semantics; superseded matrices are moved into
// a history table for audit and never read back.
package matrixstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2dots1line/cosmos/errors"
	"github.com/2dots1line/cosmos/reducer"
)

// Record is a user's current transformation matrix with its provenance.
type Record struct {
	UserID     string
	Matrix     reducer.Matrix
	LearnedAt  time.Time
	Parameters map[string]any
}

// Store accesses the projection_matrices tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a matrix store over an existing connection pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MatrixStore", "New", "pool")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the current and history tables if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projection_matrices (
			user_id    TEXT PRIMARY KEY,
			matrix     JSONB NOT NULL,
			parameters JSONB,
			learned_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projection_matrices_history (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL,
			matrix     JSONB NOT NULL,
			parameters JSONB,
			learned_at TIMESTAMPTZ NOT NULL,
			retired_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.WrapTransient(err, "MatrixStore", "EnsureSchema", "execute ddl")
		}
	}
	return nil
}

// Current returns the user's current matrix, or errors.ErrMatrixNotFound.
// The projection worker treats absence as a cold start, not a failure.
func (s *Store) Current(ctx context.Context, userID string) (*Record, error) {
	var matrixJSON, paramsJSON []byte
	rec := Record{UserID: userID}

	err := s.pool.QueryRow(ctx, `
		SELECT matrix, parameters, learned_at FROM projection_matrices
		WHERE user_id = $1`, userID).Scan(&matrixJSON, &paramsJSON, &rec.LearnedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrMatrixNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "MatrixStore", "Current", "lookup matrix")
	}

	if err := json.Unmarshal(matrixJSON, &rec.Matrix); err != nil {
		return nil, errors.WrapInvalid(err, "MatrixStore", "Current", "decode matrix")
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &rec.Parameters); err != nil {
			return nil, errors.WrapInvalid(err, "MatrixStore", "Current", "decode parameters")
		}
	}
	return &rec, nil
}

// Replace installs a freshly learned matrix as the user's current record,
// retiring any prior one into the history table. Runs in one transaction
// so the supersession is atomic: readers see either the old or the new
// matrix, never neither.
func (s *Store) Replace(ctx context.Context, rec Record) error {
	matrixJSON, err := json.Marshal(rec.Matrix)
	if err != nil {
		return errors.WrapInvalid(err, "MatrixStore", "Replace", "encode matrix")
	}
	paramsJSON, err := json.Marshal(rec.Parameters)
	if err != nil {
		return errors.WrapInvalid(err, "MatrixStore", "Replace", "encode parameters")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WrapTransient(err, "MatrixStore", "Replace", "begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO projection_matrices_history (user_id, matrix, parameters, learned_at)
		SELECT user_id, matrix, parameters, learned_at FROM projection_matrices
		WHERE user_id = $1`, rec.UserID); err != nil {
		return errors.WrapTransient(err, "MatrixStore", "Replace", "retire prior matrix")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO projection_matrices (user_id, matrix, parameters, learned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id)
		DO UPDATE SET matrix = EXCLUDED.matrix, parameters = EXCLUDED.parameters,
		              learned_at = EXCLUDED.learned_at`,
		rec.UserID, matrixJSON, paramsJSON, rec.LearnedAt); err != nil {
		return errors.WrapTransient(err, "MatrixStore", "Replace", "install matrix")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.WrapTransient(err, "MatrixStore", "Replace", "commit transaction")
	}
	return nil
}
