// Package store is the persistence gateway (C2): the only package that
// issues SQL against Postgres. Every other core component depends on the
// narrow interfaces it satisfies rather than on pgx directly.
//
// sqlc is not available in this environment, so queries are hand-written
// against pgx/v5 rather than generated; see DESIGN.md for the rationale.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitwatch/sentinel/internal/errs"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting every query
// method run either ambiently against the pool or inside a caller-managed
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the persistence gateway. Its zero value is not usable; build
// one with New.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool, for components (such as the HTTP
// readiness check) that need to ping it directly.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Use this for request-scoped or message-scoped work that
// must be atomic (e.g. C5's reading-insert + device-health-update).
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Transient("store.WithTx", fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("store.WithTx", fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// classify maps a raw pgx/pg error to the errs.Kind taxonomy so callers
// never need to inspect pgconn.PgError directly.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return errs.Conflict(op, err)
		case "23503", "23514": // foreign_key_violation, check_violation
			return errs.Invariant(op, err)
		}
	}
	return errs.New(op, errs.KindTransient, err)
}

// Paginate computes LIMIT/OFFSET from a 1-indexed page number and page
// size, clamping both to sane bounds.
func Paginate(page, pageSize int) (limit, offset int32) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return int32(pageSize), int32((page - 1) * pageSize)
}
