// Package postgres provides the PostgreSQL-backed implementation of
// domain.Store.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/segforge/segcore/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by Store for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store implements domain.Store against PostgreSQL.
type Store struct {
	Pool PgxPool
}

// NewStore constructs a Store with the given pool.
func NewStore(p PgxPool) *Store { return &Store{Pool: p} }

// NewStoreFromPool is a convenience constructor for the concrete pgxpool.Pool
// returned by NewPool.
func NewStoreFromPool(p *pgxpool.Pool) *Store { return &Store{Pool: p} }

// querier abstracts pgx.Tx / PgxPool so helper scanners work inside or
// outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txKey struct{}

// withExecutor resolves the active transaction out of ctx, falling back to
// the pool when no transaction is open (matches the teacher's explicit
// transaction pattern rather than an implicit ambient one).
func (s *Store) withExecutor(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.Pool
}

// WithTxn runs fn inside one transaction, retrying on serialization
// failures (SQLSTATE 40001/40P01) with exponential backoff for at most three
// attempts in total, matching spec.md §4.1.
func (s *Store) WithTxn(ctx domain.Context, fn func(domain.Context) error) error {
	op := func() error {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("op=store.withtxn.begin: %w", err)
		}
		txCtx := context.WithValue(ctx, txKey{}, tx)
		if err := fn(txCtx); err != nil {
			_ = tx.Rollback(ctx)
			if isSerializationFailure(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("op=store.withtxn.commit: %w", err))
		}
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return fmt.Errorf("%w: retries exhausted: %v", domain.ErrTransient, err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// noRowsAffected reports whether a CAS-guarded UPDATE matched zero rows,
// which Store callers treat as a conflict (the status moved under us).
func noRowsAffected(tag pgconn.CommandTag) bool { return tag.RowsAffected() == 0 }

func wrapNotFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

func nowUTC() time.Time { return time.Now().UTC() }

func msToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
