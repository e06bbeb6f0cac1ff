package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the minimal transaction surface CleanupService needs, narrow enough
// that a test double doesn't have to implement all of pgx.Tx.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a Tx. *pgxpool.Pool satisfies it via poolBeginner below.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

type poolBeginner struct{ pool *pgxpool.Pool }

// NewBeginner adapts a pgxpool.Pool to Beginner.
func NewBeginner(pool *pgxpool.Pool) Beginner { return poolBeginner{pool: pool} }

func (p poolBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
