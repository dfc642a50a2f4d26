package repo

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	Tx
	Begin(ctx context.Context) (pgx.Tx, error)
}
