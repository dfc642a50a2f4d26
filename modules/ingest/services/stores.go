package services

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

// StagingStore is the staging-table access used by the dedup gate, loader and pipeline.
// Every method runs on the transaction bound to ctx, or on the pool.
type StagingStore interface {
	HashExists(ctx context.Context, table pgx.Identifier, fileHash string) (bool, error)
	CanBulkLoad(ctx context.Context, table pgx.Identifier) (bool, error)
	LockHash(ctx context.Context, fileHash string) error
	Load(ctx context.Context, table pgx.Identifier, columns []string, src io.Reader) (int64, error)
	CountByHash(ctx context.Context, table pgx.Identifier, fileHash string) (int64, error)
	FetchUnprocessed(ctx context.Context, table pgx.Identifier, columns []string, fileHash string) (*pipeline.StagingBatch, error)
	MarkProcessed(ctx context.Context, table pgx.Identifier, fileHash string, at time.Time) (int64, error)
}

type NormalizedStore interface {
	Insert(ctx context.Context, table pgx.Identifier, columns []string, rows [][]any) (int64, error)
}

type OverlapStore interface {
	Find(ctx context.Context, table pgx.Identifier, column string, rng pipeline.TimeRange) ([]pipeline.ExistingRange, error)
	Delete(ctx context.Context, table pgx.Identifier, column string, rng pipeline.TimeRange) (int64, error)
}
