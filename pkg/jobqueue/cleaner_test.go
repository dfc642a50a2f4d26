package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

func TestCleaner_CleanOnce_DeletesPublishedBeforeRetention(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	db := &stubDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			require.Contains(t, sql, `DELETE FROM "ingest_job_queue"`)
			require.Contains(t, sql, "published_at IS NOT NULL")
			require.Equal(t, now.Add(-24*time.Hour), args[0])
			return pgconn.NewCommandTag("DELETE 3"), nil
		},
	}

	c, err := NewCleaner(db, sqlident.MustParse("ingest_job_queue"), CleanerOptions{Enabled: true, Retention: 24 * time.Hour})
	require.NoError(t, err)

	n, err := c.CleanOnce(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestNewCleaner_RequiresTable(t *testing.T) {
	_, err := NewCleaner(&stubDB{}, nil, CleanerOptions{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCleaner_RunDisabledReturnsImmediately(t *testing.T) {
	c, err := NewCleaner(&stubDB{}, sqlident.MustParse("ingest_job_queue"), CleanerOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))
}

type stubDB struct {
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *stubDB) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("copy not implemented")
}

func (s *stubDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return nil
}

func (s *stubDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if s.execFunc == nil {
		return pgconn.CommandTag{}, nil
	}
	return s.execFunc(ctx, sql, arguments...)
}

func (s *stubDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not implemented")
}

func (s *stubDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.queryRowFunc == nil {
		return stubRow{scan: func(dest ...any) error { return errors.New("query row not implemented") }}
	}
	return s.queryRowFunc(ctx, sql, args...)
}

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	return r.scan(dest...)
}
