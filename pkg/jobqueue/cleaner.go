package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/sheet-ingest/pkg/repo"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

// Cleaner deletes delivered messages older than the retention window.
type Cleaner struct {
	db    repo.Tx
	table pgx.Identifier
	opts  CleanerOptions
}

func NewCleaner(db repo.Tx, table pgx.Identifier, opts CleanerOptions) (*Cleaner, error) {
	if db == nil {
		return nil, invalidConfig("db is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	opts.setDefaults()
	return &Cleaner{db: db, table: table, opts: opts}, nil
}

func (c *Cleaner) Run(ctx context.Context) error {
	if !c.opts.Enabled {
		return nil
	}

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := c.CleanOnce(ctx, time.Now()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.opts.Logger.WithError(err).WithField("queue", sqlident.Label(c.table)).Warn("jobqueue: cleaner tick failed")
		}
	}
}

func (c *Cleaner) CleanOnce(ctx context.Context, now time.Time) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE published_at IS NOT NULL AND published_at < $1`, c.table.Sanitize())
	tag, err := c.db.Exec(ctx, q, now.Add(-c.opts.Retention))
	if err != nil {
		return 0, fmt.Errorf("job queue cleaner delete: %w", err)
	}
	return tag.RowsAffected(), nil
}
