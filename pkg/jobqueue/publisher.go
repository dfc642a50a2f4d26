package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/sheet-ingest/pkg/repo"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

type pgPublisher struct {
	table pgx.Identifier
	m     *metrics
}

// NewPostgresPublisher stores messages in table, inside the caller's transaction.
func NewPostgresPublisher(table pgx.Identifier) (Publisher, error) {
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	return &pgPublisher{table: table, m: getMetrics()}, nil
}

func (p *pgPublisher) Transactional() bool { return true }

func (p *pgPublisher) Enqueue(ctx context.Context, tx repo.Tx, msg Message) (int64, error) {
	if err := validateMessage(msg); err != nil {
		return 0, err
	}
	if tx == nil {
		return 0, invalidConfig("tx is required")
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (job_id, topic, payload, available_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (job_id) DO UPDATE SET job_id = EXCLUDED.job_id
		 RETURNING sequence`,
		p.table.Sanitize(),
	)

	var sequence int64
	if err := tx.QueryRow(ctx, q, msg.JobID, msg.Topic, []byte(msg.Payload)).Scan(&sequence); err != nil {
		return 0, fmt.Errorf("job queue enqueue: %w", err)
	}

	p.m.enqueueTotal.WithLabelValues(sqlident.Label(p.table), msg.Topic).Inc()
	return sequence, nil
}
