package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

// PostgresWorker claims queued jobs with FOR UPDATE SKIP LOCKED and hands them to a Handler.
type PostgresWorker struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
	opts  WorkerOptions

	lockKey int64

	m          *metrics
	tableLabel string
}

func NewPostgresWorker(pool *pgxpool.Pool, table pgx.Identifier, opts WorkerOptions) (*PostgresWorker, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}

	opts.setDefaults()

	label := sqlident.Label(table)
	return &PostgresWorker{
		pool:       pool,
		table:      table,
		opts:       opts,
		m:          getMetrics(),
		tableLabel: label,
		lockKey:    advisoryLockKey("ingest_queue:" + label),
	}, nil
}

func (w *PostgresWorker) Run(ctx context.Context, h Handler) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}
	if h == nil {
		return invalidConfig("handler is required")
	}

	if w.opts.SingleActive {
		return w.runSingleActive(ctx, h)
	}

	w.m.workerLeader.WithLabelValues(w.tableLabel).Set(1)
	return w.runLoop(ctx, nil, h)
}

func (w *PostgresWorker) runSingleActive(ctx context.Context, h Handler) error {
	for {
		conn, err := w.pool.Acquire(ctx)
		if err != nil {
			w.opts.Logger.WithError(err).Warn("jobqueue: failed to acquire connection for single-active worker")
			if err := sleepCtx(ctx, w.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		leader, err := w.tryAcquireLeader(ctx, conn)
		if err != nil || !leader {
			if err != nil {
				w.opts.Logger.WithError(err).Warn("jobqueue: failed to attempt advisory lock")
			}
			w.m.workerLeader.WithLabelValues(w.tableLabel).Set(0)
			conn.Release()
			if err := sleepCtx(ctx, w.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		w.m.workerLeader.WithLabelValues(w.tableLabel).Set(1)
		w.opts.Logger.WithField("table", w.tableLabel).Info("jobqueue: worker became leader")

		err = w.runLoop(ctx, conn, h)
		_ = w.releaseLeader(context.Background(), conn)
		conn.Release()
		return err
	}
}

func (w *PostgresWorker) runLoop(ctx context.Context, conn *pgxpool.Conn, h Handler) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	nextDepthAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(nextDepthAt) {
			if err := w.observeQueueDepth(ctx, conn); err != nil {
				w.opts.Logger.WithError(err).Debug("jobqueue: observe queue depth failed")
			}
			nextDepthAt = time.Now().Add(w.opts.ObserveQueueDepthEvery)
		}

		if err := w.processOnce(ctx, conn, h); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.opts.Logger.WithError(err).Warn("jobqueue: process tick failed")
		}
	}
}

type claimed struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Topic     string
	Payload   []byte
	Sequence  int64
	Attempts  int
	ClaimedAt time.Time
}

func (w *PostgresWorker) processOnce(ctx context.Context, conn *pgxpool.Conn, h Handler) error {
	now := time.Now()
	cutoff := now.Add(-w.opts.LockTTL)

	items, err := w.claim(ctx, conn, now, cutoff)
	if err != nil {
		return err
	}

	for _, c := range items {
		dispatchCtx, cancel := context.WithTimeout(ctx, w.opts.DispatchTimeout)
		start := time.Now()
		err := h.Handle(dispatchCtx, Delivery{
			Meta: Meta{
				Queue:    w.tableLabel,
				Table:    w.table,
				JobID:    c.JobID,
				Topic:    c.Topic,
				Sequence: c.Sequence,
				Attempts: c.Attempts,
			},
			Payload: c.Payload,
		})
		cancel()

		latency := time.Since(start).Seconds()
		log := w.opts.Logger.WithFields(logFields(c, w.tableLabel))
		if err == nil {
			w.m.recordDispatch(w.tableLabel, c.Topic, "success", latency)
			if ackErr := w.ack(ctx, conn, c.ID); ackErr != nil {
				log.WithError(ackErr).Warn("jobqueue: ack failed")
			}
			continue
		}

		w.m.recordDispatch(w.tableLabel, c.Topic, "failure", latency)
		lastErr := truncateError(err, w.opts.LastErrorMaxLen)

		if c.Attempts >= w.opts.MaxAttempts {
			w.m.deadTotal.WithLabelValues(w.tableLabel, c.Topic).Inc()
			log.WithError(err).Error("jobqueue: job exhausted its attempts")
			if deadErr := w.release(ctx, conn, c.ID, lastErr, time.Now()); deadErr != nil {
				log.WithError(deadErr).Warn("jobqueue: dead update failed")
			}
			continue
		}

		log.WithError(err).Warn("jobqueue: job failed, scheduling retry")
		if nackErr := w.release(ctx, conn, c.ID, lastErr, nextAttemptAt(time.Now(), c.Attempts, w.opts)); nackErr != nil {
			log.WithError(nackErr).Warn("jobqueue: nack failed")
		}
	}

	return nil
}

func (w *PostgresWorker) claim(ctx context.Context, conn *pgxpool.Conn, now, lockCutoff time.Time) ([]claimed, error) {
	tx, err := w.begin(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tableName := w.table.Sanitize()
	q := fmt.Sprintf(
		`SELECT id, job_id, topic, payload, sequence, attempts
		   FROM %s
		  WHERE published_at IS NULL
		    AND available_at <= $1
		    AND attempts < $2
		    AND (locked_at IS NULL OR locked_at < $3)
		  ORDER BY available_at, sequence
		  LIMIT $4
		  FOR UPDATE SKIP LOCKED`,
		tableName,
	)
	rows, err := tx.Query(ctx, q, now, w.opts.MaxAttempts, lockCutoff, w.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("job queue claim select: %w", err)
	}

	var items []claimed
	var ids []uuid.UUID
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.ID, &c.JobID, &c.Topic, &c.Payload, &c.Sequence, &c.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("job queue claim scan: %w", err)
		}
		c.Attempts++
		c.ClaimedAt = now
		items = append(items, c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job queue claim rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	update := fmt.Sprintf(`UPDATE %s SET locked_at = $1, attempts = attempts + 1 WHERE id = ANY($2)`, tableName)
	if _, err := tx.Exec(ctx, update, now, pgtype.FlatArray[uuid.UUID](ids)); err != nil {
		return nil, fmt.Errorf("job queue claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (w *PostgresWorker) ack(ctx context.Context, conn *pgxpool.Conn, id uuid.UUID) error {
	q := fmt.Sprintf(
		`UPDATE %s
		    SET published_at = now(),
		        locked_at = NULL,
		        last_error = NULL
		  WHERE id = $1 AND published_at IS NULL`,
		w.table.Sanitize(),
	)
	return w.execInTx(ctx, conn, "ack", q, id)
}

// release unlocks a failed message; availableAt schedules the retry.
func (w *PostgresWorker) release(ctx context.Context, conn *pgxpool.Conn, id uuid.UUID, lastError string, availableAt time.Time) error {
	q := fmt.Sprintf(
		`UPDATE %s
		    SET locked_at = NULL,
		        last_error = $2,
		        available_at = $3
		  WHERE id = $1 AND published_at IS NULL`,
		w.table.Sanitize(),
	)
	return w.execInTx(ctx, conn, "release", q, id, lastError, availableAt)
}

func (w *PostgresWorker) execInTx(ctx context.Context, conn *pgxpool.Conn, op, q string, args ...any) error {
	tx, err := w.begin(ctx, conn)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("job queue %s: %w", op, err)
	}
	return tx.Commit(ctx)
}

func (w *PostgresWorker) observeQueueDepth(ctx context.Context, conn *pgxpool.Conn) error {
	var db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	} = w.pool
	if conn != nil {
		db = conn
	}

	tableName := w.table.Sanitize()
	q := fmt.Sprintf(
		`SELECT count(*), count(*) FILTER (WHERE locked_at IS NOT NULL) FROM %s WHERE published_at IS NULL`,
		tableName,
	)
	var pending, locked int64
	if err := db.QueryRow(ctx, q).Scan(&pending, &locked); err != nil {
		return fmt.Errorf("job queue depth: %w", err)
	}

	w.m.pending.WithLabelValues(w.tableLabel).Set(float64(pending))
	w.m.locked.WithLabelValues(w.tableLabel).Set(float64(locked))
	return nil
}

func (w *PostgresWorker) begin(ctx context.Context, conn *pgxpool.Conn) (pgx.Tx, error) {
	if conn != nil {
		return conn.BeginTx(ctx, pgx.TxOptions{})
	}
	return w.pool.BeginTx(ctx, pgx.TxOptions{})
}

func (w *PostgresWorker) tryAcquireLeader(ctx context.Context, conn *pgxpool.Conn) (bool, error) {
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, w.lockKey).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (w *PostgresWorker) releaseLeader(ctx context.Context, conn *pgxpool.Conn) error {
	var ok bool
	return conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1::bigint)`, w.lockKey).Scan(&ok)
}

func advisoryLockKey(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func logFields(c claimed, queue string) map[string]any {
	return map[string]any{
		"queue":    queue,
		"topic":    c.Topic,
		"job_id":   c.JobID.String(),
		"sequence": c.Sequence,
		"attempts": c.Attempts,
	}
}
