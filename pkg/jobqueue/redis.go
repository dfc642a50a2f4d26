package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/sheet-ingest/pkg/repo"
)

const DefaultRedisQueue = "sims_uploads"

// envelope is the JSON document stored in the Redis lists.
type envelope struct {
	ID         uuid.UUID       `json:"id"`
	JobID      uuid.UUID       `json:"job_id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

func encodeEnvelope(e envelope) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validateMessage(Message{JobID: e.JobID, Topic: e.Topic}); err != nil {
		return envelope{}, err
	}
	return e, nil
}

// RedisQueue is a reliable list queue: BLMOVE pending -> processing, LREM on completion.
// Failed deliveries wait in a sorted set until their retry time; exhausted ones land in the dead list.
type RedisQueue struct {
	client *redis.Client
	name   string
	opts   WorkerOptions
	m      *metrics
}

func NewRedisQueue(client *redis.Client, name string, opts WorkerOptions) (*RedisQueue, error) {
	if client == nil {
		return nil, invalidConfig("redis client is required")
	}
	if name == "" {
		name = DefaultRedisQueue
	}
	opts.setDefaults()
	return &RedisQueue{client: client, name: name, opts: opts, m: getMetrics()}, nil
}

func (q *RedisQueue) PendingKey() string    { return q.name }
func (q *RedisQueue) ProcessingKey() string { return q.name + ":processing" }
func (q *RedisQueue) DelayedKey() string    { return q.name + ":delayed" }
func (q *RedisQueue) DeadKey() string       { return q.name + ":dead" }

func (q *RedisQueue) Transactional() bool { return false }

// Enqueue pushes msg onto the pending list. tx is ignored; the returned sequence is the list length.
func (q *RedisQueue) Enqueue(ctx context.Context, _ repo.Tx, msg Message) (int64, error) {
	if err := validateMessage(msg); err != nil {
		return 0, err
	}
	raw, err := encodeEnvelope(envelope{
		ID:         uuid.New(),
		JobID:      msg.JobID,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	n, err := q.client.LPush(ctx, q.PendingKey(), raw).Result()
	if err != nil {
		return 0, fmt.Errorf("redis enqueue: %w", err)
	}
	q.m.enqueueTotal.WithLabelValues(q.name, msg.Topic).Inc()
	return n, nil
}

// Requeue moves everything left in the processing list back to pending, e.g. after a crash.
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.ProcessingKey(), q.PendingKey(), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("redis requeue: %w", err)
		}
		moved++
	}
}

func (q *RedisQueue) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return invalidConfig("handler is required")
	}
	log := q.opts.Logger.WithField("queue", q.name)
	log.Info("jobqueue: redis worker started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.promoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("jobqueue: promote delayed failed")
		}

		raw, err := q.client.BLMove(ctx, q.PendingKey(), q.ProcessingKey(), "RIGHT", "LEFT", q.opts.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("jobqueue: redis receive failed")
			if err := sleepCtx(ctx, q.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		q.deliver(ctx, h, raw)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, h Handler, raw string) {
	log := q.opts.Logger.WithField("queue", q.name)
	// Finishing bookkeeping must survive the shutdown signal that may have cancelled ctx.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := q.client.LRem(bg, q.ProcessingKey(), 1, raw).Err(); err != nil {
			log.WithError(err).Warn("jobqueue: redis ack failed")
		}
	}()

	e, err := decodeEnvelope(raw)
	if err != nil {
		log.WithError(err).Error("jobqueue: dropping undecodable message")
		_ = q.client.LPush(bg, q.DeadKey(), raw).Err()
		return
	}
	e.Attempts++

	dispatchCtx, cancel := context.WithTimeout(ctx, q.opts.DispatchTimeout)
	start := time.Now()
	err = h.Handle(dispatchCtx, Delivery{
		Meta: Meta{
			Queue:    q.name,
			JobID:    e.JobID,
			Topic:    e.Topic,
			Sequence: e.EnqueuedAt.UnixNano(),
			Attempts: e.Attempts,
		},
		Payload: e.Payload,
	})
	cancel()
	latency := time.Since(start).Seconds()

	entry := log.WithFields(map[string]any{"job_id": e.JobID.String(), "attempts": e.Attempts})
	if err == nil {
		q.m.recordDispatch(q.name, e.Topic, "success", latency)
		return
	}
	q.m.recordDispatch(q.name, e.Topic, "failure", latency)
	e.LastError = truncateError(err, q.opts.LastErrorMaxLen)

	next, encErr := encodeEnvelope(e)
	if encErr != nil {
		entry.WithError(encErr).Error("jobqueue: failed to re-encode message")
		return
	}
	if e.Attempts >= q.opts.MaxAttempts {
		q.m.deadTotal.WithLabelValues(q.name, e.Topic).Inc()
		entry.WithError(err).Error("jobqueue: job exhausted its attempts")
		if pushErr := q.client.LPush(bg, q.DeadKey(), next).Err(); pushErr != nil {
			entry.WithError(pushErr).Warn("jobqueue: dead push failed")
		}
		return
	}

	at := nextAttemptAt(time.Now(), e.Attempts, q.opts)
	entry.WithError(err).WithField("retry_at", at).Warn("jobqueue: job failed, scheduling retry")
	if zErr := q.client.ZAdd(bg, q.DelayedKey(), redis.Z{Score: float64(at.UnixMilli()), Member: next}).Err(); zErr != nil {
		entry.WithError(zErr).Warn("jobqueue: delayed push failed")
	}
}

// promoteDue moves delayed messages whose retry time has passed back to pending.
func (q *RedisQueue) promoteDue(ctx context.Context, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, q.DelayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, q.DelayedKey(), raw).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.PendingKey(), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}
