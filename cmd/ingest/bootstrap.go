package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/modules/ingest"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
	"github.com/iota-uz/sheet-ingest/pkg/application"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/configuration"
	"github.com/iota-uz/sheet-ingest/pkg/eventbus"
	"github.com/iota-uz/sheet-ingest/pkg/jobqueue"
	"github.com/iota-uz/sheet-ingest/pkg/logging"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

type queueSetup struct {
	publisher jobqueue.Publisher
	table     pgx.Identifier
	redis     *redis.Client
	redisQ    *jobqueue.RedisQueue
}

// runtime is what every database-backed command shares.
type runtime struct {
	conf   *configuration.Configuration
	logger *logrus.Logger
	pool   *pgxpool.Pool
	app    application.Application
	queue  queueSetup
	close  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.close) - 1; i >= 0; i-- {
		rt.close[i]()
	}
	rt.conf.Unload()
}

// Context returns ctx carrying the pool and the command logger.
func (rt *runtime) Context(ctx context.Context) context.Context {
	ctx = composables.WithPool(ctx, rt.pool)
	return composables.WithLogger(ctx, logrus.NewEntry(rt.logger))
}

func (rt *runtime) Runner() *services.JobRunner {
	return rt.app.Service(services.JobRunner{}).(*services.JobRunner)
}

func (rt *runtime) Pipeline() *services.Pipeline {
	return rt.app.Service(services.Pipeline{}).(*services.Pipeline)
}

func connectDB(ctx context.Context, conf *configuration.Configuration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cfg, err := pgxpool.ParseConfig(conf.Database.Opts)
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if conf.Database.MaxConns > 0 {
		cfg.MaxConns = conf.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return pool, nil
}

func newQueue(conf *configuration.Configuration, log *logrus.Entry) (queueSetup, error) {
	var q queueSetup
	table, err := sqlident.Parse(conf.Queue.Table)
	if err != nil {
		return q, fmt.Errorf("invalid INGEST_QUEUE_TABLE: %w", err)
	}
	q.table = table

	switch conf.Queue.Backend {
	case configuration.QueueBackendRedis:
		opts, err := redis.ParseURL(strings.TrimSpace(conf.RedisURL))
		if err != nil {
			return q, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		q.redis = redis.NewClient(opts)
		q.redisQ, err = jobqueue.NewRedisQueue(q.redis, conf.Queue.Name, workerOptions(conf, log))
		if err != nil {
			_ = q.redis.Close()
			return q, err
		}
		q.publisher = q.redisQ
	default:
		q.publisher, err = jobqueue.NewPostgresPublisher(table)
		if err != nil {
			return q, err
		}
	}
	return q, nil
}

func workerOptions(conf *configuration.Configuration, log *logrus.Entry) jobqueue.WorkerOptions {
	return jobqueue.WorkerOptions{
		PollInterval:    conf.Queue.PollInterval,
		BatchSize:       conf.Queue.BatchSize,
		LockTTL:         conf.Queue.LockTTL,
		MaxAttempts:     conf.Queue.MaxAttempts,
		SingleActive:    conf.Queue.SingleActive,
		LastErrorMaxLen: conf.Queue.LastErrorMaxBytes,
		DispatchTimeout: conf.Queue.DispatchTimeout,
		Logger:          log,
	}
}

type bootstrapOptions struct {
	Controllers bool
}

// bootstrap loads configuration, opens the pool and queue, and registers the
// ingest module on a fresh application.
func bootstrap(ctx context.Context, opts bootstrapOptions) (*runtime, error) {
	conf := configuration.Use()
	rt := &runtime{conf: conf, logger: conf.Logger()}

	if conf.OpenTelemetry.Enabled {
		rt.close = append(rt.close, logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL))
		rt.logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
	}

	pool, err := connectDB(ctx, conf)
	if err != nil {
		rt.Close()
		return nil, withCode(exitDB, err)
	}
	rt.pool = pool
	rt.close = append(rt.close, pool.Close)

	queue, err := newQueue(conf, rt.logger.WithField("component", "jobqueue"))
	if err != nil {
		rt.Close()
		return nil, withCode(exitUsage, err)
	}
	rt.queue = queue
	if queue.redis != nil {
		rt.close = append(rt.close, func() { _ = queue.redis.Close() })
	}

	rt.app = application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: eventbus.NewEventPublisher(rt.logger),
		Logger:   rt.logger,
	})
	if err := application.LoadModules(rt.app, ingest.NewModule(&ingest.ModuleOptions{
		ConfigIdentity: conf.Database.Identity(),
		UploadsDir:     conf.UploadsPath,
		RejectedDir:    conf.RejectedRowsDir,
		Limits: services.Limits{
			MaxFileSizeBytes: conf.Limits.MaxFileSizeBytes,
			MaxRows:          conf.Limits.MaxRows,
		},
		Publisher:       queue.publisher,
		Controllers:     opts.Controllers,
		UploadRateLimit: conf.HTTP.UploadRateLimit,
	})); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load modules: %w", err)
	}
	return rt, nil
}
