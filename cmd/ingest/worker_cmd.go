package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/sheet-ingest/pkg/jobqueue"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume upload jobs from the configured queue until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, bootstrapOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			return runWorker(rt.Context(ctx), rt)
		},
	}
	return cmd
}

// runWorker blocks until ctx is done. The postgres backend also runs the
// queue cleaner when it is enabled.
func runWorker(ctx context.Context, rt *runtime) error {
	log := rt.logger.WithField("component", "worker")
	handler := rt.Runner().Handler()
	g, ctx := errgroup.WithContext(ctx)

	if rt.queue.redisQ != nil {
		if n, err := rt.queue.redisQ.Requeue(ctx); err != nil {
			log.WithError(err).Warn("failed to requeue in-flight deliveries")
		} else if n > 0 {
			log.WithField("count", n).Info("requeued in-flight deliveries")
		}
		g.Go(func() error { return rt.queue.redisQ.Run(ctx, handler) })
	} else {
		opts := workerOptions(rt.conf, log.WithField("queue", sqlident.Label(rt.queue.table)))
		worker, err := jobqueue.NewPostgresWorker(rt.pool, rt.queue.table, opts)
		if err != nil {
			return withCode(exitUsage, err)
		}
		g.Go(func() error { return worker.Run(ctx, handler) })

		if rt.conf.Queue.CleanerEnabled {
			cleaner, err := jobqueue.NewCleaner(rt.pool, rt.queue.table, jobqueue.CleanerOptions{
				Enabled:   true,
				Interval:  rt.conf.Queue.CleanerInterval,
				Retention: rt.conf.Queue.CleanerRetention,
				Logger:    log.WithField("component", "jobqueue_cleaner"),
			})
			if err != nil {
				return withCode(exitUsage, err)
			}
			g.Go(func() error { return cleaner.Run(ctx) })
		}
	}

	log.WithField("backend", rt.conf.Queue.Backend).Info("worker started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}
