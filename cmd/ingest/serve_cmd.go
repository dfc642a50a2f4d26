package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/sheet-ingest/pkg/metrics"
	"github.com/iota-uz/sheet-ingest/pkg/middleware"
	"github.com/iota-uz/sheet-ingest/pkg/server"
)

type serveOptions struct {
	Addr       string
	WithWorker bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload job HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, bootstrapOptions{Controllers: true})
			if err != nil {
				return err
			}
			defer rt.Close()
			conf := rt.conf

			logOpts := middleware.DefaultLoggerOptions()
			logOpts.RequestIDHeader = conf.RequestIDHeader
			logOpts.RealIPHeader = conf.HTTP.RealIPHeader
			rt.app.RegisterMiddleware(
				middleware.WithLogger(rt.logger, logOpts),
				middleware.ProvidePool(rt.pool),
				middleware.OpsGuard(middleware.OpsGuardOptions{
					Enabled:      conf.HTTP.OpsGuardEnabled,
					CIDRs:        conf.HTTP.OpsGuardCIDRs,
					Token:        conf.HTTP.OpsGuardToken,
					RealIPHeader: conf.HTTP.RealIPHeader,
				}),
				middleware.Cors(conf.HTTP.CorsOrigins...),
			)
			if conf.Prometheus.Enabled {
				rt.app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path))
			}

			addr := opts.Addr
			if addr == "" {
				addr = conf.SocketAddress
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.logger.Infof("Listening on: %s", addr)
				return server.NewHTTPServer(rt.app).Start(gctx, addr)
			})
			if opts.WithWorker {
				g.Go(func() error { return runWorker(rt.Context(gctx), rt) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address; defaults to PORT")
	cmd.Flags().BoolVar(&opts.WithWorker, "with-worker", false, "also consume the job queue in this process")
	return cmd
}
