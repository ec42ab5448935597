package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/database/postgres"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/prometheus"
	grpcapi "github.com/turtacn/nl2sql-engine/internal/interfaces/grpc"
	httpapi "github.com/turtacn/nl2sql-engine/internal/interfaces/http"
	"github.com/turtacn/nl2sql-engine/internal/interfaces/http/handlers"
)

// NewServeCmd runs the HTTP API and, when configured, the gRPC scorer.
func NewServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: "Serve /api/v1/{mine,hypotheses,parse,runs}, health probes and metrics. When\n" +
			"server.grpc_address is set, the configured scorer is also exposed as the\n" +
			"nl2sql.Scorer gRPC service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, engineOptions{publish: true}, func(ctx context.Context, cliCtx *CLIContext, e *engine) error {
				cfg := cliCtx.Config
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				if migrate && cfg.Postgres.Enabled {
					if err := postgres.NewMigrator(cfg.Postgres.PostgresConfig, e.logger).Up(ctx); err != nil {
						return err
					}
				}
				if cfg.Kafka.Enabled && cfg.Kafka.EnsureTopics {
					if err := ensureTopics(ctx, cfg.Kafka.Brokers, cfg.Kafka.ReplicationFactor, e.logger); err != nil {
						return err
					}
				}

				g, gctx := errgroup.WithContext(ctx)

				api := httpapi.NewServer(httpapi.ServerConfig{
					Address:         cfg.Server.Address,
					ReadTimeout:     cfg.Server.ReadTimeout,
					WriteTimeout:    cfg.Server.WriteTimeout,
					ShutdownTimeout: cfg.Server.ShutdownTimeout,
				}, newAPIHandler(e), e.logger)
				g.Go(func() error { return api.ListenAndServe(gctx) })

				if e.collector != nil && cfg.Metrics.ListenAddress != "" && cfg.Metrics.ListenAddress != cfg.Server.Address {
					metricsSrv := httpapi.NewServer(httpapi.ServerConfig{
						Address:         cfg.Metrics.ListenAddress,
						ReadTimeout:     cfg.Server.ReadTimeout,
						WriteTimeout:    cfg.Server.WriteTimeout,
						ShutdownTimeout: cfg.Server.ShutdownTimeout,
					}, e.collector.Handler(), e.logger.Named("metrics"))
					g.Go(func() error { return metricsSrv.ListenAndServe(gctx) })
				}

				if cfg.Server.GRPCAddress != "" {
					srv, err := grpcapi.NewServer(cfg.Server.GRPCAddress,
						grpcapi.WithLogger(e.logger.Named("grpc")),
						grpcapi.WithMetrics(e.metrics),
						grpcapi.WithGracefulTimeout(cfg.Server.ShutdownTimeout),
						grpcapi.WithReflection(cliCtx.Verbose),
					)
					if err != nil {
						return err
					}
					srv.RegisterScorer(e.scorer)
					g.Go(srv.Start)
					g.Go(func() error {
						srv.WatchScorerHealth(gctx, 0)
						return nil
					})
					g.Go(func() error {
						<-gctx.Done()
						return srv.Stop(context.Background())
					})
				}

				e.logger.Info("nl2sql serving",
					logging.String("version", Version),
					logging.String("scorer", cfg.Scorer.Backend))
				return g.Wait()
			})
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending postgres migrations before serving")
	return cmd
}

// newAPIHandler wires the HTTP routes over the engine.
func newAPIHandler(e *engine) http.Handler {
	var runs handlers.RunReader
	if e.runs != nil {
		runs = e.runs
	}

	checkers := []handlers.HealthChecker{
		handlers.CheckFunc{Component: "scorer", Fn: e.scorer.Healthy},
	}
	if e.redis != nil {
		checkers = append(checkers, handlers.CheckFunc{Component: "redis", Fn: e.redis.Ping})
	}
	if e.postgres != nil {
		checkers = append(checkers, handlers.CheckFunc{Component: "postgres", Fn: e.postgres.HealthCheck})
	}
	if e.objects != nil {
		checkers = append(checkers, handlers.CheckFunc{Component: "minio", Fn: e.objects.HealthCheck})
	}

	var healthOpts []handlers.HealthOption
	if e.metrics != nil {
		m := e.metrics
		healthOpts = append(healthOpts, handlers.WithHealthReporter(func(component string, up bool) {
			prometheus.RecordHealth(m, component, up)
		}))
	}

	cfg := httpapi.RouterConfig{
		NL2SQLHandler:    handlers.NewNL2SQLHandler(e.pipeline, runs, e.cfg.Server.MaxBodySize, e.logger),
		HealthHandler:    handlers.NewHealthHandler(Version, checkers, healthOpts...),
		Logger:           e.logger,
		MetricsCollector: e.collector,
		Metrics:          e.metrics,
	}
	return httpapi.NewRouter(cfg)
}

func ensureTopics(ctx context.Context, brokers []string, replication int, logger logging.Logger) error {
	tm, err := kafka.NewTopicManager(brokers, logger)
	if err != nil {
		return err
	}
	defer tm.Close()
	return tm.EnsureTopics(ctx, kafka.DefaultTopics(replication))
}
