// Command server runs the optimization engine: the saga orchestrator, its
// gRPC API and the read-only ops HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/config"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/directory"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/endpoint"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/estimate"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging/natsbus"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/observability"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/providersim"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/scheduler"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/service"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage/postgres"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage/sqlite"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/strategy"
	grpctransport "github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/transport/grpc"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/web"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/workflow"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath string
	fleetPath  string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Manufacturing optimization engine",
	Long: `server plans motor remanufacturing: it resolves the process template for a
request, collects provider estimates, offers one strategy per optimization
priority and books provider capacity for the selected one.

Configuration comes from --config (YAML) and MFGOPT_* environment variables,
e.g. MFGOPT_STORAGE_DRIVER=postgres.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine",
	Long: `Run the engine until SIGINT or SIGTERM.

With messaging.driver=memory an in-process provider simulator answers
proposals, using --fleet or the built-in fleet. With nats, providers run
separately (see provider-sim) and --fleet only registers them.`,
	RunE: runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	serveCmd.Flags().StringVar(&fleetPath, "fleet", "", "YAML fleet definition to register at startup")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.Storage.PostgresDSN)
	default:
		return sqlite.New(cfg.Storage.SQLitePath)
	}
}

func openChannel(ctx context.Context, cfg *config.Config, logger *logging.Logger) (messaging.Channel, func() error, error) {
	if cfg.Messaging.Driver == "nats" {
		ch, err := natsbus.Connect(ctx, natsbus.Config{
			URL:            cfg.Messaging.NATSURL,
			Stream:         cfg.Messaging.Stream,
			ConsumerPrefix: cfg.Messaging.ConsumerPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Close, nil
	}
	ch := messaging.NewMemoryChannel(messaging.WithMemoryLogger(logger))
	return ch, ch.Close, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	store, err := openStorage(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	logger.Info("migrations applied", "driver", cfg.Storage.Driver)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	// Storage
	logger.Info("opening storage", "driver", cfg.Storage.Driver)
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}

	// Messaging
	ch, closeChannel, err := openChannel(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer closeChannel()

	fleet, err := loadFleet(cfg)
	if err != nil {
		return err
	}
	if cfg.Messaging.Driver == "memory" {
		sim := providersim.New(ch, fleet, providersim.WithLogger(logger))
		if err := sim.Start(ctx, "providersim"); err != nil {
			return err
		}
		defer sim.Stop()
	}

	// Provider directory
	requester, err := messaging.NewRequester(ctx, ch, messaging.SubjectValidateReply, cfg.Messaging.ConsumerPrefix+"-validation-replies")
	if err != nil {
		return err
	}
	defer requester.Close()
	registry := directory.NewRegistry(store,
		directory.WithValidator(directory.NewChannelValidator(requester), cfg.Directory.ValidationTimeout),
		directory.WithRegistryLogger(logger))
	for _, p := range fleet {
		if _, err := registry.Register(ctx, p.Snapshot); err != nil {
			return fmt.Errorf("registering %s: %w", p.Snapshot.ID, err)
		}
	}

	// Saga components
	var templates []workflow.Template
	if cfg.Workflow.TemplatesFile != "" {
		templates, err = workflow.LoadTemplatesFile(cfg.Workflow.TemplatesFile)
		if err != nil {
			return err
		}
	}
	resolver, err := workflow.NewResolver(templates...)
	if err != nil {
		return err
	}
	weights, err := cfg.PriorityWeights()
	if err != nil {
		return err
	}
	generator, err := strategy.NewGenerator(weights)
	if err != nil {
		return err
	}
	sched := scheduler.New(store,
		scheduler.WithPolicy(scheduler.Policy{WorkBlock: cfg.Scheduler.WorkBlock, Break: cfg.Scheduler.BreakLength}),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics))
	aggregator := estimate.NewAggregator(ch,
		estimate.WithLogger(logger),
		estimate.WithMetrics(metrics),
		estimate.WithSendRetries(cfg.Estimation.SendRetries, 100*time.Millisecond),
		estimate.WithSendRate(cfg.Estimation.SendRatePerSecond))

	orch, err := service.New(service.Deps{
		Storage:    store,
		Directory:  registry,
		Resolver:   resolver,
		Aggregator: aggregator,
		Generator:  generator,
		Scheduler:  sched,
		Channel:    ch,
	}, service.Settings{
		EstimationTimeout:   cfg.Estimation.Timeout,
		SelectionTimeout:    cfg.Saga.SelectionTimeout,
		SchedulingLeadTime:  cfg.Saga.SchedulingLeadTime,
		CompensateOnFailure: cfg.Saga.CompensateOnFailure,
		ConsumerPrefix:      cfg.Messaging.ConsumerPrefix,
	}, service.WithLogger(logger), service.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := orch.Recover(ctx); err != nil {
		logger.Error("recovery incomplete", "error", err)
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	events := grpctransport.NewEventBroadcaster(logger)
	if err := events.Start(ctx, ch, cfg.Messaging.ConsumerPrefix+"-watch"); err != nil {
		return err
	}

	if configPath != "" {
		err := config.Watch(configPath, func(c *config.Config) {
			logger.SetLevel(c.Log.Level)
			orch.SetSelectionTimeout(c.Saga.SelectionTimeout)
			logger.Info("configuration reloaded")
		}, func(err error) {
			logger.Warn("ignoring invalid configuration", "error", err)
		})
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	grpcServer := grpctransport.NewServer(endpoint.MakeEndpoints(orch),
		grpctransport.WithLogger(logger),
		grpctransport.WithEventBroadcaster(events))
	webServer := web.NewServer(cfg.Server.HTTPAddr, orch,
		web.WithLogger(logger),
		web.WithMetrics(metrics))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.ListenAndServe(cfg.Server.GRPCAddr) })
	g.Go(webServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop intake first, then drain the saga.
		grpcServer.GracefulStop()
		errs := []error{webServer.Shutdown(shutdownCtx)}
		errs = append(errs, events.Stop())
		errs = append(errs, orch.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	logger.Info("engine started",
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Driver,
		"messaging", cfg.Messaging.Driver,
		"providers", len(fleet))
	return g.Wait()
}

// loadFleet returns the providers to register. Without --fleet the
// built-in fleet is used with the memory driver and none with nats.
func loadFleet(cfg *config.Config) ([]providersim.Provider, error) {
	if fleetPath != "" {
		fleet, err := providersim.LoadFleetFile(fleetPath)
		if err != nil {
			return nil, fmt.Errorf("loading fleet: %w", err)
		}
		return fleet, nil
	}
	if cfg.Messaging.Driver == "memory" {
		return providersim.DefaultFleet(), nil
	}
	return nil, nil
}
