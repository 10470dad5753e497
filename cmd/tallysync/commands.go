package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"tallysync/internal/api"
	"tallysync/internal/config"
	"tallysync/internal/history"
	"tallysync/internal/ingest"
	"tallysync/internal/logging"
	"tallysync/internal/model"
	"tallysync/internal/observability"
	"tallysync/internal/reconcile"
	"tallysync/internal/scheduler"
	"tallysync/internal/snapshot"
	"tallysync/internal/storage"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tallysync",
		Short:         "Reconcile cumulative sensor counters into append-only delta records",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml or json config file (default: config.yaml if present)")
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Subscribe to telemetry and reconcile on a schedule",
			RunE:  runService,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration, then print it",
			RunE:  runValidate,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the storage schema if it does not exist",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "baseline [source...]",
			Short: "Print the committed baseline per source without writing",
			RunE:  runBaseline,
		},
	)
	return root
}

func loadManager() (*config.Manager, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path == "" {
		cfg, err := config.Defaults()
		if err != nil {
			return nil, err
		}
		return config.NewStaticManager(cfg), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.Init(initCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init %s storage: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

func newFeed(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) ingest.Feed {
	switch cfg.Telemetry.Transport {
	case "mqtt":
		return ingest.NewMQTTFeed(cfg.Telemetry.MQTT, logger, metrics)
	case "kafka":
		return ingest.NewKafkaFeed(cfg.Telemetry.Kafka, logger, metrics)
	}
	return nil
}

func runService(cmd *cobra.Command, _ []string) error {
	manager, err := loadManager()
	if err != nil {
		return err
	}
	cfg := manager.Get()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.New(reg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshots := snapshot.NewStore()
	runs := history.NewStore(cfg.History.Limit)
	engine := reconcile.NewEngine(cfg, logger, snapshots, store, runs, metrics)
	subscriber := ingest.NewSubscriber(cfg, snapshots, metrics, logger)
	sched := scheduler.New(cfg.Scheduler, engine, logger)

	if feed := newFeed(cfg, logger, metrics); feed != nil {
		go ingest.Supervise(ctx, feed, subscriber.Handle, ingest.BackoffFromConfig(cfg.Telemetry.Backoff), logger, metrics)
	} else {
		logger.Info("broker transport disabled, accepting pushed telemetry only")
	}

	api.Start(ctx, api.Deps{
		Config:    manager,
		Engine:    engine,
		Snapshots: snapshots,
		Store:     store,
		History:   runs,
		Push:      ingest.NewPushHandler(subscriber, logger),
		Gatherer:  reg,
		Logger:    logger,
		Version:   version,
	})

	go manager.Watch(3*time.Second, func(next *config.Config) {
		engine.UpdateConfig(next)
		subscriber.UpdateConfig(next)
		sched.UpdateConfig(next.Scheduler)
		logger.Info("config reloaded", "path", manager.Path(), "interval", next.Scheduler.Interval)
	}, func(err error) {
		logger.Warn("config reload failed", "path", manager.Path(), "err", err)
	}, ctx.Done())

	logger.Info("tallysync started",
		"version", version,
		"sources", cfg.Sources,
		"transport", cfg.Telemetry.Transport,
		"storage", cfg.Storage.Driver,
		"interval", cfg.Scheduler.Interval,
		"align", cfg.Scheduler.Align,
	)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tallysync stopped")
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	manager, err := loadManager()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(manager.Get())
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	manager, err := loadManager()
	if err != nil {
		return err
	}
	cfg := manager.Get()
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema ready\n", cfg.Storage.Driver)
	return nil
}

func runBaseline(cmd *cobra.Command, args []string) error {
	manager, err := loadManager()
	if err != nil {
		return err
	}
	cfg := manager.Get()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := reconcile.NewEngine(cfg, logger, snapshot.NewStore(), store, nil, nil)
	sources := engine.Sources()
	if len(args) > 0 {
		sources = sources[:0]
		for _, a := range args {
			src := model.Source(a)
			if !engine.Known(src) {
				return fmt.Errorf("%w: %q", reconcile.ErrUnknownSource, a)
			}
			sources = append(sources, src)
		}
	}
	out := make(map[model.Source]model.Counters, len(sources))
	for _, src := range sources {
		out[src] = engine.Baseline(cmd.Context(), src)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
