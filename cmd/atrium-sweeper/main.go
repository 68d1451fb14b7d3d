package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/config"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/storage"
)

var runOnce = flag.Bool("run-once", false, "Run one retention sweep and exit")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "atrium-sweeper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := storage.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	store := audit.NewSQLStore(db)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sweeper := audit.NewRetentionSweeper(store, logger, cfg.Audit.Retention, metrics)

	if *runOnce {
		deleted := sweeper.Sweep(context.Background())
		logger.WithField("deleted", deleted).Info("one-off sweep finished")
		return nil
	}

	if err := sweeper.Start(cfg.Audit.SweepSchedule); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"schedule":  cfg.Audit.SweepSchedule,
		"retention": cfg.Audit.Retention.String(),
	}).Info("audit retention sweeper started")

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register(func(context.Context) error {
		sweeper.Stop()
		return nil
	})
	return shutdown.Wait()
}
