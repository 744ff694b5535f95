// Command reconciler deletes partition blobs that no catalog row
// references.
//
// Usage:
//
//	go run ./cmd/reconciler [-config configs/development.yaml] [-once]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatthewMawby/SearchIndex/internal/backend"
	"github.com/MatthewMawby/SearchIndex/internal/reconcile"
	"github.com/MatthewMawby/SearchIndex/pkg/config"
	"github.com/MatthewMawby/SearchIndex/pkg/health"
	"github.com/MatthewMawby/SearchIndex/pkg/logger"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single sweep that deletes orphans without confirmation, print the report and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled && !*once {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, checker.Routes())
		defer shutdownMetrics(context.Background())
	}

	opener := backend.NewOpener(cfg, checker, m)
	defer opener.Close()
	cat, err := opener.Catalog(ctx)
	if err != nil {
		slog.Error("failed to open partition catalog", "error", err)
		os.Exit(1)
	}
	blobs, err := opener.Blobs(ctx)
	if err != nil {
		slog.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	confirmations := cfg.Reconcile.Confirmations
	if *once {
		confirmations = 1
	}
	// Storage keys are bare uuids relative to the store's own prefix.
	sweeper := reconcile.NewSweeper(cat, blobs, "", cfg.Reconcile.DryRun, confirmations)

	if *once {
		report, err := sweeper.Sweep(ctx)
		if err != nil {
			slog.Error("sweep failed", "error", err)
			os.Exit(1)
		}
		if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
			slog.Error("failed to print report", "error", err)
		}
		return
	}

	slog.Info("reconciler started", "interval", cfg.Reconcile.Interval, "dry_run", cfg.Reconcile.DryRun)
	sweeper.Run(ctx, cfg.Reconcile.Interval)
	slog.Info("reconciler stopped")
}
