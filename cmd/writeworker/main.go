// Command writeworker consumes write tasks from Kafka and merges each token
// into its partition.
//
// Usage:
//
//	go run ./cmd/writeworker [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatthewMawby/SearchIndex/internal/backend"
	"github.com/MatthewMawby/SearchIndex/internal/queue"
	"github.com/MatthewMawby/SearchIndex/internal/write/worker"
	"github.com/MatthewMawby/SearchIndex/pkg/config"
	"github.com/MatthewMawby/SearchIndex/pkg/health"
	"github.com/MatthewMawby/SearchIndex/pkg/kafka"
	"github.com/MatthewMawby/SearchIndex/pkg/logger"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting write worker",
		"conflict_retries", cfg.Writer.ConflictRetries,
		"verify_before_put", cfg.Writer.VerifyBeforePut,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
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
	codec, err := opener.Codec()
	if err != nil {
		slog.Error("invalid partition codec", "error", err)
		os.Exit(1)
	}

	var acks queue.AckPublisher
	if cfg.Writer.AwaitCompletion {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.TaskAcks)
		defer producer.Close()
		acks = queue.NewKafkaAcks(producer)
		slog.Info("publishing task acks", "topic", cfg.Kafka.Topics.TaskAcks)
	}

	w := worker.New(cat, blobs, acks, m, worker.Config{
		Codec:           codec,
		ConflictRetries: cfg.Writer.ConflictRetries,
		VerifyBeforePut: cfg.Writer.VerifyBeforePut,
		OpsPerSecond:    cfg.Writer.OpsPerSecond,
		OpTimeout:       cfg.Writer.OpTimeout,
	})
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.WriteTasks, "", w.Handler())

	slog.Info("write worker ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.WriteTasks,
		"group", cfg.Kafka.ConsumerGroup,
	)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}
	slog.Info("write worker stopped")
}
