// Command writemaster starts the write master HTTP service.
//
// The service accepts document writes via POST /api/v1/writes, locks the
// document, splits the write into per-token tasks and publishes them to the
// Kafka task topic. With -embedded-workers the tasks are executed in
// process instead, which needs no Kafka.
//
// Usage:
//
//	go run ./cmd/writemaster [-config configs/development.yaml] [-embedded-workers 4]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/MatthewMawby/SearchIndex/internal/backend"
	"github.com/MatthewMawby/SearchIndex/internal/catalog"
	"github.com/MatthewMawby/SearchIndex/internal/queue"
	"github.com/MatthewMawby/SearchIndex/internal/write"
	"github.com/MatthewMawby/SearchIndex/internal/write/handler"
	"github.com/MatthewMawby/SearchIndex/internal/write/master"
	"github.com/MatthewMawby/SearchIndex/internal/write/tracker"
	"github.com/MatthewMawby/SearchIndex/internal/write/worker"
	"github.com/MatthewMawby/SearchIndex/pkg/config"
	"github.com/MatthewMawby/SearchIndex/pkg/health"
	"github.com/MatthewMawby/SearchIndex/pkg/kafka"
	"github.com/MatthewMawby/SearchIndex/pkg/logger"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	embeddedWorkers := flag.Int("embedded-workers", 0, "run this many workers in process instead of using Kafka")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting write master", "port", cfg.Server.Port, "embedded_workers", *embeddedWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, nil)
		defer shutdownMetrics(context.Background())
	}
	checker := health.NewChecker()

	opener := backend.NewOpener(cfg, checker, m)
	defer opener.Close()
	docs, err := opener.Documents(ctx)
	if err != nil {
		slog.Error("failed to open document store", "error", err)
		os.Exit(1)
	}
	cat, err := opener.Catalog(ctx)
	if err != nil {
		slog.Error("failed to open partition catalog", "error", err)
		os.Exit(1)
	}

	var tr *tracker.Tracker
	if cfg.Writer.AwaitCompletion || *embeddedWorkers > 0 {
		tr = tracker.New()
	}

	var dispatcher queue.Dispatcher
	if *embeddedWorkers > 0 {
		dispatcher, err = startEmbeddedWorkers(ctx, opener, cat, cfg, tr, m, *embeddedWorkers)
		if err != nil {
			slog.Error("failed to start embedded workers", "error", err)
			os.Exit(1)
		}
	} else {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.WriteTasks)
		defer producer.Close()
		dispatcher = queue.NewKafka(producer)
		slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.WriteTasks)

		if cfg.Writer.AwaitCompletion {
			// Every master reads every ack; the tracker drops the ones for
			// writes it did not start.
			group := "writemaster-" + uuid.NewString()
			acks := kafka.NewTailConsumer(cfg.Kafka, cfg.Kafka.Topics.TaskAcks, group, tr.Handler())
			go func() {
				if err := acks.Start(ctx); err != nil {
					slog.Error("ack consumer stopped", "error", err)
				}
			}()
			slog.Info("ack consumer started", "topic", cfg.Kafka.Topics.TaskAcks, "group", group)
		}
	}

	mst := master.New(docs, cat, dispatcher, tr, m, master.Config{
		ExpirationThreshold: cfg.Writer.ExpirationThreshold,
		StrictLocking:       cfg.Writer.StrictLocking,
		AwaitCompletion:     cfg.Writer.AwaitCompletion,
		AckTimeout:          cfg.Writer.AckTimeout,
		LogSpans:            cfg.Tracing.Enabled,
	})
	h := handler.New(mst, docs)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Router(checker, m, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("write master listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("write master stopped")
}

// startEmbeddedWorkers runs n workers on an in-memory queue. Workers ack
// straight into the tracker.
func startEmbeddedWorkers(ctx context.Context, opener *backend.Opener, cat catalog.Catalog, cfg *config.Config, tr *tracker.Tracker, m *metrics.Metrics, n int) (queue.Dispatcher, error) {
	blobs, err := opener.Blobs(ctx)
	if err != nil {
		return nil, err
	}
	codec, err := opener.Codec()
	if err != nil {
		return nil, err
	}
	w := worker.New(cat, blobs, tr, m, worker.Config{
		Codec:           codec,
		ConflictRetries: cfg.Writer.ConflictRetries,
		VerifyBeforePut: cfg.Writer.VerifyBeforePut,
		OpsPerSecond:    cfg.Writer.OpsPerSecond,
		OpTimeout:       cfg.Writer.OpTimeout,
	})

	q := queue.NewMemory(n * 64)
	for i := 0; i < n; i++ {
		go q.Run(ctx, w.Process, func(task write.Task, err error) {
			slog.Warn("embedded task failed", "write_id", task.WriteID, "task_index", task.TaskIndex, "error", err)
		})
	}
	return q, nil
}
