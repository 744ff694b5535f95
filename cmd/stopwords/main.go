// Command stopwords aggregates unigram frequencies over every published
// partition and writes them to the stopword table.
//
// Usage:
//
//	go run ./cmd/stopwords [-config configs/development.yaml] [-top 50]
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/MatthewMawby/SearchIndex/internal/backend"
	"github.com/MatthewMawby/SearchIndex/internal/stopword"
	"github.com/MatthewMawby/SearchIndex/pkg/config"
	"github.com/MatthewMawby/SearchIndex/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	top := flag.Int("top", 0, "print the N most frequent tokens as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *top); err != nil {
		slog.Error("stopword generation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, top int) error {
	opener := backend.NewOpener(cfg, nil, nil)
	defer opener.Close()

	cat, err := opener.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("opening partition catalog: %w", err)
	}
	blobs, err := opener.Blobs(ctx)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	sink, err := openSink(ctx, opener, cfg)
	if err != nil {
		return err
	}

	agg := stopword.NewAggregator(cat, blobs, cfg.Stopwords.Concurrency)
	counts, err := agg.Aggregate(ctx)
	if err != nil {
		return err
	}
	rows := stopword.Rows(counts, cfg.Stopwords.CatalogVersion)
	if sink != nil {
		if err := sink.Write(ctx, rows); err != nil {
			return fmt.Errorf("writing stopwords: %w", err)
		}
	}
	slog.Info("stopwords generated", "tokens", len(rows), "sink", cfg.Stopwords.Sink, "catalog_version", cfg.Stopwords.CatalogVersion)

	if top > 0 {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stopword.TopN(counts, top))
	}
	return nil
}

func openSink(ctx context.Context, opener *backend.Opener, cfg *config.Config) (stopword.Sink, error) {
	switch cfg.Stopwords.Sink {
	case "none":
		return nil, nil
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
			}
		})
		return stopword.NewDynamoDB(client, cfg.Stopwords.Table), nil
	default:
		db, err := opener.SQL(cfg.Stopwords.Sink, cfg.Stopwords.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening stopword database: %w", err)
		}
		sink := stopword.NewSQL(db)
		if err := sink.Migrate(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	}
}
