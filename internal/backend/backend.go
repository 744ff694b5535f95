// Package backend opens the storage backends named in the configuration
// and registers their readiness checks. Connections are shared between the
// stores of one process and released by Close.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MatthewMawby/SearchIndex/internal/blobstore"
	"github.com/MatthewMawby/SearchIndex/internal/blobstore/minio"
	"github.com/MatthewMawby/SearchIndex/internal/blobstore/s3"
	"github.com/MatthewMawby/SearchIndex/internal/catalog"
	"github.com/MatthewMawby/SearchIndex/internal/document"
	"github.com/MatthewMawby/SearchIndex/internal/partition"
	"github.com/MatthewMawby/SearchIndex/pkg/config"
	"github.com/MatthewMawby/SearchIndex/pkg/health"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
	"github.com/MatthewMawby/SearchIndex/pkg/postgres"
	"github.com/MatthewMawby/SearchIndex/pkg/redis"
	"github.com/MatthewMawby/SearchIndex/pkg/resilience"
	"github.com/MatthewMawby/SearchIndex/pkg/sqlite"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Opener builds stores from cfg. checker and m may be nil.
type Opener struct {
	cfg     *config.Config
	checker *health.Checker
	metrics *metrics.Metrics
	dbs     map[string]*sql.DB
	aws     map[string]aws.Config
	closers []func() error
	logger  *slog.Logger
}

func NewOpener(cfg *config.Config, checker *health.Checker, m *metrics.Metrics) *Opener {
	return &Opener{
		cfg:     cfg,
		checker: checker,
		metrics: m,
		dbs:     make(map[string]*sql.DB),
		aws:     make(map[string]aws.Config),
		logger:  slog.Default().With("component", "backend"),
	}
}

// Codec is the compression used for newly written partition blobs.
func (o *Opener) Codec() (partition.Codec, error) {
	return partition.ParseCodec(o.cfg.BlobStore.Codec)
}

// Blobs opens the partition blob store. Every backend except memory is
// wrapped in a circuit breaker.
func (o *Opener) Blobs(ctx context.Context) (blobstore.Store, error) {
	bc := o.cfg.BlobStore
	var inner blobstore.Store
	switch bc.Backend {
	case "memory":
		return blobstore.NewMemory(), nil
	case "bolt":
		b, err := blobstore.OpenBolt(bc.Path)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, b.Close)
		inner = b
	case "s3":
		client, err := o.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		inner = s3.NewStore(client, bc.Bucket, bc.Prefix)
	case "minio":
		client, err := minio.Dial(minio.Options{
			Endpoint:  bc.Endpoint,
			AccessKey: bc.AccessKey,
			SecretKey: bc.SecretKey,
			UseSSL:    bc.UseSSL,
			Region:    bc.Region,
		})
		if err != nil {
			return nil, err
		}
		inner = minio.NewStore(client, bc.Bucket, bc.Prefix)
	default:
		return nil, fmt.Errorf("unknown blobstore backend %q", bc.Backend)
	}

	store := blobstore.NewResilient(inner, "blobstore-"+bc.Backend, resilience.CircuitBreakerConfig{
		FailureThreshold: bc.BreakerFailures,
		ResetTimeout:     bc.BreakerReset,
	}, o.metrics)
	o.register("blobstore", store)
	o.logger.Info("blob store opened", "backend", bc.Backend, "codec", bc.Codec)
	return store, nil
}

// Catalog opens the partition catalog, creating SQL tables if needed.
func (o *Opener) Catalog(ctx context.Context) (catalog.Catalog, error) {
	backend := o.cfg.Catalog.Backend
	switch backend {
	case "memory":
		return catalog.NewMemory(), nil
	case "postgres", "sqlite":
		db, err := o.SQL(backend, o.cfg.Catalog.SQLitePath)
		if err != nil {
			return nil, err
		}
		c := catalog.NewSQL(db)
		if err := c.Migrate(ctx); err != nil {
			return nil, err
		}
		o.register("catalog", c)
		return c, nil
	case "dynamodb":
		client, err := o.dynamoDBClient(ctx)
		if err != nil {
			return nil, err
		}
		c := catalog.NewDynamoDB(client, o.cfg.DynamoDB.PartitionTable)
		o.register("catalog", c)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", backend)
	}
}

// Documents opens the document store.
func (o *Opener) Documents(ctx context.Context) (document.Store, error) {
	backend := o.cfg.Documents.Backend
	switch backend {
	case "memory":
		return document.NewMemory(), nil
	case "postgres", "sqlite":
		db, err := o.SQL(backend, o.cfg.Documents.SQLitePath)
		if err != nil {
			return nil, err
		}
		d := document.NewSQL(db)
		if err := d.Migrate(ctx); err != nil {
			return nil, err
		}
		o.register("documents", d)
		return d, nil
	case "redis":
		client, err := redis.NewClient(o.cfg.Redis)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, client.Close)
		o.register("documents", client)
		return document.NewRedis(client, o.cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown documents backend %q", backend)
	}
}

// SQL returns the shared handle for a SQL backend. Each SQLite path and
// the PostgreSQL pool are opened once.
func (o *Opener) SQL(backend, sqlitePath string) (*sql.DB, error) {
	key := backend
	if backend == "sqlite" {
		key += ":" + sqlitePath
	}
	if db, ok := o.dbs[key]; ok {
		return db, nil
	}

	var db *sql.DB
	switch backend {
	case "postgres":
		client, err := postgres.New(o.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		db = client.DB
	case "sqlite":
		var err error
		if db, err = sqlite.Open(sqlitePath); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%q is not a SQL backend", backend)
	}
	o.dbs[key] = db
	o.closers = append(o.closers, db.Close)
	return db, nil
}

// Close releases every connection in reverse opening order.
func (o *Opener) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}

// s3Client builds the blob store client. Static keys from the blobstore
// section apply to this client only.
func (o *Opener) s3Client(ctx context.Context) (*awss3.Client, error) {
	bc := o.cfg.BlobStore
	awsCfg, err := o.awsConfig(ctx, bc.Region)
	if err != nil {
		return nil, err
	}
	return awss3.NewFromConfig(awsCfg, func(opts *awss3.Options) {
		if bc.Endpoint != "" {
			opts.BaseEndpoint = aws.String(bc.Endpoint)
			opts.UsePathStyle = true
		}
		if bc.AccessKey != "" {
			opts.Credentials = credentials.NewStaticCredentialsProvider(bc.AccessKey, bc.SecretKey, "")
		}
	}), nil
}

func (o *Opener) dynamoDBClient(ctx context.Context) (*dynamodb.Client, error) {
	dc := o.cfg.DynamoDB
	awsCfg, err := o.awsConfig(ctx, dc.Region)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(awsCfg, func(opts *dynamodb.Options) {
		if dc.Endpoint != "" {
			opts.BaseEndpoint = aws.String(dc.Endpoint)
		}
	}), nil
}

// awsConfig loads the default credential chain once per region.
func (o *Opener) awsConfig(ctx context.Context, region string) (aws.Config, error) {
	if cfg, ok := o.aws[region]; ok {
		return cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config for %s: %w", region, err)
	}
	o.aws[region] = cfg
	return cfg, nil
}

func (o *Opener) register(name string, p pinger) {
	if o.checker != nil {
		o.checker.RegisterPing(name, p.Ping)
	}
}
