// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, DynamoDB, BlobStore, Writer, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	BlobStore BlobStoreConfig `yaml:"blobstore"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Documents DocumentsConfig `yaml:"documents"`
	Writer    WriterConfig    `yaml:"writer"`
	Stopwords StopwordsConfig `yaml:"stopwords"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
	// HandlerAttempts is how many times a consumer runs its handler on one
	// message before logging it as dropped and moving on.
	HandlerAttempts int `yaml:"handlerAttempts"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	WriteTasks string `yaml:"writeTasks"`
	TaskAcks   string `yaml:"taskAcks"`
}

// RedisConfig holds Redis connection parameters for the document store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// DynamoDBConfig holds the DynamoDB table used by the partition catalog.
type DynamoDBConfig struct {
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	PartitionTable string `yaml:"partitionTable"`
}

// BlobStoreConfig selects and configures the partition blob backend.
// Backend is one of "memory", "bolt", "s3" or "minio".
type BlobStoreConfig struct {
	Backend         string        `yaml:"backend"`
	Path            string        `yaml:"path"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKey       string        `yaml:"accessKey"`
	SecretKey       string        `yaml:"secretKey"`
	UseSSL          bool          `yaml:"useSSL"`
	Codec           string        `yaml:"codec"`
	BreakerFailures int           `yaml:"breakerFailures"`
	BreakerReset    time.Duration `yaml:"breakerReset"`
}

// CatalogConfig selects the partition catalog backend: "memory", "postgres",
// "sqlite" or "dynamodb".
type CatalogConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlitePath"`
}

// DocumentsConfig selects the document store backend: "memory", "postgres",
// "sqlite" or "redis".
type DocumentsConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlitePath"`
}

// WriterConfig controls the write master and worker behaviour. The zero
// values of the optional switches reproduce the plain write protocol.
type WriterConfig struct {
	ExpirationThreshold time.Duration `yaml:"expirationThreshold"`
	StrictLocking       bool          `yaml:"strictLocking"`
	AwaitCompletion     bool          `yaml:"awaitCompletion"`
	AckTimeout          time.Duration `yaml:"ackTimeout"`
	ConflictRetries     int           `yaml:"conflictRetries"`
	VerifyBeforePut     bool          `yaml:"verifyBeforePut"`
	OpsPerSecond        float64       `yaml:"opsPerSecond"`
	OpTimeout           time.Duration `yaml:"opTimeout"`
}

// StopwordsConfig controls the stopword aggregation job. Sink is one of
// "postgres", "sqlite", "dynamodb" or "none".
type StopwordsConfig struct {
	Concurrency    int    `yaml:"concurrency"`
	CatalogVersion int64  `yaml:"catalogVersion"`
	Sink           string `yaml:"sink"`
	SQLitePath     string `yaml:"sqlitePath"`
	Table          string `yaml:"table"`
}

// ReconcileConfig controls the orphaned-blob sweeper.
type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Confirmations int           `yaml:"confirmations"`
	DryRun        bool          `yaml:"dryRun"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects backend names and numeric settings that cannot work.
func (c *Config) Validate() error {
	switch c.BlobStore.Backend {
	case "memory", "bolt", "s3", "minio":
	default:
		return fmt.Errorf("unknown blobstore backend %q", c.BlobStore.Backend)
	}
	switch c.BlobStore.Codec {
	case "snappy", "zstd":
	default:
		return fmt.Errorf("unknown blobstore codec %q", c.BlobStore.Codec)
	}
	switch c.Catalog.Backend {
	case "memory", "postgres", "sqlite", "dynamodb":
	default:
		return fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend)
	}
	switch c.Documents.Backend {
	case "memory", "postgres", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown documents backend %q", c.Documents.Backend)
	}
	switch c.Stopwords.Sink {
	case "postgres", "sqlite", "dynamodb", "none":
	default:
		return fmt.Errorf("unknown stopwords sink %q", c.Stopwords.Sink)
	}
	if c.Writer.ExpirationThreshold < 0 {
		return fmt.Errorf("writer.expirationThreshold must not be negative")
	}
	if c.Writer.ConflictRetries < 0 {
		return fmt.Errorf("writer.conflictRetries must not be negative")
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  20 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchindex",
			User:            "searchindex",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			ConsumerGroup:   "searchindex-writers",
			HandlerAttempts: 5,
			Topics: KafkaTopics{
				WriteTasks: "write-master-to-worker",
				TaskAcks:   "write-task-acks",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "doc:",
		},
		DynamoDB: DynamoDBConfig{
			Region:         "us-east-1",
			PartitionTable: "INDEX_PARTITION_METADATA",
		},
		BlobStore: BlobStoreConfig{
			Backend:         "bolt",
			Path:            "data/partitions.db",
			Bucket:          "index-partitions",
			Region:          "us-east-1",
			Codec:           "snappy",
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		Catalog: CatalogConfig{
			Backend:    "sqlite",
			SQLitePath: "data/catalog.db",
		},
		Documents: DocumentsConfig{
			Backend:    "sqlite",
			SQLitePath: "data/documents.db",
		},
		Writer: WriterConfig{
			ExpirationThreshold: 120 * time.Second,
			AckTimeout:          30 * time.Second,
		},
		Stopwords: StopwordsConfig{
			Concurrency:    8,
			CatalogVersion: 1,
			Sink:           "sqlite",
			SQLitePath:     "data/stopwords.db",
			Table:          "STOP_WORD",
		},
		Reconcile: ReconcileConfig{
			Interval:      10 * time.Minute,
			Confirmations: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SI_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SI_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SI_DYNAMODB_ENDPOINT"); v != "" {
		cfg.DynamoDB.Endpoint = v
	}
	if v := os.Getenv("SI_BLOBSTORE_BACKEND"); v != "" {
		cfg.BlobStore.Backend = v
	}
	if v := os.Getenv("SI_BLOBSTORE_BUCKET"); v != "" {
		cfg.BlobStore.Bucket = v
	}
	if v := os.Getenv("SI_BLOBSTORE_ENDPOINT"); v != "" {
		cfg.BlobStore.Endpoint = v
	}
	if v := os.Getenv("SI_BLOBSTORE_ACCESS_KEY"); v != "" {
		cfg.BlobStore.AccessKey = v
	}
	if v := os.Getenv("SI_BLOBSTORE_SECRET_KEY"); v != "" {
		cfg.BlobStore.SecretKey = v
	}
	if v := os.Getenv("SI_CATALOG_BACKEND"); v != "" {
		cfg.Catalog.Backend = v
	}
	if v := os.Getenv("SI_DOCUMENTS_BACKEND"); v != "" {
		cfg.Documents.Backend = v
	}
	if v := os.Getenv("SI_WRITER_EXPIRATION_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Writer.ExpirationThreshold = d
		}
	}
	if v := os.Getenv("SI_WRITER_CONFLICT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Writer.ConflictRetries = n
		}
	}
	if v := os.Getenv("SI_STOPWORDS_SINK"); v != "" {
		cfg.Stopwords.Sink = v
	}
	if v := os.Getenv("SI_RECONCILE_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Reconcile.DryRun = b
		}
	}
	if v := os.Getenv("SI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
