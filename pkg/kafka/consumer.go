// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises records as JSON, while the
// consumer decodes them via a pluggable MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MatthewMawby/SearchIndex/pkg/config"
	"github.com/MatthewMawby/SearchIndex/pkg/resilience"
)

// MessageHandler is a callback invoked for each Kafka message. A failed
// message is retried in place, without fetching past it, until it succeeds
// or the attempts run out; only then is its offset committed.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

type attemptKey struct{}

// WithAttempt marks ctx as carrying a handler call that is, or is not, the
// last attempt for its message.
func WithAttempt(ctx context.Context, final bool) context.Context {
	return context.WithValue(ctx, attemptKey{}, final)
}

// FinalAttempt reports whether the handler call carrying ctx is the last
// one for its message. Outside a consumer it is always true.
func FinalAttempt(ctx context.Context) bool {
	final, ok := ctx.Value(attemptKey{}).(bool)
	return !ok || final
}

// reader is the part of *kafka.Reader the consume loop needs.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader  reader
	logger  *slog.Logger
	handler MessageHandler
	retry   resilience.RetryConfig
}

// NewConsumer creates a Consumer for the given topic and handler. group
// overrides cfg.ConsumerGroup when non-empty, so that several logical
// consumers can share one KafkaConfig.
func NewConsumer(cfg config.KafkaConfig, topic, group string, handler MessageHandler) *Consumer {
	return newConsumer(cfg, topic, group, kafka.FirstOffset, handler)
}

// NewTailConsumer is like NewConsumer but a new group starts at the end of
// the topic instead of replaying it.
func NewTailConsumer(cfg config.KafkaConfig, topic, group string, handler MessageHandler) *Consumer {
	return newConsumer(cfg, topic, group, kafka.LastOffset, handler)
}

func newConsumer(cfg config.KafkaConfig, topic, group string, startOffset int64, handler MessageHandler) *Consumer {
	if group == "" {
		group = cfg.ConsumerGroup
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: startOffset,
	})
	logger := slog.Default().With("component", "kafka-consumer", "topic", topic, "group", group)
	return newConsumerWithReader(r, handler, handlerRetry(cfg.HandlerAttempts), logger)
}

func newConsumerWithReader(r reader, handler MessageHandler, retry resilience.RetryConfig, logger *slog.Logger) *Consumer {
	return &Consumer{reader: r, logger: logger, handler: handler, retry: retry}
}

func handlerRetry(attempts int) resilience.RetryConfig {
	if attempts < 1 {
		attempts = 1
	}
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.2,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. Messages are handled one at a time in fetch order, so a
// committed offset never skips a message that has not been handled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return c.reader.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.reader.Close()
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				// Left uncommitted; the group hands it out again.
				c.logger.Info("consumer stopping mid-message", "partition", msg.Partition, "offset", msg.Offset)
				return c.reader.Close()
			}
			c.logger.Error("dropping message after failed attempts",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"attempts", c.retry.MaxAttempts,
				"error", err,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	attempt := 0
	name := fmt.Sprintf("message %d/%d", msg.Partition, msg.Offset)
	return resilience.Retry(ctx, name, c.retry, func() error {
		attempt++
		return c.handler(WithAttempt(ctx, attempt >= c.retry.MaxAttempts), msg.Key, msg.Value)
	})
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
