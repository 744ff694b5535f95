package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MatthewMawby/SearchIndex/internal/write"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/kafka"
)

// Publisher is implemented by *kafka.Producer.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Kafka dispatches each task as its own JSON record. Records get a random
// key so the hash balancer spreads one write's tasks over every topic
// partition.
type Kafka struct {
	publisher Publisher
	newKey    func() string
}

func NewKafka(p Publisher) *Kafka {
	return &Kafka{publisher: p, newKey: uuid.NewString}
}

func (k *Kafka) Dispatch(ctx context.Context, tasks []write.Task) error {
	events := make([]kafka.Event, len(tasks))
	for i, task := range tasks {
		events[i] = kafka.Event{Key: k.newKey(), Value: task}
	}
	if err := k.publisher.PublishBatch(ctx, events); err != nil {
		return apperrors.Storage(fmt.Sprintf("dispatching %d tasks", len(tasks)), err)
	}
	return nil
}

// KafkaAcks publishes acknowledgements keyed by write ID so that all acks
// of one write land on the same topic partition in order.
type KafkaAcks struct {
	publisher Publisher
}

func NewKafkaAcks(p Publisher) *KafkaAcks {
	return &KafkaAcks{publisher: p}
}

func (k *KafkaAcks) PublishAck(ctx context.Context, ack write.Ack) error {
	err := k.publisher.PublishBatch(ctx, []kafka.Event{{Key: ack.WriteID, Value: ack}})
	if err != nil {
		return apperrors.Storage("publishing task ack", err)
	}
	return nil
}

// TaskHandler adapts a task processor to a Kafka message handler. Records
// that do not decode are reported to onDecodeError and committed, since
// redelivering them cannot succeed.
func TaskHandler(process func(ctx context.Context, task write.Task) error, onDecodeError func(key []byte, err error)) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		task, err := kafka.DecodeJSON[write.Task](value)
		if err != nil {
			if onDecodeError != nil {
				onDecodeError(key, err)
			}
			return nil
		}
		return process(ctx, task)
	}
}
