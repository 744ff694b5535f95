// Package queue carries write tasks from the master to workers and task
// acknowledgements back. Kafka provides at-least-once delivery between
// processes; the in-memory queue wires master and workers inside one
// process and in tests.
package queue

import (
	"context"

	"github.com/MatthewMawby/SearchIndex/internal/write"
)

// Dispatcher sends a write's tasks to the workers. It returns once every
// task is accepted by the queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []write.Task) error
}

// AckPublisher reports task outcomes to the write master.
type AckPublisher interface {
	PublishAck(ctx context.Context, ack write.Ack) error
}

// AckFunc adapts a function to AckPublisher.
type AckFunc func(ctx context.Context, ack write.Ack) error

func (f AckFunc) PublishAck(ctx context.Context, ack write.Ack) error {
	return f(ctx, ack)
}
