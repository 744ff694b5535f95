package queue

import (
	"context"

	"github.com/MatthewMawby/SearchIndex/internal/write"
)

// Memory is a buffered in-process task queue.
type Memory struct {
	tasks chan write.Task
}

func NewMemory(buffer int) *Memory {
	return &Memory{tasks: make(chan write.Task, buffer)}
}

// Dispatch enqueues tasks, blocking while the buffer is full.
func (m *Memory) Dispatch(ctx context.Context, tasks []write.Task) error {
	for _, task := range tasks {
		select {
		case m.tasks <- task:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Tasks exposes the receive side for workers.
func (m *Memory) Tasks() <-chan write.Task {
	return m.tasks
}

// Drain removes and returns every queued task without blocking.
func (m *Memory) Drain() []write.Task {
	var out []write.Task
	for {
		select {
		case task := <-m.tasks:
			out = append(out, task)
		default:
			return out
		}
	}
}

// Run feeds queued tasks to process until ctx is cancelled. Errors are
// passed to onError; the task is not requeued.
func (m *Memory) Run(ctx context.Context, process func(ctx context.Context, task write.Task) error, onError func(write.Task, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-m.tasks:
			if err := process(ctx, task); err != nil && onError != nil {
				onError(task, err)
			}
		}
	}
}
