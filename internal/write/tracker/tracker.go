// Package tracker lets the write master wait until every task of a write
// has been acknowledged by a worker before it releases the document lock.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/MatthewMawby/SearchIndex/internal/write"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/kafka"
)

// Tracker counts acknowledgements per write. Acks for writes that were
// never registered, or already forgotten, are ignored, so several masters
// can share one ack stream.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*waiter
	logger  *slog.Logger
}

type waiter struct {
	expected int
	acks     map[int]write.Ack
	done     chan struct{}
}

func New() *Tracker {
	return &Tracker{
		pending: make(map[string]*waiter),
		logger:  slog.Default().With("component", "write-tracker"),
	}
}

// Register starts tracking writeID, which completes after expected
// distinct task acks.
func (t *Tracker) Register(writeID string, expected int) {
	w := &waiter{expected: expected, acks: make(map[int]write.Ack), done: make(chan struct{})}
	if expected <= 0 {
		close(w.done)
	}
	t.mu.Lock()
	t.pending[writeID] = w
	t.mu.Unlock()
}

// Deliver records ack. A redelivered ack for the same task replaces the
// earlier one without counting twice.
func (t *Tracker) Deliver(ack write.Ack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.pending[ack.WriteID]
	if !ok {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}
	w.acks[ack.TaskIndex] = ack
	if len(w.acks) >= w.expected {
		close(w.done)
	}
}

// Wait blocks until every task of writeID is acknowledged or ctx ends, then
// stops tracking it. It returns the failed acks, if any. A context that ends
// first yields an error matching errors.ErrTimeout.
func (t *Tracker) Wait(ctx context.Context, writeID string) ([]write.Ack, error) {
	t.mu.Lock()
	w, ok := t.pending[writeID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("write %s is not tracked: %w", writeID, apperrors.ErrInternal)
	}
	defer t.Forget(writeID)

	select {
	case <-w.done:
	case <-ctx.Done():
		t.mu.Lock()
		got := len(w.acks)
		t.mu.Unlock()
		return nil, fmt.Errorf("write %s: %d of %d tasks acknowledged: %w: %v", writeID, got, w.expected, apperrors.ErrTimeout, ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var failed []write.Ack
	for _, ack := range w.acks {
		if !ack.OK {
			failed = append(failed, ack)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].TaskIndex < failed[j].TaskIndex })
	return failed, nil
}

// Forget stops tracking writeID.
func (t *Tracker) Forget(writeID string) {
	t.mu.Lock()
	delete(t.pending, writeID)
	t.mu.Unlock()
}

// PublishAck delivers ack directly, for masters and workers sharing a
// process.
func (t *Tracker) PublishAck(_ context.Context, ack write.Ack) error {
	t.Deliver(ack)
	return nil
}

// Handler consumes acks from the Kafka ack topic.
func (t *Tracker) Handler() kafka.MessageHandler {
	return func(_ context.Context, key []byte, value []byte) error {
		ack, err := kafka.DecodeJSON[write.Ack](value)
		if err != nil {
			t.logger.Error("failed to decode task ack", "error", err, "key", string(key))
			return nil
		}
		t.Deliver(ack)
		return nil
	}
}
