package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthewMawby/SearchIndex/internal/write"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/kafka"
)

type recordingPublisher struct {
	batches [][]kafka.Event
	err     error
}

func (r *recordingPublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	r.batches = append(r.batches, events)
	return r.err
}

func TestKafkaDispatchOneRecordPerTask(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewKafka(pub)
	tasks := []write.Task{{WriteID: "w", TaskIndex: 0}, {WriteID: "w", TaskIndex: 1}}

	require.NoError(t, q.Dispatch(context.Background(), tasks))
	require.Len(t, pub.batches, 1)
	batch := pub.batches[0]
	require.Len(t, batch, 2)
	assert.NotEqual(t, batch[0].Key, batch[1].Key)
	assert.Equal(t, tasks[1], batch[1].Value)
}

func TestKafkaDispatchFailureIsStorageError(t *testing.T) {
	q := NewKafka(&recordingPublisher{err: errors.New("broker down")})
	err := q.Dispatch(context.Background(), []write.Task{{WriteID: "w"}})
	require.ErrorIs(t, err, apperrors.ErrStorage)
}

func TestKafkaAcksKeyedByWrite(t *testing.T) {
	pub := &recordingPublisher{}
	require.NoError(t, NewKafkaAcks(pub).PublishAck(context.Background(), write.Ack{WriteID: "w-9", OK: true}))
	assert.Equal(t, "w-9", pub.batches[0][0].Key)
}

func TestTaskHandlerDecodes(t *testing.T) {
	var got write.Task
	h := TaskHandler(func(_ context.Context, task write.Task) error {
		got = task
		return nil
	}, nil)

	value, err := json.Marshal(write.Task{WriteID: "w", DocumentID: "doc1", LockNoNext: 3})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), nil, value))
	assert.Equal(t, int64(3), got.LockNoNext)

	var decodeErr error
	h = TaskHandler(func(context.Context, write.Task) error {
		t.Fatal("process called for garbage")
		return nil
	}, func(_ []byte, err error) { decodeErr = err })
	require.NoError(t, h(context.Background(), nil, []byte("not json")))
	assert.Error(t, decodeErr)
}

func TestMemoryDispatchAndDrain(t *testing.T) {
	q := NewMemory(4)
	require.NoError(t, q.Dispatch(context.Background(), []write.Task{{TaskIndex: 0}, {TaskIndex: 1}}))
	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, 1, drained[1].TaskIndex)
	assert.Empty(t, q.Drain())
}

func TestMemoryDispatchHonoursContext(t *testing.T) {
	q := NewMemory(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Dispatch(ctx, []write.Task{{}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
