package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthewMawby/SearchIndex/internal/blobstore"
	"github.com/MatthewMawby/SearchIndex/internal/catalog"
	"github.com/MatthewMawby/SearchIndex/internal/partition"
	"github.com/MatthewMawby/SearchIndex/internal/queue"
	"github.com/MatthewMawby/SearchIndex/internal/write"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/kafka"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
)

// barrierStore, once armed, holds puts until the given number arrived, so
// that concurrent workers are guaranteed to have read the same version.
type barrierStore struct {
	*blobstore.Memory
	mu      sync.Mutex
	parties int
	waiting int
	release chan struct{}
}

func newBarrierStore() *barrierStore {
	return &barrierStore{Memory: blobstore.NewMemory(), release: make(chan struct{})}
}

func (b *barrierStore) arm(parties int) {
	b.mu.Lock()
	b.parties, b.waiting = parties, 0
	b.release = make(chan struct{})
	b.mu.Unlock()
}

func (b *barrierStore) Put(ctx context.Context, key string, data []byte) error {
	if err := b.Memory.Put(ctx, key, data); err != nil {
		return err
	}
	b.mu.Lock()
	if b.parties == 0 {
		b.mu.Unlock()
		return nil
	}
	release := b.release
	b.waiting++
	if b.waiting == b.parties {
		close(release)
		b.parties = 0
	}
	b.mu.Unlock()
	<-release
	return nil
}

// hookStore runs onGet once, after the first blob read.
type hookStore struct {
	*blobstore.Memory
	onGet func()
}

func (h *hookStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := h.Memory.Get(ctx, key)
	if f := h.onGet; f != nil {
		h.onGet = nil
		f()
	}
	return data, err
}

func load(t *testing.T, cat *catalog.Memory, blobs blobstore.Store, partitionID string) (catalog.Metadata, *partition.Partition) {
	t.Helper()
	meta, ok := cat.Get(partitionID)
	require.True(t, ok, "partition %s not in catalog", partitionID)
	data, err := blobs.Get(context.Background(), meta.StorageKey)
	require.NoError(t, err)
	p, err := partition.Decode(data)
	require.NoError(t, err)
	return meta, p
}

// seed creates a partition holding token for documentID and returns its ID.
func seed(t *testing.T, w *Worker, cat *catalog.Memory, token, documentID string) string {
	t.Helper()
	require.NoError(t, w.Apply(context.Background(), documentID, 1, write.TokenOperation{Token: token, NgramSize: 1, Locations: []int{0}}))
	rows, err := cat.List(context.Background())
	require.NoError(t, err)
	for _, row := range rows {
		if row.Covers(token) {
			return row.PartitionID
		}
	}
	t.Fatalf("no partition covers %q", token)
	return ""
}

func documentIDs(t *testing.T, p *partition.Partition, token string) []string {
	t.Helper()
	entry, ok := p.Entry(token)
	require.True(t, ok)
	var ids []string
	for _, occ := range entry.DocumentOccurrences {
		ids = append(ids, occ.DocumentID)
	}
	return ids
}

func TestProcessCreatesPartitions(t *testing.T) {
	cat, blobs := catalog.NewMemory(), blobstore.NewMemory()
	w := New(cat, blobs, nil, nil, Config{})

	err := w.Process(context.Background(), write.Task{
		WriteID:    "w1",
		DocumentID: "doc1",
		LockNoNext: 1,
		TokenOperations: []write.TokenOperation{
			{Token: "here", NgramSize: 1, Locations: []int{0}},
			{Token: "be", NgramSize: 1, Locations: []int{1}},
		},
	})
	require.NoError(t, err)

	rows, err := cat.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, 1, row.Size)
		assert.Equal(t, int64(0), row.Version)
		assert.Equal(t, row.StartToken, row.EndToken)
	}
	assert.Equal(t, 2, blobs.Len())
}

func TestApplyMergesIntoExistingPartition(t *testing.T) {
	cat, blobs := catalog.NewMemory(), blobstore.NewMemory()
	w := New(cat, blobs, nil, nil, Config{Codec: partition.CodecZstd})
	id := seed(t, w, cat, "here", "doc1")
	before, _ := load(t, cat, blobs, id)

	err := w.Apply(context.Background(), "doc1", 2, write.TokenOperation{
		Token: "here", NgramSize: 1, Locations: []int{5}, PartitionID: id,
	})
	require.NoError(t, err)

	after, p := load(t, cat, blobs, id)
	assert.Equal(t, int64(1), after.Version)
	assert.NotEqual(t, before.StorageKey, after.StorageKey)
	_, err = blobs.Get(context.Background(), before.StorageKey)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 1, blobs.Len())

	entry, ok := p.Entry("here")
	require.True(t, ok)
	require.Len(t, entry.DocumentOccurrences, 1)
	assert.Equal(t, []partition.Version{
		{WriteLockNo: 2, Locations: []int{5}},
		{WriteLockNo: 1, Locations: []int{0}},
	}, entry.DocumentOccurrences[0].Versions)
}

func TestApplyMissingPartition(t *testing.T) {
	w := New(catalog.NewMemory(), blobstore.NewMemory(), nil, nil, Config{ConflictRetries: 3})
	err := w.Apply(context.Background(), "doc1", 1, write.TokenOperation{Token: "x", NgramSize: 1, PartitionID: "nope"})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestConcurrentPublishOneWins(t *testing.T) {
	cat, blobs := catalog.NewMemory(), newBarrierStore()
	w := New(cat, blobs, nil, nil, Config{})
	id := seed(t, w, cat, "here", "seed")
	blobs.arm(2)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, doc := range []string{"docA", "docB"} {
		wg.Add(1)
		go func(i int, doc string) {
			defer wg.Done()
			errs[i] = w.Apply(context.Background(), doc, 1, write.TokenOperation{
				Token: "here", NgramSize: 1, Locations: []int{3}, PartitionID: id,
			})
		}(i, doc)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case assert.ErrorIs(t, err, apperrors.ErrConcurrencyConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	meta, p := load(t, cat, blobs, id)
	assert.Equal(t, int64(1), meta.Version)
	assert.Len(t, documentIDs(t, p, "here"), 2)
	// Winner's blob plus the loser's orphan.
	assert.Equal(t, 2, blobs.Len())
}

func TestConflictRetriesRereadAndReapply(t *testing.T) {
	cat, blobs := catalog.NewMemory(), newBarrierStore()
	w := New(cat, blobs, nil, nil, Config{ConflictRetries: 2})
	id := seed(t, w, cat, "here", "seed")
	blobs.arm(2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, doc := range []string{"docA", "docB"} {
		wg.Add(1)
		go func(i int, doc string) {
			defer wg.Done()
			errs[i] = w.Apply(context.Background(), doc, 1, write.TokenOperation{
				Token: "here", NgramSize: 1, Locations: []int{3}, PartitionID: id,
			})
		}(i, doc)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	meta, p := load(t, cat, blobs, id)
	assert.Equal(t, int64(2), meta.Version)
	assert.ElementsMatch(t, []string{"seed", "docA", "docB"}, documentIDs(t, p, "here"))
}

func TestVerifyBeforePutSkipsDoomedBlob(t *testing.T) {
	tests := []struct {
		name      string
		verify    bool
		wantBlobs int
	}{
		{"without verification the loser's blob is orphaned", false, 2},
		{"with verification nothing is stored", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := catalog.NewMemory()
			blobs := &hookStore{Memory: blobstore.NewMemory()}
			other := New(cat, blobs, nil, nil, Config{})
			id := seed(t, other, cat, "here", "seed")

			blobs.onGet = func() {
				require.NoError(t, other.Apply(context.Background(), "docB", 1, write.TokenOperation{
					Token: "here", NgramSize: 1, Locations: []int{1}, PartitionID: id,
				}))
			}
			w := New(cat, blobs, nil, nil, Config{VerifyBeforePut: tt.verify})
			err := w.Apply(context.Background(), "docA", 1, write.TokenOperation{
				Token: "here", NgramSize: 1, Locations: []int{2}, PartitionID: id,
			})
			require.ErrorIs(t, err, apperrors.ErrConcurrencyConflict)
			assert.Equal(t, tt.wantBlobs, blobs.Len())

			meta, _ := load(t, cat, blobs, id)
			assert.Equal(t, int64(1), meta.Version)
		})
	}
}

func TestProcessPublishesAcks(t *testing.T) {
	cat, blobs := catalog.NewMemory(), blobstore.NewMemory()
	var mu sync.Mutex
	var acks []write.Ack
	publisher := queue.AckFunc(func(_ context.Context, ack write.Ack) error {
		mu.Lock()
		acks = append(acks, ack)
		mu.Unlock()
		return nil
	})
	w := New(cat, blobs, publisher, nil, Config{})

	ok := write.Task{WriteID: "w1", DocumentID: "doc1", LockNoNext: 1, TaskIndex: 0,
		TokenOperations: []write.TokenOperation{{Token: "a", NgramSize: 1, Locations: []int{0}}}}
	bad := write.Task{WriteID: "w1", DocumentID: "doc1", LockNoNext: 1, TaskIndex: 1,
		TokenOperations: []write.TokenOperation{{Token: "b", NgramSize: 1, Locations: []int{1}, PartitionID: "gone"}}}

	require.NoError(t, w.Process(context.Background(), ok))
	require.ErrorIs(t, w.Process(context.Background(), bad), apperrors.ErrNotFound)

	require.Len(t, acks, 2)
	assert.True(t, acks[0].OK)
	assert.False(t, acks[1].OK)
	assert.Equal(t, 1, acks[1].TaskIndex)
	assert.Contains(t, acks[1].Error, "not found")
}

func TestFailureAckedOnlyOnFinalAttempt(t *testing.T) {
	var acks []write.Ack
	publisher := queue.AckFunc(func(_ context.Context, ack write.Ack) error {
		acks = append(acks, ack)
		return nil
	})
	w := New(catalog.NewMemory(), blobstore.NewMemory(), publisher, nil, Config{})
	bad := write.Task{WriteID: "w1", DocumentID: "doc1", LockNoNext: 1, TaskIndex: 3,
		TokenOperations: []write.TokenOperation{{Token: "b", NgramSize: 1, Locations: []int{1}, PartitionID: "gone"}}}

	require.Error(t, w.Process(kafka.WithAttempt(context.Background(), false), bad))
	assert.Empty(t, acks, "a retried attempt reports nothing")

	require.Error(t, w.Process(kafka.WithAttempt(context.Background(), true), bad))
	require.Len(t, acks, 1)
	assert.False(t, acks[0].OK)
	assert.Equal(t, 3, acks[0].TaskIndex)
}

func TestHandlerDecodesTasks(t *testing.T) {
	cat := catalog.NewMemory()
	w := New(cat, blobstore.NewMemory(), nil, nil, Config{})
	h := w.Handler()

	require.NoError(t, h(context.Background(), []byte("k"), []byte("{not json")))

	value, err := json.Marshal(write.Task{WriteID: "w1", DocumentID: "doc1", LockNoNext: 1,
		TokenOperations: []write.TokenOperation{{Token: "here", NgramSize: 1, Locations: []int{0}}}})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), []byte("k"), value))

	rows, err := cat.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMetricsCountOperations(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	cat, blobs := catalog.NewMemory(), blobstore.NewMemory()
	w := New(cat, blobs, nil, m, Config{OpsPerSecond: 1000})
	id := seed(t, w, cat, "here", "doc1")
	require.NoError(t, w.Apply(context.Background(), "doc1", 2, write.TokenOperation{Token: "here", NgramSize: 1, PartitionID: id}))
	require.Error(t, w.Apply(context.Background(), "doc1", 2, write.TokenOperation{Token: "x", NgramSize: 1, PartitionID: "gone"}))

	assert.Equal(t, 1.0, counterValue(t, m.TokenOpsTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, counterValue(t, m.TokenOpsTotal.WithLabelValues("merged")))
	assert.Equal(t, 1.0, counterValue(t, m.TokenOpsTotal.WithLabelValues("error")))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	return pb.Counter.GetValue()
}

// slowPutStore stores blobs only after a delay, ignoring cancellation.
type slowPutStore struct {
	*blobstore.Memory
	delay time.Duration
}

func (s *slowPutStore) Put(ctx context.Context, key string, data []byte) error {
	time.Sleep(s.delay)
	return s.Memory.Put(context.WithoutCancel(ctx), key, data)
}

func TestOpTimeoutDoesNotPublishLate(t *testing.T) {
	cat := catalog.NewMemory()
	slow := &slowPutStore{Memory: blobstore.NewMemory()}
	w := New(cat, slow, nil, nil, Config{OpTimeout: 10 * time.Millisecond})
	partitionID := seed(t, w, cat, "here", "doc1")
	before, _ := cat.Get(partitionID)

	slow.delay = 40 * time.Millisecond
	err := w.Apply(context.Background(), "doc2", 1, write.TokenOperation{
		Token: "here", NgramSize: 1, Locations: []int{3}, PartitionID: partitionID,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	time.Sleep(50 * time.Millisecond)
	after, _ := cat.Get(partitionID)
	assert.Equal(t, before, after, "a timed out operation must not move the catalog")
	assert.Equal(t, 1, slow.Len(), "the unpublished blob is removed")
}
