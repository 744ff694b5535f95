package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthewMawby/SearchIndex/internal/blobstore"
	"github.com/MatthewMawby/SearchIndex/internal/catalog"
)

func setup(t *testing.T) (*catalog.Memory, *blobstore.Memory) {
	t.Helper()
	ctx := context.Background()
	cat, blobs := catalog.NewMemory(), blobstore.NewMemory()
	for _, k := range []string{"live-1", "live-2", "orphan-1", "orphan-2"} {
		require.NoError(t, blobs.Put(ctx, k, []byte(k)))
	}
	require.NoError(t, cat.Create(ctx, catalog.Metadata{PartitionID: "p1", StartToken: "a", EndToken: "b", StorageKey: "live-1", Size: 1}))
	require.NoError(t, cat.Create(ctx, catalog.Metadata{PartitionID: "p2", StartToken: "c", EndToken: "d", StorageKey: "live-2", Size: 1}))
	require.NoError(t, cat.Create(ctx, catalog.Metadata{PartitionID: "p3", StartToken: "e", EndToken: "f", StorageKey: "gone", Size: 1}))
	return cat, blobs
}

func TestSweepDeletesOrphans(t *testing.T) {
	cat, blobs := setup(t)
	report, err := NewSweeper(cat, blobs, "", false, 1).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Referenced)
	assert.Equal(t, []string{"orphan-1", "orphan-2"}, report.Orphaned)
	assert.Equal(t, []string{"orphan-1", "orphan-2"}, report.Deleted)
	assert.Equal(t, []string{"p3"}, report.Dangling)
	assert.Equal(t, 2, blobs.Len())
}

func TestSweepDryRun(t *testing.T) {
	cat, blobs := setup(t)
	report, err := NewSweeper(cat, blobs, "", true, 1).Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Orphaned, 2)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, 4, blobs.Len())
}

func TestSweepWaitsForConfirmation(t *testing.T) {
	ctx := context.Background()
	cat, blobs := setup(t)
	s := NewSweeper(cat, blobs, "", false, 2)

	first, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, first.Deleted)

	// orphan-1 gets published in between, as an in-flight write would.
	require.NoError(t, cat.Create(ctx, catalog.Metadata{PartitionID: "p4", StartToken: "g", EndToken: "h", StorageKey: "orphan-1", Size: 1}))

	second, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan-2"}, second.Deleted)
	_, err = blobs.Get(ctx, "orphan-1")
	require.NoError(t, err)
}

func TestSweepHonoursPrefix(t *testing.T) {
	cat, blobs := setup(t)
	report, err := NewSweeper(cat, blobs, "orphan-", false, 1).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Referenced)
	assert.Empty(t, report.Dangling)
	assert.Len(t, report.Deleted, 2)
	assert.Equal(t, 2, blobs.Len())
}
