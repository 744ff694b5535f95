package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/sqlite"
)

func newSQLCatalog(t *testing.T) *SQL {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := NewSQL(db)
	require.NoError(t, c.Migrate(context.Background()))
	return c
}

func catalogs(t *testing.T) map[string]Catalog {
	return map[string]Catalog{
		"memory":   NewMemory(),
		"sql":      newSQLCatalog(t),
		"dynamodb": NewDynamoDB(newFakeDDB(), "INDEX_PARTITION_METADATA"),
	}
}

func meta(id, start, end string, size int) Metadata {
	return Metadata{PartitionID: id, StartToken: start, EndToken: end, StorageKey: id + "-key", Size: size}
}

func TestPublishCompareAndSwap(t *testing.T) {
	for name, c := range catalogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, c.Publish(ctx, meta("p1", "here", "here", 1), true))

			version, key, err := c.ReadVersion(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(0), version)
			assert.Equal(t, "p1-key", key)

			winner := Metadata{PartitionID: "p1", StartToken: "be", EndToken: "here", StorageKey: "k-winner", Size: 2, Version: 0}
			require.NoError(t, c.Publish(ctx, winner, false))

			loser := Metadata{PartitionID: "p1", StartToken: "here", EndToken: "zoo", StorageKey: "k-loser", Size: 2, Version: 0}
			err = c.Publish(ctx, loser, false)
			require.ErrorIs(t, err, apperrors.ErrConcurrencyConflict)

			version, key, err = c.ReadVersion(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), version)
			assert.Equal(t, "k-winner", key)

			rows, err := c.List(ctx)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "be", rows[0].StartToken)
			assert.Equal(t, 2, rows[0].Size)
		})
	}
}

func TestReadVersionNotFound(t *testing.T) {
	for name, c := range catalogs(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := c.ReadVersion(context.Background(), "nope")
			require.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestFindCandidatePicksSmallest(t *testing.T) {
	for name, c := range catalogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, c.Create(ctx, meta("wide", "a", "z", 10)))
			require.NoError(t, c.Create(ctx, meta("narrow", "g", "i", 3)))
			require.NoError(t, c.Create(ctx, meta("other", "m", "p", 1)))

			id, ok, err := c.FindCandidate(ctx, "here")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "narrow", id)

			id, ok, err = c.FindCandidate(ctx, "b")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "wide", id)

			_, ok, err = c.FindCandidate(ctx, "zz")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFindCandidateInclusiveBounds(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Create(ctx, meta("p", "be", "here", 2)))
	for _, token := range []string{"be", "here", "cat"} {
		_, ok, err := c.FindCandidate(ctx, token)
		require.NoError(t, err)
		assert.True(t, ok, token)
	}
}

func TestFindCandidateTieUsesScanOrder(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Create(ctx, meta("first", "a", "z", 2)))
	require.NoError(t, c.Create(ctx, meta("second", "a", "z", 2)))
	id, _, err := c.FindCandidate(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "first", id)
}

func TestCreateRejectsIncompleteMetadata(t *testing.T) {
	for name, c := range catalogs(t) {
		t.Run(name, func(t *testing.T) {
			err := c.Create(context.Background(), Metadata{PartitionID: "p"})
			require.ErrorIs(t, err, apperrors.ErrSchemaInvalid)
		})
	}
}

func TestPublishMissingPartition(t *testing.T) {
	ctx := context.Background()
	for _, c := range []Catalog{NewMemory(), newSQLCatalog(t)} {
		err := c.Publish(ctx, meta("ghost", "a", "b", 1), false)
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	}
}

func TestConcurrentPublishOneWinner(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Publish(ctx, meta("p", "a", "a", 1), true))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Publish(ctx, meta("p", "a", "b", 2), false); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	v, _, _ := c.ReadVersion(ctx, "p")
	assert.Equal(t, int64(1), v)
}
