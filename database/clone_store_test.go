package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"clone-stats-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *CloneStore {
	t.Helper()

	reg := NewRegistry(t.TempDir())
	t.Cleanup(func() { reg.Close() })

	store, err := reg.Store("yalantinglibs")
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func record(ts string, key, count, uniques int64) models.CloneRecord {
	return models.CloneRecord{Timestamp: ts, Count: count, Uniques: uniques, UnixTime: key}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBatch(ctx, []models.CloneRecord{record("2023-07-10T00:00:00Z", 1688947200, 5, 3)}))
	require.NoError(t, store.EnsureSchema(ctx))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertBatchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBatch(ctx, []models.CloneRecord{record("2023-07-10T00:00:00Z", 1688947200, 5, 3)}))

	recent, err := store.RecentRecords(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "2023-07-10", recent[0].Day())
	assert.Equal(t, int64(5), recent[0].Count)
	assert.Equal(t, int64(3), recent[0].Uniques)

	total, err := store.TotalUniqueCloners(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	batch := []models.CloneRecord{
		record("2023-07-10T00:00:00Z", 1688947200, 5, 3),
		record("2023-07-11T00:00:00Z", 1689033600, 2, 1),
	}

	require.NoError(t, store.UpsertBatch(ctx, batch))
	once, err := store.RecentRecords(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, store.UpsertBatch(ctx, batch))
	twice, err := store.RecentRecords(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestUpsertBatchOverwritesSameDay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBatch(ctx, []models.CloneRecord{record("2023-07-10T00:00:00Z", 1688947200, 5, 3)}))
	require.NoError(t, store.UpsertBatch(ctx, []models.CloneRecord{record("2023-07-10T00:00:00Z", 1688947200, 8, 4)}))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := store.RecentRecords(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(8), recent[0].Count)
	assert.Equal(t, int64(4), recent[0].Uniques)
}

func TestUpsertBatchRollsBackOnFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBatch(ctx, []models.CloneRecord{record("2023-07-10T00:00:00Z", 1688947200, 5, 3)}))
	before, err := store.RecentRecords(ctx, 10)
	require.NoError(t, err)

	// the last record violates uniques <= count
	err = store.UpsertBatch(ctx, []models.CloneRecord{
		record("2023-07-10T00:00:00Z", 1688947200, 9, 9),
		record("2023-07-11T00:00:00Z", 1689033600, 2, 1),
		record("2023-07-12T00:00:00Z", 1689120000, 1, 7),
	})
	require.Error(t, err)

	var persistErr *PersistenceError
	require.True(t, errors.As(err, &persistErr))
	assert.Equal(t, "upsert", persistErr.Op)
	assert.Equal(t, "yalantinglibs", persistErr.Repo)

	after, err := store.RecentRecords(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRecentRecordsOrderingAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []models.CloneRecord
	for i := int64(0); i < 5; i++ {
		// inserted oldest first
		batch = append(batch, record("day", 1688947200+i*86400, i+1, i))
	}
	require.NoError(t, store.UpsertBatch(ctx, batch))

	for _, limit := range []int{1, 3, 5, 365} {
		recent, err := store.RecentRecords(ctx, limit)
		require.NoError(t, err)
		assert.Len(t, recent, min(limit, len(batch)))
		for i := 1; i < len(recent); i++ {
			assert.Greater(t, recent[i-1].UnixTime, recent[i].UnixTime)
		}
	}

	_, err := store.RecentRecords(ctx, 0)
	assert.Error(t, err)
}

func TestTotalUniqueClonersEmptyTable(t *testing.T) {
	store := newTestStore(t)

	total, err := store.TotalUniqueCloners(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRegistryReusesDatabase(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	defer reg.Close()

	a, err := reg.Store("async_simple")
	require.NoError(t, err)
	b, err := reg.Store("async_simple")
	require.NoError(t, err)
	assert.Same(t, a.db, b.db)

	assert.Equal(t, filepath.Join(dir, "async_simple.db"), reg.Path("async_simple"))
	_, err = os.Stat(reg.Path("async_simple"))
	assert.NoError(t, err)
}

func TestRegistryOpenFailure(t *testing.T) {
	// a regular file where the data directory should be
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	reg := NewRegistry(filepath.Join(blocker, "data"))
	_, err := reg.Store("async_simple")

	var persistErr *PersistenceError
	require.True(t, errors.As(err, &persistErr))
	assert.Equal(t, "open", persistErr.Op)
}

func TestEnsureSchemaConcurrentOnFreshDatabase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		db, err := OpenDB(filepath.Join(dir, fmt.Sprintf("fresh_%d.db", i)))
		require.NoError(t, err)
		store := NewCloneStore(db, "fresh")

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.EnsureSchema(ctx)
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		require.NoError(t, closeDB(db))
	}
}

func TestRegistryStoreIsMigrated(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	defer reg.Close()

	store, err := reg.Store("async_simple")
	require.NoError(t, err)

	// no EnsureSchema call: the registry migrated on open
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSummaryMatchesSeparateReads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBatch(ctx, []models.CloneRecord{
		record("2023-07-10T00:00:00Z", 1688947200, 5, 3),
		record("2023-07-11T00:00:00Z", 1689033600, 2, 1),
		record("2023-07-12T00:00:00Z", 1689120000, 4, 2),
	}))

	total, recent, err := store.Summary(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)
	require.Len(t, recent, 2)
	assert.Equal(t, "2023-07-12", recent[0].Day())
	assert.Equal(t, "2023-07-11", recent[1].Day())

	_, _, err = store.Summary(ctx, 0)
	var persistErr *PersistenceError
	require.True(t, errors.As(err, &persistErr))
	assert.Equal(t, "query", persistErr.Op)
}
