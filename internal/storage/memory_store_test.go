package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leakpurge/leakpurge/internal/dedup"
	"github.com/leakpurge/leakpurge/internal/ingestion"
	"github.com/leakpurge/leakpurge/internal/record"
)

func testRecord(line int64, identity, v string) record.Record {
	return record.Record{Line: line, Identity: identity, Fields: record.Fields{"fid": identity, "v": v}}
}

func TestMemoryStore_RawLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()

	raw, err := store.Raw("ITA_Italia")
	require.NoError(t, err)

	exists, err := raw.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = raw.AppendBatch(ctx, []record.Record{testRecord(0, "1", "a")})
	require.ErrorIs(t, err, ErrCollectionNotFound)

	require.NoError(t, raw.EnsureUnique(ctx, LineKey))
	require.ErrorIs(t, raw.EnsureUnique(ctx, "phone"), ErrUnsupportedKey)

	n, err := raw.AppendBatch(ctx, []record.Record{testRecord(0, "1", "a"), testRecord(5, "1", "b")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := raw.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	require.NoError(t, raw.DropIfExists(ctx))

	exists, err = raw.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_UniqueLine(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	raw, err := NewMemoryStore().Raw("ITA_Italia")
	require.NoError(t, err)
	require.NoError(t, raw.EnsureUnique(ctx, LineKey))

	_, err = raw.AppendBatch(ctx, []record.Record{testRecord(5, "1", "a")})
	require.NoError(t, err)

	t.Run("collision with stored line", func(t *testing.T) {
		_, err := raw.AppendBatch(ctx, []record.Record{testRecord(6, "2", "x"), testRecord(5, "3", "y")})
		require.ErrorIs(t, err, ingestion.ErrUniquenessViolation)

		count, err := raw.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count, "a failed batch stores nothing")
	})

	t.Run("collision inside the batch", func(t *testing.T) {
		_, err := raw.AppendBatch(ctx, []record.Record{testRecord(7, "2", "x"), testRecord(7, "3", "y")})
		require.ErrorIs(t, err, ingestion.ErrUniquenessViolation)
	})

	t.Run("biased lines do not collide", func(t *testing.T) {
		_, err := raw.AppendBatch(ctx, []record.Record{testRecord(100_000_005, "1", "b")})
		require.NoError(t, err)
	})

	t.Run("index over duplicated rows fails", func(t *testing.T) {
		require.ErrorIs(t, raw.EnsureUnique(ctx, IdentityKey), ingestion.ErrUniquenessViolation)
	})
}

func TestMemoryStore_ScanFeedsDedup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	raw, err := NewMemoryStore().Raw("ITA_Italia")
	require.NoError(t, err)
	require.NoError(t, raw.EnsureUnique(ctx, LineKey))

	_, err = raw.AppendBatch(ctx, []record.Record{
		testRecord(2, "2", "c"),
		testRecord(5, "1", "b"),
		testRecord(0, "1", "a"),
	})
	require.NoError(t, err)

	var snaps []record.Snapshot

	for snap, err := range dedup.Aggregate(ctx, raw) {
		require.NoError(t, err)

		snaps = append(snaps, snap)
	}

	require.Len(t, snaps, 2)
	assert.Equal(t, "1", snaps[0].Identity)
	assert.Equal(t, "b", snaps[0].Current["v"])
	assert.Equal(t, []record.Fields{{"fid": "1", "v": "a"}}, snaps[0].History)
	assert.Empty(t, snaps[1].History)
}

func TestMemoryStore_Parsed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()

	parsed, err := store.Parsed("ITA_Italia")
	require.NoError(t, err)
	assert.Equal(t, "ITA_Italia_parsed", parsed.Name())

	require.NoError(t, parsed.EnsureUnique(ctx, IdentityKey))
	require.ErrorIs(t, parsed.EnsureUnique(ctx, LineKey), ErrUnsupportedKey)

	snap := record.Snapshot{Identity: "1", Current: record.Fields{"v": "b"}, History: []record.Fields{{"v": "a"}}}

	_, err = parsed.AppendBatch(ctx, []record.Snapshot{snap})
	require.NoError(t, err)

	_, err = parsed.AppendBatch(ctx, []record.Snapshot{snap})
	require.ErrorIs(t, err, ingestion.ErrUniquenessViolation)

	got, ok, err := parsed.Lookup(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, got)

	_, ok, err = parsed.Lookup(ctx, "2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Collections(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()

	for _, name := range []string{"USA_United_States", "ITA_Italia"} {
		raw, err := store.Raw(name)
		require.NoError(t, err)
		require.NoError(t, raw.EnsureUnique(ctx, LineKey))
	}

	parsed, err := store.Parsed("ITA_Italia")
	require.NoError(t, err)
	require.NoError(t, parsed.EnsureUnique(ctx, IdentityKey))

	infos, err := store.Collections(ctx)
	require.NoError(t, err)

	assert.Equal(t, []CollectionInfo{
		{Name: "ITA_Italia"},
		{Name: "ITA_Italia", Parsed: true},
		{Name: "USA_United_States"},
	}, infos)

	_, err = store.Raw("italia")
	require.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()

	raw, err := store.Raw("ITA_Italia")
	require.NoError(t, err)
	require.NoError(t, raw.EnsureUnique(ctx, LineKey))

	const (
		assets = 8
		lines  = 100
		bias   = 100_000_000
	)

	var wg sync.WaitGroup

	errs := make(chan error, assets)

	for asset := range assets {
		wg.Add(1)

		go func() {
			defer wg.Done()

			batch := make([]record.Record, 0, lines)
			for i := range lines {
				batch = append(batch, testRecord(int64(asset*bias+i), "x", "v"))
			}

			if _, err := raw.AppendBatch(ctx, batch); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	count, err := raw.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, assets*lines, count)
}
