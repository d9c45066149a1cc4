package kvstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/notesync/internal/apperr"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestStore(t *testing.T) (*Store, *MemoryBackend, *fakeClock) {
	t.Helper()
	backend := NewMemoryBackend()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	return NewStore(backend, Options{Now: clock.Now}), backend, clock
}

type sample struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func TestStoreRoundTripUsesNamespacePrefix(t *testing.T) {
	ctx := context.Background()
	store, backend, _ := newTestStore(t)

	require.NoError(t, store.SetItem(ctx, NamespaceNotes, "n1", sample{Title: "hello", Tags: []string{"a"}}, SetOptions{}))

	raw, ok, err := backend.Get(ctx, "@notes_n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"version":"1.0"`)
	assert.Contains(t, raw, `"checksum":`)

	var got sample
	found, err := store.GetItem(ctx, NamespaceNotes, "n1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", got.Title)
	assert.Equal(t, []string{"a"}, got.Tags)

	found, err = store.GetItem(ctx, NamespaceUser, "n1", &got)
	require.NoError(t, err)
	assert.False(t, found, "namespaces must not overlap")
}

func TestStoreTTLBoundary(t *testing.T) {
	ctx := context.Background()
	store, backend, clock := newTestStore(t)
	start := clock.now

	require.NoError(t, store.SetItem(ctx, NamespaceCache, "k", "v", SetOptions{TTL: time.Minute}))

	clock.now = start.Add(time.Minute - time.Millisecond)
	var got string
	found, err := store.GetItem(ctx, NamespaceCache, "k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", got)

	clock.now = start.Add(time.Minute)
	found, err = store.GetItem(ctx, NamespaceCache, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)

	_, ok, _ := backend.Get(ctx, "@cache_k")
	assert.False(t, ok, "expired record must be physically removed")
}

func TestStoreEvictsCorruptedRecords(t *testing.T) {
	ctx := context.Background()
	store, backend, _ := newTestStore(t)

	require.NoError(t, store.SetItem(ctx, NamespaceNotes, "tampered", "original", SetOptions{}))
	raw, _, _ := backend.Get(ctx, "@notes_tampered")
	require.NoError(t, backend.Set(ctx, "@notes_tampered", strings.Replace(raw, "original", "modified", 1)))
	require.NoError(t, backend.Set(ctx, "@notes_garbage", "{not json"))

	for _, key := range []string{"tampered", "garbage"} {
		var got string
		found, err := store.GetItem(ctx, NamespaceNotes, key, &got)
		require.NoError(t, err, key)
		assert.False(t, found, key)
		_, ok, _ := backend.Get(ctx, "@notes_"+key)
		assert.False(t, ok, "%s should be evicted", key)
	}
}

func TestStoreEvictsRecordsThatDoNotDecodeIntoTarget(t *testing.T) {
	ctx := context.Background()
	store, backend, _ := newTestStore(t)
	require.NoError(t, store.SetItem(ctx, NamespaceSettings, "count", "not-a-number", SetOptions{}))

	var n int
	found, err := store.GetItem(ctx, NamespaceSettings, "count", &n)
	require.NoError(t, err)
	assert.False(t, found)
	_, ok, _ := backend.Get(ctx, "@settings_count")
	assert.False(t, ok)
}

func TestStoreRejectsOversizedItems(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBackend(), Options{MaxItemBytes: 128})

	err := store.SetItem(ctx, NamespaceTemp, "big", strings.Repeat("x", 256), SetOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))
}

func TestStoreRemoveItemIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	require.NoError(t, store.RemoveItem(ctx, NamespaceTemp, "never-written"))
	require.NoError(t, store.SetItem(ctx, NamespaceTemp, "k", 1, SetOptions{}))
	require.NoError(t, store.RemoveItem(ctx, NamespaceTemp, "k"))
	found, err := store.GetItem(ctx, NamespaceTemp, "k", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreKeysAndClearNamespace(t *testing.T) {
	ctx := context.Background()
	store, backend, _ := newTestStore(t)
	require.NoError(t, backend.Set(ctx, "foreign", "left alone"))
	for _, key := range []string{"api_b", "api_a"} {
		require.NoError(t, store.SetItem(ctx, NamespaceCache, key, key, SetOptions{}))
	}
	require.NoError(t, store.SetItem(ctx, NamespaceTemp, "draft_1", "d", SetOptions{}))

	keys, err := store.Keys(ctx, NamespaceCache)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_a", "api_b"}, keys)

	removed, err := store.ClearNamespace(ctx, NamespaceCache)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err = backend.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"@temp_draft_1", "foreign"}, keys)
}

func TestStoreCleanup(t *testing.T) {
	ctx := context.Background()
	store, backend, clock := newTestStore(t)
	start := clock.now

	require.NoError(t, store.SetItem(ctx, NamespaceCache, "expiring", "x", SetOptions{TTL: time.Minute}))
	require.NoError(t, store.SetItem(ctx, NamespaceCache, "fresh", "x", SetOptions{TTL: 24 * time.Hour}))
	require.NoError(t, store.SetItem(ctx, NamespaceTemp, "scratch", "x", SetOptions{}))
	require.NoError(t, store.SetItem(ctx, NamespaceTemp, "offline_operations_queue", []string{}, SetOptions{Durable: true}))
	require.NoError(t, store.SetItem(ctx, NamespaceNotes, "n1", "x", SetOptions{}))
	require.NoError(t, backend.Set(ctx, "@user_broken", "{"))
	require.NoError(t, backend.Set(ctx, "foreign", "{"))

	clock.now = start.Add(2 * time.Hour)
	result, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Removed)
	assert.Positive(t, result.BytesFreed)

	keys, err := backend.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"@cache_fresh", "@notes_n1", "@temp_offline_operations_queue", "foreign"}, keys)
}

func TestStoreCleanupBatchesLargeKeySets(t *testing.T) {
	ctx := context.Background()
	store, backend, clock := newTestStore(t)
	for i := 0; i < 3*cleanupBatchSize+7; i++ {
		require.NoError(t, store.SetItem(ctx, NamespaceCache, fmt.Sprintf("api_%03d", i), i, SetOptions{TTL: time.Second}))
	}
	clock.now = clock.now.Add(time.Second)
	result, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3*cleanupBatchSize+7, result.Removed)
	keys, _ := backend.Keys(ctx)
	assert.Empty(t, keys)
}

func TestStoreStorageInfo(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	require.NoError(t, store.SetItem(ctx, NamespaceNotes, "small", "x", SetOptions{}))
	require.NoError(t, store.SetItem(ctx, NamespaceNotes, "large", strings.Repeat("y", 500), SetOptions{}))
	for i := 0; i < 12; i++ {
		require.NoError(t, store.SetItem(ctx, NamespaceCache, fmt.Sprintf("api_%02d", i), i, SetOptions{}))
	}

	info, err := store.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14, info.TotalItems)
	assert.Equal(t, 2, info.Namespaces[NamespaceNotes].Items)
	assert.Equal(t, 12, info.Namespaces[NamespaceCache].Items)
	require.Len(t, info.Largest, 10)
	assert.Equal(t, "@notes_large", info.Largest[0].Key)

	var total int64
	for _, ns := range info.Namespaces {
		total += ns.Bytes
	}
	assert.Equal(t, info.TotalBytes, total)
}

func TestStoreRejectsUnknownNamespace(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	err := store.SetItem(ctx, Namespace("BOGUS"), "k", 1, SetOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
