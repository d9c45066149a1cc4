package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/notesync/internal/kvstore"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, backend kvstore.Backend) (*Manager, *clock) {
	t.Helper()
	if backend == nil {
		backend = kvstore.NewMemoryBackend()
	}
	c := &clock{now: time.UnixMilli(1_700_000_000_000)}
	store := kvstore.NewStore(backend, kvstore.Options{Now: c.Now})
	return NewManager(store, nil), c
}

func TestEndpointKeyIsStableAcrossMapOrder(t *testing.T) {
	a := EndpointKey("notes", map[string]any{"limit": 20, "favorite": true, "tags": []string{"x"}})
	b := EndpointKey("notes", map[string]any{"tags": []string{"x"}, "favorite": true, "limit": 20})
	assert.Equal(t, a, b)
	assert.Equal(t, `notes_{"favorite":true,"limit":20,"tags":["x"]}`, a)
	assert.NotEqual(t, a, EndpointKey("notes", map[string]any{"limit": 10}))
	assert.Equal(t, "favorites_", EndpointKey("favorites", nil))
}

func TestCacheAPIResponseDefaultsTTL(t *testing.T) {
	ctx := context.Background()
	m, c := newTestManager(t, nil)
	start := c.now

	require.NoError(t, m.CacheAPIResponse(ctx, "notes_a", []string{"n1"}, 0))
	require.NoError(t, m.CacheAPIResponse(ctx, "notes_b", []string{"n2"}, 48*time.Hour))
	require.NoError(t, m.CacheAPIResponse(ctx, "notes_c", []string{"n3"}, time.Minute))

	c.now = start.Add(2 * time.Minute)
	var got []string
	found, err := m.GetCachedAPIResponse(ctx, "notes_c", &got)
	require.NoError(t, err)
	assert.False(t, found, "explicit shorter ttl applies")

	found, err = m.GetCachedAPIResponse(ctx, "notes_a", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"n1"}, got)

	c.now = start.Add(DefaultTTL)
	for _, key := range []string{"notes_a", "notes_b"} {
		found, err = m.GetCachedAPIResponse(ctx, key, &got)
		require.NoError(t, err)
		assert.False(t, found, "%s should expire at the 24h default", key)
	}
}

func TestInvalidateCacheScopesByPattern(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.CacheAPIResponse(ctx, EndpointKey("notes", map[string]int{"limit": 20}), 1, 0))
	require.NoError(t, m.CacheAPIResponse(ctx, EndpointKey("notes", map[string]int{"limit": 5}), 2, 0))
	require.NoError(t, m.CacheAPIResponse(ctx, EndpointKey("favorites", nil), 3, 0))
	require.NoError(t, m.StoreDraft(ctx, "notes_draft", map[string]string{"title": "wip"}))

	removed, err := m.InvalidateCache(ctx, "notes_")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	var n int
	found, err := m.GetCachedAPIResponse(ctx, EndpointKey("notes", map[string]int{"limit": 20}), &n)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = m.GetCachedAPIResponse(ctx, EndpointKey("favorites", nil), &n)
	require.NoError(t, err)
	assert.True(t, found)

	var draft map[string]string
	found, err = m.GetDraft(ctx, "notes_draft", &draft)
	require.NoError(t, err)
	require.True(t, found, "drafts survive cache invalidation")
	assert.Equal(t, "wip", draft["title"])
}

func TestInvalidateCacheWithoutPatternClearsEverything(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.CacheAPIResponse(ctx, "notes_", 1, 0))
	require.NoError(t, m.CacheAPIResponse(ctx, "feed_", 2, 0))
	require.NoError(t, m.StoreDraft(ctx, "d1", "body"))

	removed, err := m.InvalidateCache(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	found, err := m.GetDraft(ctx, "d1", nil)
	require.NoError(t, err)
	assert.True(t, found)
}

type flakyRemoveBackend struct {
	*kvstore.MemoryBackend
	failures atomic.Int32
}

func (b *flakyRemoveBackend) MultiRemove(ctx context.Context, keys []string) error {
	if b.failures.Add(-1) >= 0 {
		return errors.New("disk hiccup")
	}
	return b.MemoryBackend.MultiRemove(ctx, keys)
}

func TestInvalidateCacheFallsBackToFullClear(t *testing.T) {
	ctx := context.Background()
	backend := &flakyRemoveBackend{MemoryBackend: kvstore.NewMemoryBackend()}
	m, _ := newTestManager(t, backend)
	require.NoError(t, m.CacheAPIResponse(ctx, "notes_x", 1, 0))
	require.NoError(t, m.CacheAPIResponse(ctx, "feed_x", 2, 0))

	backend.failures.Store(1)
	removed, err := m.InvalidateCache(ctx, "notes_")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := backend.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDraftsExpireAfterSevenDaysAndSurviveTempSweep(t *testing.T) {
	ctx := context.Background()
	backend := kvstore.NewMemoryBackend()
	c := &clock{now: time.UnixMilli(1_700_000_000_000)}
	store := kvstore.NewStore(backend, kvstore.Options{Now: c.Now})
	m := NewManager(store, nil)
	start := c.now

	require.NoError(t, m.StoreDraft(ctx, "n1", "draft body"))

	c.now = start.Add(3 * time.Hour)
	_, err := store.Cleanup(ctx)
	require.NoError(t, err)
	var body string
	found, err := m.GetDraft(ctx, "n1", &body)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "draft body", body)

	c.now = start.Add(DraftTTL)
	found, err = m.GetDraft(ctx, "n1", &body)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.RemoveDraft(ctx, "n1"))
}
