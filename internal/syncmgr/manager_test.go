package syncmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/notesync/internal/apperr"
	"github.com/agentworkforce/notesync/internal/cache"
	"github.com/agentworkforce/notesync/internal/kvstore"
	"github.com/agentworkforce/notesync/internal/opqueue"
)

// toggleBackend fails reads while broken is set.
type toggleBackend struct {
	*kvstore.MemoryBackend
	broken atomic.Bool
}

func (b *toggleBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if b.broken.Load() {
		return "", false, errors.New("disk unavailable")
	}
	return b.MemoryBackend.Get(ctx, key)
}

type countingRefresher struct {
	calls atomic.Int32
}

func (r *countingRefresher) RefreshViews(context.Context) error {
	r.calls.Add(1)
	return nil
}

type fixture struct {
	mgr       *Manager
	store     *kvstore.Store
	queue     *opqueue.Queue
	cache     *cache.Manager
	backend   *toggleBackend
	refresher *countingRefresher
	executed  atomic.Int32
	execFn    func(op opqueue.Operation) error
	registry  *prometheus.Registry
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		backend:   &toggleBackend{MemoryBackend: kvstore.NewMemoryBackend()},
		refresher: &countingRefresher{},
		registry:  prometheus.NewRegistry(),
	}
	f.store = kvstore.NewStore(f.backend, kvstore.Options{})
	f.queue = opqueue.New(f.store, opqueue.Options{OperationDelay: -1})
	f.cache = cache.NewManager(f.store, nil)
	opts := Options{
		Store: f.store,
		Queue: f.queue,
		Cache: f.cache,
		Executor: opqueue.ExecutorFunc(func(_ context.Context, op opqueue.Operation) error {
			f.executed.Add(1)
			if f.execFn != nil {
				return f.execFn(op)
			}
			return nil
		}),
		Refresher:   f.refresher,
		Interval:    time.Hour,
		SettleDelay: 5 * time.Millisecond,
		Registerer:  f.registry,
	}
	if mutate != nil {
		mutate(&opts)
	}
	mgr, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	f.mgr = mgr
	return f
}

func (f *fixture) enqueue(t *testing.T, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.queue.AddOperation(context.Background(), opqueue.NewOperation{
			Type:   opqueue.TypeDeleteNote,
			Data:   opqueue.DeletePayload{ID: "n"},
			UserID: userID,
		})
		require.NoError(t, err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPerformSyncDrainsAndRefreshes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, "u1", 2)
	require.NoError(t, f.cache.CacheAPIResponse(ctx, "notes_{}", []string{"x"}, 0))

	result := f.mgr.PerformSync(ctx, "u1", false)

	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	var cached []string
	found, err := f.cache.GetCachedAPIResponse(ctx, "notes_{}", &cached)
	require.NoError(t, err)
	assert.False(t, found)

	status := f.mgr.Status()
	assert.True(t, status.IsOnline)
	assert.False(t, status.SyncInProgress)
	assert.Equal(t, 0, status.PendingOperations)
	require.NotNil(t, status.LastSyncTime)
	require.NotNil(t, status.LastSyncResult)
	assert.Equal(t, 2, status.LastSyncResult.Success)

	var persisted string
	found, err = f.store.GetItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey, &persisted)
	require.NoError(t, err)
	assert.True(t, found)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.mgr.metrics.passes.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.mgr.metrics.operations.WithLabelValues("success")))
}

func TestPerformSyncWithoutSuccessSkipsRefresh(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.PerformSync(context.Background(), "u1", false)
	assert.Equal(t, int32(0), f.refresher.calls.Load())
	assert.True(t, f.mgr.Status().IsOnline)
}

func TestPerformSyncOfflineIsNoopUnlessForced(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, "u1", 1)
	f.mgr.SetOfflineStatus(true)

	result := f.mgr.PerformSync(ctx, "u1", false)
	assert.Equal(t, 0, result.Success+result.Failed)
	assert.Equal(t, int32(0), f.executed.Load())

	result = f.mgr.PerformSync(ctx, "u1", true)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, int32(1), f.executed.Load())
}

func TestPerformSyncSecondCallWhileRunningReturnsLastResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, "u1", 1)
	release := make(chan struct{})
	f.execFn = func(opqueue.Operation) error {
		<-release
		return nil
	}

	done := make(chan opqueue.Result, 1)
	go func() { done <- f.mgr.PerformSync(ctx, "u1", false) }()
	require.Eventually(t, func() bool { return f.mgr.Status().SyncInProgress }, time.Second, time.Millisecond)

	second := f.mgr.PerformSync(ctx, "u1", false)
	assert.Equal(t, 0, second.Success)
	assert.True(t, f.mgr.Status().SyncInProgress)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Success)
	assert.Equal(t, int32(1), f.executed.Load())
	assert.False(t, f.mgr.Status().SyncInProgress)

	// With nothing running, a later call starts a fresh pass.
	again := f.mgr.PerformSync(ctx, "u1", false)
	assert.Equal(t, 0, again.Success)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mgr.metrics.passes.WithLabelValues("skipped")))
}

func TestPerformSyncStorageFailureMarksOffline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.backend.broken.Store(true)

	result := f.mgr.PerformSync(ctx, "u1", false)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.NotEmpty(t, result.Errors[0].Error)

	status := f.mgr.Status()
	assert.False(t, status.IsOnline)
	assert.Nil(t, status.LastSyncTime)
	assert.Equal(t, 1, status.LastSyncResult.Failed)

	f.backend.broken.Store(false)
	f.enqueue(t, "u1", 1)
	assert.Equal(t, 0, f.mgr.PerformSync(ctx, "u1", false).Success)

	f.mgr.UpdateNetworkStatus(true)
	result = f.mgr.PerformSync(ctx, "u1", false)
	assert.Equal(t, 1, result.Success)
	assert.True(t, f.mgr.Status().IsOnline)
}

func TestPerformSyncPartialFailureStaysOnlineWhenSomethingSucceeded(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, "u1", 2)
	var n atomic.Int32
	f.execFn = func(opqueue.Operation) error {
		if n.Add(1) == 1 {
			return apperr.New(apperr.KindValidation, "replay", "bad")
		}
		return nil
	}

	result := f.mgr.PerformSync(context.Background(), "u1", false)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 1, result.Failed)
	status := f.mgr.Status()
	assert.True(t, status.IsOnline)
	assert.Equal(t, 1, status.PendingOperations)
}

func TestInitializeHydratesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.SetItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey, ts.Format(time.RFC3339Nano), kvstore.SetOptions{}))
	f.enqueue(t, "u1", 2)
	f.enqueue(t, "u2", 1)

	require.NoError(t, f.mgr.Initialize(ctx, "u1"))
	status := f.mgr.Status()
	require.NotNil(t, status.LastSyncTime)
	assert.True(t, ts.Equal(*status.LastSyncTime))
	assert.Equal(t, 2, status.PendingOperations)

	require.NoError(t, f.store.RemoveItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey))
	require.NoError(t, f.mgr.Initialize(ctx, "u1"))
	require.NotNil(t, f.mgr.Status().LastSyncTime)

	require.NoError(t, f.mgr.RefreshPending(ctx))
	assert.Equal(t, 2, f.mgr.Status().PendingOperations)
}

func TestPendingCountFollowsQueueWrites(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mgr.Initialize(ctx, "u1"))
	updates, cancel := f.mgr.Subscribe()
	defer cancel()

	f.enqueue(t, "u1", 2)
	f.enqueue(t, "u2", 1)
	require.Eventually(t, func() bool { return f.mgr.Status().PendingOperations == 2 }, time.Second, time.Millisecond)
	select {
	case status := <-updates:
		assert.Equal(t, 2, status.PendingOperations)
	case <-time.After(time.Second):
		t.Fatal("expected a status update")
	}

	require.NoError(t, f.queue.Clear(ctx))
	require.Eventually(t, func() bool { return f.mgr.Status().PendingOperations == 0 }, time.Second, time.Millisecond)
}

func TestReconnectSchedulesSync(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mgr.Initialize(ctx, "u1"))
	f.mgr.UpdateNetworkStatus(false)
	f.enqueue(t, "u1", 1)
	assert.Equal(t, int32(0), f.executed.Load())

	f.mgr.UpdateNetworkStatus(true)
	require.Eventually(t, func() bool { return f.executed.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.mgr.Status().PendingOperations == 0 }, time.Second, time.Millisecond)
}

func TestGoingOfflineDoesNotSync(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.mgr.Initialize(context.Background(), "u1"))
	f.enqueue(t, "u1", 1)
	f.mgr.UpdateNetworkStatus(false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), f.executed.Load())
	assert.False(t, f.mgr.IsOnline())
}

func TestAutoSyncRunsOnInterval(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Interval = 5 * time.Millisecond })
	f.enqueue(t, "u1", 1)

	f.mgr.StartAutoSync("u1")
	require.Eventually(t, func() bool { return f.executed.Load() == 1 }, time.Second, time.Millisecond)
	f.mgr.StopAutoSync()

	f.enqueue(t, "u1", 1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), f.executed.Load())
}

func TestAutoSyncSkipsWhileOffline(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Interval = 5 * time.Millisecond })
	f.enqueue(t, "u1", 1)
	f.mgr.SetOfflineStatus(true)
	f.mgr.StartAutoSync("u1")
	time.Sleep(30 * time.Millisecond)
	f.mgr.StopAutoSync()
	assert.Equal(t, int32(0), f.executed.Load())
}

func TestLogoutResetsState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mgr.Initialize(ctx, "u1"))
	f.enqueue(t, "u1", 1)
	f.execFn = func(opqueue.Operation) error { return apperr.New(apperr.KindValidation, "replay", "bad") }
	f.mgr.PerformSync(ctx, "u1", false)
	require.NotNil(t, f.mgr.Status().LastSyncResult)

	require.NoError(t, f.mgr.Logout(ctx))
	status := f.mgr.Status()
	assert.Nil(t, status.LastSyncTime)
	assert.Nil(t, status.LastSyncResult)
	assert.Equal(t, 0, status.PendingOperations)
	ops, err := f.queue.Operations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
	var persisted string
	found, err := f.store.GetItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey, &persisted)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLogoutCancelsRunningPass(t *testing.T) {
	entered := make(chan struct{})
	var calls atomic.Int32
	f := newFixture(t, func(o *Options) {
		o.Executor = opqueue.ExecutorFunc(func(ctx context.Context, _ opqueue.Operation) error {
			if calls.Add(1) == 1 {
				close(entered)
			}
			<-ctx.Done()
			return ctx.Err()
		})
	})
	ctx := context.Background()
	require.NoError(t, f.mgr.Initialize(ctx, "u1"))
	f.enqueue(t, "u1", 3)

	done := make(chan struct{})
	go func() {
		f.mgr.PerformSync(ctx, "u1", false)
		close(done)
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("pass did not start")
	}

	require.NoError(t, f.mgr.Logout(ctx))
	<-done

	assert.Equal(t, int32(1), calls.Load())
	status := f.mgr.Status()
	assert.Nil(t, status.LastSyncTime)
	assert.Nil(t, status.LastSyncResult)
	assert.False(t, status.SyncInProgress)
	assert.Equal(t, 0, status.PendingOperations)

	var persisted string
	found, err := f.store.GetItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey, &persisted)
	require.NoError(t, err)
	assert.False(t, found)
	ops, err := f.queue.Operations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	// The next session syncs normally.
	require.NoError(t, f.mgr.Initialize(ctx, "u2"))
	result := f.mgr.PerformSync(ctx, "u2", false)
	assert.Zero(t, result.Failed)
	assert.NotNil(t, f.mgr.Status().LastSyncTime)
}

func TestForcedSyncDuringRunningDrainLeavesStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.enqueue(t, "u1", 1)
	release := make(chan struct{})
	f.execFn = func(opqueue.Operation) error {
		<-release
		return nil
	}

	done := make(chan opqueue.Result, 1)
	go func() { done <- f.mgr.PerformSync(ctx, "u1", false) }()
	require.Eventually(t, f.queue.Draining, time.Second, time.Millisecond)

	f.mgr.SetOfflineStatus(true)
	forced := f.mgr.PerformSync(ctx, "u1", true)
	assert.Zero(t, forced.Success+forced.Failed)

	status := f.mgr.Status()
	assert.False(t, status.IsOnline)
	assert.True(t, status.SyncInProgress)
	assert.Nil(t, status.LastSyncTime)
	assert.Nil(t, status.LastSyncResult)
	var persisted string
	found, err := f.store.GetItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey, &persisted)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mgr.metrics.passes.WithLabelValues("skipped")))

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Success)
	assert.False(t, f.mgr.Status().SyncInProgress)
}

func TestSubscribeSeesSyncLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ch, cancel := f.mgr.Subscribe()
	defer cancel()

	var (
		mu   sync.Mutex
		seen []bool
	)
	release := make(chan struct{})
	f.enqueue(t, "u1", 1)
	f.execFn = func(opqueue.Operation) error {
		mu.Lock()
		seen = append(seen, (<-ch).SyncInProgress)
		mu.Unlock()
		<-release
		return nil
	}
	done := make(chan struct{})
	go func() {
		f.mgr.PerformSync(context.Background(), "u1", false)
		close(done)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)
	close(release)
	<-done
	final := <-ch
	assert.False(t, final.SyncInProgress)
	mu.Lock()
	assert.Equal(t, []bool{true}, seen)
	mu.Unlock()
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.9))
	assert.Equal(t, 5*time.Second, jitteredIntervalWithSample(base, 0.5, 0))
	assert.Equal(t, 15*time.Second, jitteredIntervalWithSample(base, 0.5, 1))
	assert.Equal(t, time.Duration(0), jitteredIntervalWithSample(0, 0.5, 0.5))
	assert.Equal(t, time.Millisecond, jitteredIntervalWithSample(base, 1, 0))
}
