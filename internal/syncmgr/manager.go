// Package syncmgr coordinates offline queue replay with connectivity changes
// and exposes the resulting sync status to observers.
package syncmgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/notesync/internal/apperr"
	"github.com/agentworkforce/notesync/internal/cache"
	"github.com/agentworkforce/notesync/internal/kvstore"
	"github.com/agentworkforce/notesync/internal/opqueue"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultSettleDelay = time.Second
	lastSyncTimeKey    = "lastSyncTime"
	refreshTimeout     = 30 * time.Second
)

// Refresher re-fetches the views kept warm after a successful drain.
type Refresher interface {
	RefreshViews(ctx context.Context) error
}

// Status is a snapshot; receivers must not mutate LastSyncResult.
type Status struct {
	IsOnline          bool            `json:"isOnline"`
	LastSyncTime      *time.Time      `json:"lastSyncTime"`
	PendingOperations int             `json:"pendingOperations"`
	SyncInProgress    bool            `json:"syncInProgress"`
	LastSyncResult    *opqueue.Result `json:"lastSyncResult"`
}

type Options struct {
	Store     *kvstore.Store
	Queue     *opqueue.Queue
	Cache     *cache.Manager
	Executor  opqueue.Executor
	Refresher Refresher

	Interval       time.Duration
	IntervalJitter float64
	SettleDelay    time.Duration

	// Registerer receives the sync metrics; nil disables them.
	Registerer prometheus.Registerer
	Now        func() time.Time
	Logger     *slog.Logger
}

type Manager struct {
	store     *kvstore.Store
	queue     *opqueue.Queue
	cache     *cache.Manager
	executor  opqueue.Executor
	refresher Refresher

	interval       time.Duration
	intervalJitter float64
	settleDelay    time.Duration
	now            func() time.Time
	logger         *slog.Logger
	metrics        *syncMetrics

	bgCtx       context.Context
	bgCancel    context.CancelFunc
	wg          sync.WaitGroup
	stopChanges func()

	// countMu orders pending recounts with their writes to status.
	countMu sync.Mutex

	mu          sync.Mutex
	status      Status
	inFlight    int
	idle        chan struct{}
	initialized bool
	userID      string
	// session bounds every pass started before the next Logout; generation
	// identifies it so a pass outliving its session leaves no trace.
	session    context.Context
	endSession context.CancelFunc
	generation uint64
	// reportedOnline is the last external connectivity signal. A pass is
	// only started on its own when both it and status.IsOnline are true.
	reportedOnline bool
	autoCancel     context.CancelFunc
	autoDone       chan struct{}
	settleCancel   context.CancelFunc

	subMu       sync.Mutex
	subscribers map[int]chan Status
	nextSubID   int
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Executor == nil {
		return nil, apperr.New(apperr.KindValidation, "syncmgr.New", "store, queue and executor are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metrics, err := newSyncMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	session, endSession := context.WithCancel(bgCtx)
	m := &Manager{
		store:          opts.Store,
		queue:          opts.Queue,
		cache:          opts.Cache,
		executor:       opts.Executor,
		refresher:      opts.Refresher,
		interval:       opts.Interval,
		intervalJitter: clampJitterRatio(opts.IntervalJitter),
		settleDelay:    opts.SettleDelay,
		now:            opts.Now,
		logger:         opts.Logger,
		metrics:        metrics,
		bgCtx:          bgCtx,
		bgCancel:       bgCancel,
		session:        session,
		endSession:     endSession,
		status:         Status{IsOnline: true},
		reportedOnline: true,
		subscribers:    map[int]chan Status{},
	}
	metrics.setOnline(true)

	changes, stop := opts.Queue.SubscribeChanges()
	m.stopChanges = stop
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchQueue(changes)
	}()
	return m, nil
}

// watchQueue keeps PendingOperations current for writes made outside a pass.
func (m *Manager) watchQueue(changes <-chan struct{}) {
	for {
		select {
		case <-m.bgCtx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := m.RefreshPending(m.bgCtx); err != nil && m.bgCtx.Err() == nil {
				m.logger.Debug("recount pending operations failed", "error", err)
			}
		}
	}
}

// Close stops auto sync and any scheduled reconnect pass, and waits for
// in-flight background work.
func (m *Manager) Close() {
	m.StopAutoSync()
	m.mu.Lock()
	if m.settleCancel != nil {
		m.settleCancel()
		m.settleCancel = nil
	}
	m.mu.Unlock()
	m.stopChanges()
	m.bgCancel()
	m.wg.Wait()
}

// Initialize hydrates lastSyncTime and the pending count. Only the first
// successful call has any effect.
func (m *Manager) Initialize(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var raw string
	found, err := m.store.GetItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey, &raw)
	if err != nil {
		return err
	}
	pending, err := m.queue.Pending(ctx, userID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.userID = userID
	if found {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			m.status.LastSyncTime = &ts
		} else {
			m.logger.Warn("ignoring unreadable last sync time", "value", raw)
		}
	}
	m.status.PendingOperations = pending
	m.mu.Unlock()

	m.metrics.setPending(pending)
	m.logger.Info("sync manager initialized", "userId", userID, "pending", pending)
	m.notify()
	return nil
}

// StartAutoSync replaces any running timer with one that attempts a pass for
// userID every interval.
func (m *Manager) StartAutoSync(userID string) {
	m.StopAutoSync()
	ctx, cancel := context.WithCancel(m.bgCtx)
	done := make(chan struct{})
	m.mu.Lock()
	m.userID = userID
	m.autoCancel = cancel
	m.autoDone = done
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.autoSyncLoop(ctx, userID)
	}()
}

func (m *Manager) StopAutoSync() {
	m.mu.Lock()
	cancel, done := m.autoCancel, m.autoDone
	m.autoCancel, m.autoDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) autoSyncLoop(ctx context.Context, userID string) {
	rng := rand.New(rand.NewSource(m.now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(m.interval, m.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.tick(ctx, userID)
			timer.Reset(jitteredIntervalWithSample(m.interval, m.intervalJitter, rng.Float64()))
		}
	}
}

func (m *Manager) tick(ctx context.Context, userID string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("auto sync tick panicked", "panic", r)
		}
	}()
	m.mu.Lock()
	ready := m.canStartLocked() && m.inFlight == 0
	m.mu.Unlock()
	if !ready {
		return
	}
	m.PerformSync(ctx, userID, false)
}

// UpdateNetworkStatus records an external connectivity signal. Going from
// offline to online schedules a pass after the settle delay.
func (m *Manager) UpdateNetworkStatus(online bool) {
	m.mu.Lock()
	wasOnline := m.reportedOnline && m.status.IsOnline
	m.reportedOnline = online
	changed := m.status.IsOnline != online
	m.status.IsOnline = online
	userID := m.userID
	reconnect := online && !wasOnline && userID != ""
	if reconnect {
		if m.settleCancel != nil {
			m.settleCancel()
		}
		ctx, cancel := context.WithCancel(m.bgCtx)
		m.settleCancel = cancel
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer cancel()
			if waitWithContext(ctx, m.settleDelay) != nil {
				return
			}
			m.PerformSync(ctx, userID, false)
		}()
	}
	m.mu.Unlock()

	m.metrics.setOnline(online)
	if changed {
		m.logger.Info("network status changed", "online", online)
		m.notify()
	}
}

// SetOfflineStatus is UpdateNetworkStatus with the flag inverted.
func (m *Manager) SetOfflineStatus(offline bool) {
	m.UpdateNetworkStatus(!offline)
}

// IsOnline reports the current belief used by the drain to decide whether a
// network failure should spend an operation's retry budget.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canStartLocked()
}

func (m *Manager) canStartLocked() bool {
	return m.status.IsOnline && m.reportedOnline
}

// PerformSync runs one drain pass for userID. Without force it returns the
// last result when a pass is already running, and an empty result when
// offline. A forced call that finds the queue already draining also returns
// the last result. Failures are folded into the returned result. Logout
// cancels a running pass and discards its outcome.
func (m *Manager) PerformSync(ctx context.Context, userID string, force bool) opqueue.Result {
	m.mu.Lock()
	if !force && m.inFlight > 0 {
		last := m.lastResultLocked()
		m.mu.Unlock()
		m.metrics.recordSkipped()
		return last
	}
	if !force && !m.canStartLocked() {
		m.mu.Unlock()
		m.metrics.recordSkipped()
		return emptyResult()
	}
	m.inFlight++
	m.status.SyncInProgress = true
	generation, session := m.generation, m.session
	m.mu.Unlock()
	m.notify()

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(session, cancel)
	defer stop()

	started := m.now()
	result, err := m.queue.Drain(passCtx, userID, true, m.executor, m.IsOnline)
	if errors.Is(err, opqueue.ErrDrainInProgress) {
		m.mu.Lock()
		last := m.lastResultLocked()
		m.finishPassLocked()
		m.mu.Unlock()
		m.metrics.recordSkipped()
		m.notify()
		return last
	}
	if m.endedSession(generation) {
		m.mu.Lock()
		m.finishPassLocked()
		m.mu.Unlock()
		m.logger.Info("discarding sync pass from ended session", "userId", userID)
		m.notify()
		return result
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.logger.Warn("sync pass failed", "userId", userID, "error", err)
		result = opqueue.Result{
			Failed: 1,
			Errors: []opqueue.OperationError{{Error: err.Error(), Kind: apperr.KindOf(err)}},
		}
	} else {
		if result.Success > 0 {
			m.refreshLocalCache(passCtx)
		}
		if result.Failed > 0 {
			outcome = "partial"
		}
	}

	var (
		lastSync *time.Time
		pending  = -1
	)
	m.countMu.Lock()
	if err == nil {
		ts := m.now().UTC()
		lastSync = &ts
		if storeErr := m.store.SetItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey, ts.Format(time.RFC3339Nano), kvstore.SetOptions{}); storeErr != nil {
			m.logger.Warn("failed to persist last sync time", "error", storeErr)
		}
		if n, pendErr := m.queue.Pending(ctx, userID); pendErr == nil {
			pending = n
		} else {
			m.logger.Warn("failed to count pending operations", "error", pendErr)
		}
	}

	m.mu.Lock()
	if m.generation != generation {
		// Logout waits for this pass before clearing, so only the
		// in-memory status needs protecting here.
		m.finishPassLocked()
		m.mu.Unlock()
		m.countMu.Unlock()
		m.notify()
		return result
	}
	if err != nil {
		m.status.IsOnline = false
	} else if result.Success > 0 || result.Failed == 0 {
		m.status.IsOnline = true
	}
	if lastSync != nil {
		m.status.LastSyncTime = lastSync
	}
	if pending >= 0 {
		m.status.PendingOperations = pending
	}
	stored := result
	m.status.LastSyncResult = &stored
	m.finishPassLocked()
	online := m.status.IsOnline
	m.mu.Unlock()
	m.countMu.Unlock()

	m.metrics.recordPass(outcome, result, m.now().Sub(started))
	m.metrics.setOnline(online)
	if pending >= 0 {
		m.metrics.setPending(pending)
	}
	m.notify()
	return result
}

func (m *Manager) endedSession(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation != generation
}

func (m *Manager) finishPassLocked() {
	m.inFlight--
	m.status.SyncInProgress = m.inFlight > 0
	if m.inFlight == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
}

// waitIdle blocks until no pass is running.
func (m *Manager) waitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.inFlight == 0 {
			m.mu.Unlock()
			return nil
		}
		if m.idle == nil {
			m.idle = make(chan struct{})
		}
		idle := m.idle
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// refreshLocalCache drops every cached response and re-fetches the views
// that are read most often. Failures are logged only.
func (m *Manager) refreshLocalCache(ctx context.Context) {
	if m.cache != nil {
		if _, err := m.cache.InvalidateCache(ctx, ""); err != nil {
			m.logger.Warn("cache invalidation after sync failed", "error", err)
		}
	}
	if m.refresher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if err := m.refresher.RefreshViews(ctx); err != nil {
		m.logger.Warn("refreshing views after sync failed", "error", err)
	}
}

// RefreshPending recounts the active user's queued operations, for callers
// that enqueue outside a sync pass.
func (m *Manager) RefreshPending(ctx context.Context) error {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.mu.Lock()
	userID, generation := m.userID, m.generation
	m.mu.Unlock()
	n, err := m.queue.Pending(ctx, userID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.userID != userID || m.generation != generation {
		// Session changed while counting.
		m.mu.Unlock()
		return nil
	}
	changed := m.status.PendingOperations != n
	m.status.PendingOperations = n
	m.mu.Unlock()
	m.metrics.setPending(n)
	if changed {
		m.notify()
	}
	return nil
}

// Logout stops auto sync, cancels and waits out any running pass, empties
// the queue, forgets the last sync time and resets the status.
func (m *Manager) Logout(ctx context.Context) error {
	m.StopAutoSync()
	m.mu.Lock()
	if m.settleCancel != nil {
		m.settleCancel()
		m.settleCancel = nil
	}
	m.generation++
	m.endSession()
	m.session, m.endSession = context.WithCancel(m.bgCtx)
	m.initialized = false
	m.userID = ""
	m.mu.Unlock()

	if err := m.waitIdle(ctx); err != nil {
		return err
	}

	var errs []error
	if err := m.queue.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.RemoveItem(ctx, kvstore.NamespaceSettings, lastSyncTimeKey); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	m.generation++
	m.status = Status{IsOnline: m.reportedOnline, SyncInProgress: m.inFlight > 0}
	m.mu.Unlock()

	m.metrics.setPending(0)
	m.notify()
	return errors.Join(errs...)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe delivers status snapshots. Slow subscribers only see the latest.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

// notify sends the current status. Holding subMu across the read keeps
// deliveries in state order.
func (m *Manager) notify() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	status := m.Status()
	for _, ch := range m.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

func (m *Manager) snapshotLocked() Status {
	s := m.status
	if s.LastSyncTime != nil {
		ts := *s.LastSyncTime
		s.LastSyncTime = &ts
	}
	return s
}

func (m *Manager) lastResultLocked() opqueue.Result {
	if m.status.LastSyncResult == nil {
		return emptyResult()
	}
	return *m.status.LastSyncResult
}

func emptyResult() opqueue.Result {
	return opqueue.Result{Errors: []opqueue.OperationError{}}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
