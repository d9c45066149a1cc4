// Package opqueue is the durable log of note mutations made while the remote
// service was unreachable. Operations are replayed per user in enqueue order;
// each carries its own retry budget.
package opqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notesync/internal/apperr"
	"github.com/agentworkforce/notesync/internal/kvstore"
)

type Type string

const (
	TypeCreateNote     Type = "CREATE_NOTE"
	TypeUpdateNote     Type = "UPDATE_NOTE"
	TypeDeleteNote     Type = "DELETE_NOTE"
	TypeToggleFavorite Type = "TOGGLE_FAVORITE"
)

func (t Type) Valid() bool {
	switch t {
	case TypeCreateNote, TypeUpdateNote, TypeDeleteNote, TypeToggleFavorite:
		return true
	}
	return false
}

const (
	DefaultMaxRetries     = 3
	DefaultMaxDeferrals   = 10
	DefaultOperationDelay = 500 * time.Millisecond

	queueKey = "offline_operations_queue"
)

var (
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrDrainInProgress is returned by Drain when another pass holds the
	// queue. Nothing was replayed.
	ErrDrainInProgress = errors.New("drain already in progress")
)

type Operation struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	Deferrals  int             `json:"deferrals,omitempty"`
	Data       json.RawMessage `json:"data"`
	UserID     string          `json:"userId"`
}

// DecodeData unmarshals the operation payload into dst.
func (o Operation) DecodeData(dst any) error {
	if len(o.Data) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidOperation, o.ID)
	}
	return json.Unmarshal(o.Data, dst)
}

type NewOperation struct {
	Type       Type
	Data       any
	UserID     string
	MaxRetries int
}

type OperationError struct {
	Operation Operation   `json:"operation"`
	Error     string      `json:"error"`
	Kind      apperr.Kind `json:"kind,omitempty"`
	// Dropped is set when the operation was removed from the queue.
	Dropped bool `json:"dropped,omitempty"`
}

type Result struct {
	Success int              `json:"success"`
	Failed  int              `json:"failed"`
	Errors  []OperationError `json:"errors"`
}

// Executor replays one queued operation against the remote service.
type Executor interface {
	Execute(ctx context.Context, op Operation) error
}

type ExecutorFunc func(ctx context.Context, op Operation) error

func (f ExecutorFunc) Execute(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

type Options struct {
	MaxRetries   int
	MaxDeferrals int
	// OperationDelay paces replay between operations. Zero selects the
	// default; a negative value disables pacing.
	OperationDelay time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

type Queue struct {
	store          *kvstore.Store
	maxRetries     int
	maxDeferrals   int
	operationDelay time.Duration
	now            func() time.Time
	logger         *slog.Logger

	// mu serializes every read-modify-write of the persisted array.
	mu       sync.Mutex
	draining atomic.Bool

	subMu       sync.Mutex
	subscribers map[int]chan Result
	watchers    map[int]chan struct{}
	nextSubID   int
}

func New(store *kvstore.Store, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxDeferrals <= 0 {
		opts.MaxDeferrals = DefaultMaxDeferrals
	}
	if opts.OperationDelay == 0 {
		opts.OperationDelay = DefaultOperationDelay
	}
	if opts.OperationDelay < 0 {
		opts.OperationDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		store:          store,
		maxRetries:     opts.MaxRetries,
		maxDeferrals:   opts.MaxDeferrals,
		operationDelay: opts.OperationDelay,
		now:            opts.Now,
		logger:         opts.Logger,
		subscribers:    map[int]chan Result{},
		watchers:       map[int]chan struct{}{},
	}
}

func (q *Queue) AddOperation(ctx context.Context, in NewOperation) (Operation, error) {
	if !in.Type.Valid() || strings.TrimSpace(in.UserID) == "" {
		return Operation{}, apperr.Wrap(apperr.KindValidation, "opqueue.AddOperation", ErrInvalidOperation)
	}
	data, err := json.Marshal(in.Data)
	if err != nil {
		return Operation{}, apperr.Wrap(apperr.KindValidation, "opqueue.AddOperation", err)
	}
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	now := q.now().UnixMilli()
	op := Operation{
		ID:         fmt.Sprintf("%s_%d_%s", in.Type, now, strings.ReplaceAll(uuid.NewString(), "-", "")[:9]),
		Type:       in.Type,
		Timestamp:  now,
		MaxRetries: maxRetries,
		Data:       data,
		UserID:     in.UserID,
	}
	err = q.mutate(ctx, func(ops []Operation) ([]Operation, error) {
		return append(ops, op), nil
	})
	if err != nil {
		return Operation{}, err
	}
	q.logger.Debug("queued operation", "id", op.ID, "type", string(op.Type), "userId", op.UserID)
	return op, nil
}

// Operations returns every queued operation across all users.
func (q *Queue) Operations(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

// Pending counts the queued operations owned by userID. An empty userID
// counts every operation.
func (q *Queue) Pending(ctx context.Context, userID string) (int, error) {
	ops, err := q.Operations(ctx)
	if err != nil {
		return 0, err
	}
	if userID == "" {
		return len(ops), nil
	}
	n := 0
	for _, op := range ops {
		if op.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	err := q.store.RemoveItem(ctx, kvstore.NamespaceTemp, queueKey)
	q.mu.Unlock()
	if err == nil {
		q.signalChange()
	}
	return err
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.mutate(ctx, func(ops []Operation) ([]Operation, error) {
		return removeByID(ops, id), nil
	})
}

// Draining reports whether a drain pass is running.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Drain replays userID's operations oldest first through exec. It returns
// ErrDrainInProgress when another drain is running and is a no-op when
// isOnline is false. stillOnline reports
// the caller's current connectivity belief; network failures observed while
// it returns false are deferred without spending the retry budget.
//
// Individual failures never abort the pass. Only storage errors and context
// cancellation are returned.
func (q *Queue) Drain(ctx context.Context, userID string, isOnline bool, exec Executor, stillOnline func() bool) (Result, error) {
	result := Result{Errors: []OperationError{}}
	if !q.draining.CompareAndSwap(false, true) {
		q.logger.Debug("drain already in progress", "userId", userID)
		return result, ErrDrainInProgress
	}
	defer q.draining.Store(false)
	if !isOnline || exec == nil {
		return result, nil
	}

	all, err := q.Operations(ctx)
	if err != nil {
		return result, err
	}
	var ops []Operation
	for _, op := range all {
		if op.UserID == userID {
			ops = append(ops, op)
		}
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Timestamp < ops[j].Timestamp
	})

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if i > 0 {
			if err := waitWithContext(ctx, q.operationDelay); err != nil {
				return result, err
			}
		}
		execErr := exec.Execute(ctx, op)
		if execErr == nil {
			if err := q.Remove(ctx, op.ID); err != nil {
				return result, err
			}
			result.Success++
			continue
		}
		result.Failed++
		failure, err := q.recordFailure(ctx, op, execErr, stillOnline)
		if err != nil {
			return result, err
		}
		result.Errors = append(result.Errors, failure)
	}

	q.logger.Info("drained operation queue", "userId", userID, "success", result.Success, "failed", result.Failed)
	q.publish(result)
	return result, nil
}

func (q *Queue) recordFailure(ctx context.Context, op Operation, execErr error, stillOnline func() bool) (OperationError, error) {
	deferred := apperr.IsNetwork(execErr) && stillOnline != nil && !stillOnline()
	if deferred {
		op.Deferrals++
	} else {
		op.RetryCount++
	}
	maxRetries := op.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	drop := op.RetryCount >= maxRetries || op.Deferrals >= q.maxDeferrals

	failure := OperationError{
		Operation: op,
		Error:     execErr.Error(),
		Kind:      apperr.KindOf(execErr),
		Dropped:   drop,
	}
	err := q.mutate(ctx, func(ops []Operation) ([]Operation, error) {
		if drop {
			return removeByID(ops, op.ID), nil
		}
		for i := range ops {
			if ops[i].ID == op.ID {
				ops[i].RetryCount = op.RetryCount
				ops[i].Deferrals = op.Deferrals
			}
		}
		return ops, nil
	})
	if err != nil {
		return failure, err
	}
	switch {
	case drop:
		q.logger.Warn("dropping queued operation", "id", op.ID, "type", string(op.Type),
			"retryCount", op.RetryCount, "deferrals", op.Deferrals, "error", execErr)
	case deferred:
		q.logger.Info("deferring queued operation while offline", "id", op.ID, "deferrals", op.Deferrals)
	default:
		q.logger.Info("queued operation failed", "id", op.ID, "retryCount", op.RetryCount, "error", execErr)
	}
	return failure, nil
}

// Subscribe delivers the result of every completed drain pass. Slow
// subscribers only see the latest result.
func (q *Queue) Subscribe() (<-chan Result, func()) {
	ch := make(chan Result, 1)
	q.subMu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = ch
	q.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.subMu.Lock()
			delete(q.subscribers, id)
			q.subMu.Unlock()
			close(ch)
		})
	}
}

// SubscribeChanges signals after every write to the persisted queue. Signals
// coalesce; receivers should re-read the queue.
func (q *Queue) SubscribeChanges() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	q.subMu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.watchers[id] = ch
	q.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.subMu.Lock()
			delete(q.watchers, id)
			q.subMu.Unlock()
			close(ch)
		})
	}
}

func (q *Queue) signalChange() {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, ch := range q.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) publish(result Result) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, ch := range q.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- result
	}
}

func (q *Queue) mutate(ctx context.Context, fn func([]Operation) ([]Operation, error)) error {
	if err := q.apply(ctx, fn); err != nil {
		return err
	}
	q.signalChange()
	return nil
}

func (q *Queue) apply(ctx context.Context, fn func([]Operation) ([]Operation, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	next, err := fn(ops)
	if err != nil {
		return err
	}
	if len(next) == 0 {
		return q.store.RemoveItem(ctx, kvstore.NamespaceTemp, queueKey)
	}
	return q.store.SetItem(ctx, kvstore.NamespaceTemp, queueKey, next, kvstore.SetOptions{Durable: true})
}

func (q *Queue) loadLocked(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	if _, err := q.store.GetItem(ctx, kvstore.NamespaceTemp, queueKey, &ops); err != nil {
		return nil, err
	}
	if ops == nil {
		ops = []Operation{}
	}
	return ops, nil
}

func removeByID(ops []Operation, id string) []Operation {
	out := ops[:0]
	for _, op := range ops {
		if op.ID != id {
			out = append(out, op)
		}
	}
	return out
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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
