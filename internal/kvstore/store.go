package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/notesync/internal/apperr"
)

type Namespace string

const (
	NamespaceUser     Namespace = "USER"
	NamespaceSettings Namespace = "SETTINGS"
	NamespaceCache    Namespace = "CACHE"
	NamespaceTemp     Namespace = "TEMP"
	NamespaceAuth     Namespace = "AUTH"
	NamespaceNotes    Namespace = "NOTES"
)

var namespacePrefixes = map[Namespace]string{
	NamespaceUser:     "@user_",
	NamespaceSettings: "@settings_",
	NamespaceCache:    "@cache_",
	NamespaceTemp:     "@temp_",
	NamespaceAuth:     "@auth_",
	NamespaceNotes:    "@notes_",
}

// Namespaces lists every namespace in a stable order.
func Namespaces() []Namespace {
	return []Namespace{
		NamespaceUser,
		NamespaceSettings,
		NamespaceCache,
		NamespaceTemp,
		NamespaceAuth,
		NamespaceNotes,
	}
}

func (n Namespace) Prefix() string {
	return namespacePrefixes[n]
}

func (n Namespace) valid() bool {
	_, ok := namespacePrefixes[n]
	return ok
}

const (
	RecordVersion       = "1.0"
	DefaultMaxItemBytes = 2 << 20
	tempMaxAge          = time.Hour
	cleanupBatchSize    = 50
	largestItemsLimit   = 10
)

// record is the envelope persisted for every item.
type record struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`
	TTL       int64           `json:"ttl,omitempty"`
	Checksum  string          `json:"checksum,omitempty"`
	Durable   bool            `json:"durable,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return r.TTL > 0 && now.UnixMilli()-r.Timestamp >= r.TTL
}

func (r record) intact() bool {
	return r.Checksum == "" || r.Checksum == checksum(r.Data)
}

func checksum(data []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%08x", h.Sum32())
}

type Options struct {
	MaxItemBytes int
	Now          func() time.Time
	Logger       *slog.Logger
}

type SetOptions struct {
	// TTL of zero means the record never expires.
	TTL time.Duration
	// Durable TEMP records survive the hourly TEMP sweep in Cleanup.
	Durable bool
}

// Store layers namespaces, envelopes, checksums and expiry over a Backend.
// Corrupted or expired records are evicted on read and reported as misses.
type Store struct {
	backend      Backend
	maxItemBytes int
	now          func() time.Time
	logger       *slog.Logger
}

func NewStore(backend Backend, opts Options) *Store {
	if opts.MaxItemBytes <= 0 {
		opts.MaxItemBytes = DefaultMaxItemBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		backend:      backend,
		maxItemBytes: opts.MaxItemBytes,
		now:          opts.Now,
		logger:       opts.Logger,
	}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) SetItem(ctx context.Context, ns Namespace, key string, data any, opts SetOptions) error {
	const op = "kvstore.SetItem"
	if !ns.valid() || strings.TrimSpace(key) == "" {
		return apperr.Wrap(apperr.KindValidation, op, ErrInvalidInput)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err)
	}
	rec := record{
		Data:      payload,
		Timestamp: s.now().UnixMilli(),
		Version:   RecordVersion,
		TTL:       opts.TTL.Milliseconds(),
		Checksum:  checksum(payload),
		Durable:   opts.Durable,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err)
	}
	if len(encoded) > s.maxItemBytes {
		return &apperr.Error{
			Kind:    apperr.KindQuotaExceeded,
			Op:      op,
			Message: fmt.Sprintf("item %s%s is %d bytes, limit %d", ns.Prefix(), key, len(encoded), s.maxItemBytes),
		}
	}
	if err := s.backend.Set(ctx, ns.Prefix()+key, string(encoded)); err != nil {
		return storageError(op, err)
	}
	return nil
}

// GetItem decodes the stored value into dst and reports whether it was found.
// Expired, checksum-mismatched and unparseable records are removed and
// reported as absent.
func (s *Store) GetItem(ctx context.Context, ns Namespace, key string, dst any) (bool, error) {
	const op = "kvstore.GetItem"
	if !ns.valid() {
		return false, apperr.Wrap(apperr.KindValidation, op, ErrInvalidInput)
	}
	fullKey := ns.Prefix() + key
	raw, ok, err := s.backend.Get(ctx, fullKey)
	if err != nil {
		return false, storageError(op, err)
	}
	if !ok {
		return false, nil
	}
	var rec record
	reason := ""
	switch {
	case json.Unmarshal([]byte(raw), &rec) != nil:
		reason = "unparseable"
	case rec.expired(s.now()):
		reason = "expired"
	case !rec.intact():
		reason = "checksum mismatch"
	case dst != nil && json.Unmarshal(rec.Data, dst) != nil:
		reason = "unparseable data"
	}
	if reason != "" {
		s.logger.Debug("evicting stored item", "key", fullKey, "reason", reason)
		if err := s.backend.Remove(ctx, fullKey); err != nil {
			s.logger.Warn("evict stored item failed", "key", fullKey, "error", err)
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) RemoveItem(ctx context.Context, ns Namespace, key string) error {
	if !ns.valid() {
		return apperr.Wrap(apperr.KindValidation, "kvstore.RemoveItem", ErrInvalidInput)
	}
	if err := s.backend.Remove(ctx, ns.Prefix()+key); err != nil {
		return storageError("kvstore.RemoveItem", err)
	}
	return nil
}

func (s *Store) RemoveItems(ctx context.Context, ns Namespace, keys []string) error {
	if !ns.valid() {
		return apperr.Wrap(apperr.KindValidation, "kvstore.RemoveItems", ErrInvalidInput)
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = ns.Prefix() + key
	}
	if err := s.backend.MultiRemove(ctx, full); err != nil {
		return storageError("kvstore.RemoveItems", err)
	}
	return nil
}

// Keys returns the unprefixed keys stored in ns, sorted.
func (s *Store) Keys(ctx context.Context, ns Namespace) ([]string, error) {
	if !ns.valid() {
		return nil, apperr.Wrap(apperr.KindValidation, "kvstore.Keys", ErrInvalidInput)
	}
	all, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, storageError("kvstore.Keys", err)
	}
	prefix := ns.Prefix()
	keys := []string{}
	for _, key := range all {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) ClearNamespace(ctx context.Context, ns Namespace) (int, error) {
	keys, err := s.Keys(ctx, ns)
	if err != nil {
		return 0, err
	}
	if err := s.RemoveItems(ctx, ns, keys); err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		s.logger.Debug("cleared namespace", "namespace", string(ns), "count", len(keys))
	}
	return len(keys), nil
}

type CleanupResult struct {
	Removed    int   `json:"removed"`
	BytesFreed int64 `json:"bytesFreed"`
}

// Cleanup removes expired records, unreadable records and non-durable TEMP
// records older than an hour.
func (s *Store) Cleanup(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	keys, err := s.ownedKeys(ctx)
	if err != nil {
		return result, err
	}
	now := s.now()
	tempPrefix := NamespaceTemp.Prefix()
	for start := 0; start < len(keys); start += cleanupBatchSize {
		end := min(start+cleanupBatchSize, len(keys))
		batch := keys[start:end]
		values, err := s.backend.MultiGet(ctx, batch)
		if err != nil {
			return result, storageError("kvstore.Cleanup", err)
		}
		var doomed []string
		var freed int64
		for _, key := range batch {
			raw, ok := values[key]
			if !ok {
				continue
			}
			var rec record
			remove := false
			switch {
			case json.Unmarshal([]byte(raw), &rec) != nil:
				remove = true
			case rec.expired(now):
				remove = true
			case strings.HasPrefix(key, tempPrefix) && !rec.Durable &&
				now.Sub(time.UnixMilli(rec.Timestamp)) > tempMaxAge:
				remove = true
			}
			if remove {
				doomed = append(doomed, key)
				freed += int64(len(raw))
			}
		}
		if len(doomed) == 0 {
			continue
		}
		if err := s.backend.MultiRemove(ctx, doomed); err != nil {
			return result, storageError("kvstore.Cleanup", err)
		}
		result.Removed += len(doomed)
		result.BytesFreed += freed
	}
	if result.Removed > 0 {
		s.logger.Info("storage cleanup", "removed", result.Removed, "bytesFreed", result.BytesFreed)
	}
	return result, nil
}

type NamespaceInfo struct {
	Items int   `json:"items"`
	Bytes int64 `json:"bytes"`
}

type ItemInfo struct {
	Key   string `json:"key"`
	Bytes int64  `json:"bytes"`
}

type StorageInfo struct {
	TotalItems int                         `json:"totalItems"`
	TotalBytes int64                       `json:"totalBytes"`
	Namespaces map[Namespace]NamespaceInfo `json:"namespaces"`
	Largest    []ItemInfo                  `json:"largest"`
}

func (s *Store) StorageInfo(ctx context.Context) (StorageInfo, error) {
	info := StorageInfo{Namespaces: map[Namespace]NamespaceInfo{}}
	keys, err := s.ownedKeys(ctx)
	if err != nil {
		return info, err
	}
	var items []ItemInfo
	for start := 0; start < len(keys); start += cleanupBatchSize {
		end := min(start+cleanupBatchSize, len(keys))
		values, err := s.backend.MultiGet(ctx, keys[start:end])
		if err != nil {
			return info, storageError("kvstore.StorageInfo", err)
		}
		for _, key := range keys[start:end] {
			raw, ok := values[key]
			if !ok {
				continue
			}
			size := int64(len(raw))
			ns := namespaceOf(key)
			entry := info.Namespaces[ns]
			entry.Items++
			entry.Bytes += size
			info.Namespaces[ns] = entry
			info.TotalItems++
			info.TotalBytes += size
			items = append(items, ItemInfo{Key: key, Bytes: size})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Bytes == items[j].Bytes {
			return items[i].Key < items[j].Key
		}
		return items[i].Bytes > items[j].Bytes
	})
	if len(items) > largestItemsLimit {
		items = items[:largestItemsLimit]
	}
	info.Largest = items
	return info, nil
}

// ownedKeys lists backend keys that carry one of the namespace prefixes.
func (s *Store) ownedKeys(ctx context.Context) ([]string, error) {
	all, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, storageError("kvstore.Keys", err)
	}
	keys := make([]string, 0, len(all))
	for _, key := range all {
		if namespaceOf(key) != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func namespaceOf(key string) Namespace {
	for ns, prefix := range namespacePrefixes {
		if strings.HasPrefix(key, prefix) {
			return ns
		}
	}
	return ""
}

func storageError(op string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return apperr.Wrap(apperr.KindAccessDenied, op, err)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Wrap(apperr.KindUnknown, op, err)
}
