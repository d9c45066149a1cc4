// Package cache keeps remote API responses and unsent drafts in the local
// store. Responses live in the CACHE namespace and are invalidated by
// substring; drafts live in TEMP so invalidation never touches them.
package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/notesync/internal/kvstore"
)

const (
	DefaultTTL = 24 * time.Hour
	DraftTTL   = 7 * 24 * time.Hour

	apiKeyPrefix   = "api_"
	draftKeyPrefix = "draft_"
)

type Manager struct {
	store  *kvstore.Store
	logger *slog.Logger
}

func NewManager(store *kvstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{store: store, logger: logger}
}

// EndpointKey combines a resource name with a stable encoding of its request
// parameters. Map keys are encoded in sorted order, so equal filters always
// produce equal keys.
func EndpointKey(resource string, params any) string {
	if params == nil {
		return resource + "_"
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return resource + "_"
	}
	return resource + "_" + string(encoded)
}

// CacheAPIResponse stores data under endpointKey. A ttl outside (0, 24h) falls
// back to the 24h default.
func (m *Manager) CacheAPIResponse(ctx context.Context, endpointKey string, data any, ttl time.Duration) error {
	if ttl <= 0 || ttl > DefaultTTL {
		ttl = DefaultTTL
	}
	return m.store.SetItem(ctx, kvstore.NamespaceCache, apiKeyPrefix+endpointKey, data, kvstore.SetOptions{TTL: ttl})
}

func (m *Manager) GetCachedAPIResponse(ctx context.Context, endpointKey string, dst any) (bool, error) {
	return m.store.GetItem(ctx, kvstore.NamespaceCache, apiKeyPrefix+endpointKey, dst)
}

// InvalidateCache removes cached responses whose key contains pattern, or
// every cached response when pattern is empty. A failed scoped removal falls
// back to clearing the whole namespace.
func (m *Manager) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return m.store.ClearNamespace(ctx, kvstore.NamespaceCache)
	}
	removed, err := m.invalidateMatching(ctx, pattern)
	if err == nil {
		return removed, nil
	}
	m.logger.Warn("scoped cache invalidation failed, clearing cache", "pattern", pattern, "error", err)
	return m.store.ClearNamespace(ctx, kvstore.NamespaceCache)
}

func (m *Manager) invalidateMatching(ctx context.Context, pattern string) (int, error) {
	keys, err := m.store.Keys(ctx, kvstore.NamespaceCache)
	if err != nil {
		return 0, err
	}
	var matched []string
	for _, key := range keys {
		if strings.Contains(key, pattern) {
			matched = append(matched, key)
		}
	}
	if err := m.store.RemoveItems(ctx, kvstore.NamespaceCache, matched); err != nil {
		return 0, err
	}
	if len(matched) > 0 {
		m.logger.Debug("invalidated cache entries", "pattern", pattern, "count", len(matched))
	}
	return len(matched), nil
}

func (m *Manager) StoreDraft(ctx context.Context, id string, draft any) error {
	return m.store.SetItem(ctx, kvstore.NamespaceTemp, draftKeyPrefix+id, draft, kvstore.SetOptions{
		TTL:     DraftTTL,
		Durable: true,
	})
}

func (m *Manager) GetDraft(ctx context.Context, id string, dst any) (bool, error) {
	return m.store.GetItem(ctx, kvstore.NamespaceTemp, draftKeyPrefix+id, dst)
}

func (m *Manager) RemoveDraft(ctx context.Context, id string) error {
	return m.store.RemoveItem(ctx, kvstore.NamespaceTemp, draftKeyPrefix+id)
}
