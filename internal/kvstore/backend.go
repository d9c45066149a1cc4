package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnsupportedBackend = errors.New("unsupported storage backend")
)

// Backend is the device-local persistence primitive: a flat, string-keyed,
// durable store. Namespacing, envelopes and expiry live in Store.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	MultiGet(ctx context.Context, keys []string) (map[string]string, error)
	MultiRemove(ctx context.Context, keys []string) error
	Close() error
}

type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: map[string]string{}}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.values[key]
	return value, ok, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.values))
	for key := range b.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) MultiGet(_ context.Context, keys []string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := b.values[key]; ok {
			out[key] = value
		}
	}
	return out, nil
}

func (b *MemoryBackend) MultiRemove(_ context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.values, key)
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
