package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBackend keeps every key in one JSON document. Each mutation rewrites the
// document through a temp file and rename while holding an exclusive lock on
// a sidecar lock file, so a second process sharing the path never observes a
// torn write.
type FileBackend struct {
	path     string
	lockPath string
	mu       sync.Mutex
	values   map[string]string
}

type fileBackendState struct {
	Values map[string]string `json:"values"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	path = expandHome(path)
	b := &FileBackend{
		path:     path,
		lockPath: path + ".lock",
		values:   map[string]string{},
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	return value, ok, nil
}

func (b *FileBackend) Set(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, existed := b.values[key]
	b.values[key] = value
	if err := b.saveLocked(); err != nil {
		if existed {
			b.values[key] = previous
		} else {
			delete(b.values, key)
		}
		return err
	}
	return nil
}

func (b *FileBackend) Remove(ctx context.Context, key string) error {
	return b.MultiRemove(ctx, []string{key})
}

func (b *FileBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.values))
	for key := range b.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) MultiGet(_ context.Context, keys []string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := b.values[key]; ok {
			out[key] = value
		}
	}
	return out, nil
}

func (b *FileBackend) MultiRemove(_ context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := map[string]string{}
	for _, key := range keys {
		if value, ok := b.values[key]; ok {
			removed[key] = value
			delete(b.values, key)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := b.saveLocked(); err != nil {
		for key, value := range removed {
			b.values[key] = value
		}
		return err
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot fileBackendState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Values != nil {
		b.values = snapshot.Values
	}
	return nil
}

func (b *FileBackend) saveLocked() error {
	data, err := json.Marshal(fileBackendState{Values: b.values})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	unlock, err := lockFile(b.lockPath)
	if err != nil {
		return err
	}
	defer unlock()
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
