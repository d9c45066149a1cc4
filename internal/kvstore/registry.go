package kvstore

import (
	"fmt"
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory adds or replaces the factory used for a DSN scheme.
// Registered factories take precedence over the built-in schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN opens the persistence primitive named by dsn. A bare
// path is treated as a file DSN.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme, rest := splitDSN(dsn)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(rest)
		if err != nil {
			return nil, err
		}
		return NewFileBackend(path)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(rest)
		if err != nil {
			return nil, err
		}
		return NewSQLiteBackend(path)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, scheme)
	}
}

func splitDSN(dsn string) (string, string) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "", dsn
	}
	return normalizeBackendScheme(scheme), rest
}

func dsnPath(rest string) (string, error) {
	path := strings.TrimSpace(rest)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if strings.HasPrefix(path, "localhost/") {
		path = strings.TrimPrefix(path, "localhost")
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
