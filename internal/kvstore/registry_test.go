package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildBackendFromDSNMemory(t *testing.T) {
	for _, dsn := range []string{"memory://", "mem://", "INMEM://"} {
		backend, err := BuildBackendFromDSN(dsn)
		if err != nil {
			t.Fatalf("build %s failed: %v", dsn, err)
		}
		if _, ok := backend.(*MemoryBackend); !ok {
			t.Fatalf("expected memory backend for %s, got %T", dsn, backend)
		}
	}
}

func TestBuildBackendFromDSNFile(t *testing.T) {
	dir := t.TempDir()
	for _, dsn := range []string{"file://" + filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")} {
		backend, err := BuildBackendFromDSN(dsn)
		if err != nil {
			t.Fatalf("build %s failed: %v", dsn, err)
		}
		if err := backend.Set(context.Background(), "k", "v"); err != nil {
			t.Fatalf("set through %s failed: %v", dsn, err)
		}
		if _, ok := backend.(*FileBackend); !ok {
			t.Fatalf("expected file backend for %s, got %T", dsn, backend)
		}
	}
}

func TestBuildBackendFromDSNSQLite(t *testing.T) {
	backend, err := BuildBackendFromDSN("sqlite://" + filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("build sqlite backend failed: %v", err)
	}
	defer backend.Close()
	if err := backend.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("sqlite set failed: %v", err)
	}
}

func TestBuildBackendFromDSNPostgresIsLazy(t *testing.T) {
	backend, err := BuildBackendFromDSN("postgres://localhost/notesync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to build without connecting, got %v", err)
	}
	if _, ok := backend.(*sqlBackend); !ok {
		t.Fatalf("expected sql backend, got %T", backend)
	}
}

func TestBuildBackendFromDSNErrors(t *testing.T) {
	if _, err := BuildBackendFromDSN("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
	if _, err := BuildBackendFromDSN("mysql://localhost/notes"); !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected unsupported backend for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("file://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for file dsn without path, got %v", err)
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "kvtestcustom"
	custom := NewMemoryBackend()
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return custom, nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build custom backend failed: %v", err)
	}
	if backend != custom {
		t.Fatalf("expected registered factory to be used")
	}
}

func TestDSNPathHandlesHomeAndQuery(t *testing.T) {
	path, err := dsnPath("~/.notesync/store.json?mode=rw")
	if err != nil {
		t.Fatalf("dsn path: %v", err)
	}
	if path != "~/.notesync/store.json" {
		t.Fatalf("unexpected path %q", path)
	}
	path, _ = dsnPath("localhost/var/lib/notesync.db")
	if path != "/var/lib/notesync.db" {
		t.Fatalf("expected localhost host to be dropped, got %q", path)
	}
}
