package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()
	file, err := NewFileBackend(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	sqlite, err := NewSQLiteBackend(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
		"sqlite": sqlite,
	}
}

func TestBackendsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := backend.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
			}
			for _, kv := range [][2]string{{"b", "2"}, {"a", "1"}, {"c", "3"}} {
				if err := backend.Set(ctx, kv[0], kv[1]); err != nil {
					t.Fatalf("set %s: %v", kv[0], err)
				}
			}
			if err := backend.Set(ctx, "a", "1b"); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			value, ok, err := backend.Get(ctx, "a")
			if err != nil || !ok || value != "1b" {
				t.Fatalf("expected overwritten value, got %q ok=%v err=%v", value, ok, err)
			}
			keys, err := backend.Keys(ctx)
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"a", "b", "c"}) {
				t.Fatalf("unexpected keys %v", keys)
			}
			values, err := backend.MultiGet(ctx, []string{"a", "c", "zzz"})
			if err != nil {
				t.Fatalf("multiget: %v", err)
			}
			if len(values) != 2 || values["c"] != "3" {
				t.Fatalf("unexpected multiget %v", values)
			}
			if err := backend.MultiRemove(ctx, []string{"a", "b"}); err != nil {
				t.Fatalf("multiremove: %v", err)
			}
			if err := backend.Remove(ctx, "absent"); err != nil {
				t.Fatalf("remove absent key: %v", err)
			}
			keys, _ = backend.Keys(ctx)
			if !reflect.DeepEqual(keys, []string{"c"}) {
				t.Fatalf("expected only c to remain, got %v", keys)
			}
			if err := backend.Set(ctx, "  ", "x"); err == nil {
				t.Fatalf("expected blank key to be rejected")
			}
		})
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	first, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	if err := first.Set(ctx, "@notes_n1", `{"data":1}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err=%v", err)
	}

	second, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, ok, err := second.Get(ctx, "@notes_n1")
	if err != nil || !ok || value != `{"data":1}` {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestFileBackendRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := NewFileBackend(path); err == nil {
		t.Fatalf("expected corrupt document to fail to load")
	}
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	first, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	if err := first.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	value, ok, err := second.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestBatchKeysSplitsSorted(t *testing.T) {
	batches := batchKeys([]string{"e", "a", "d", "c", "b"}, 2)
	want := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	if !reflect.DeepEqual(batches, want) {
		t.Fatalf("expected %v, got %v", want, batches)
	}
}

func TestQuoteIdentifierEscapesQuotes(t *testing.T) {
	if got := quoteIdentifier(`kv"x`); got != `"kv""x"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
	if got := quoteIdentifier(" "); got != `""` {
		t.Fatalf("expected empty identifier quoting, got %s", got)
	}
}
