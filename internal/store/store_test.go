package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(NamespaceQueue, "snapshot", []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, err := s.Get(NamespaceQueue, "snapshot")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `[{"id":"a"}]` {
		t.Errorf("value mismatch: %s", value)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	value, err := s.Get(NamespaceNotify, "subscription")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != nil {
		t.Errorf("expected nil for missing key, got %s", value)
	}
}

func TestPutReplaces(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(NamespaceProxy, "state", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(NamespaceProxy, "state", []byte("v2")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	value, err := s.Get(NamespaceProxy, "state")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "v2" {
		t.Errorf("expected v2, got %s", value)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(NamespaceQueue, "k", []byte("queue-value")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, err := s.Get(NamespaceNotify, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != nil {
		t.Error("key leaked across namespaces")
	}
}

func TestDeleteAndMissingDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(NamespaceNotify, "grant", []byte("true")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(NamespaceNotify, "grant"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	value, err := s.Get(NamespaceNotify, "grant")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != nil {
		t.Error("value survived delete")
	}

	// Deleting again is not an error.
	if err := s.Delete(NamespaceNotify, "grant"); err != nil {
		t.Errorf("delete of missing key errored: %v", err)
	}
}

func TestKeysSorted(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{"c", "a", "b"} {
		if err := s.Put(NamespaceQueue, k, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	keys, err := s.Keys(NamespaceQueue)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestPurge(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{"a", "b"} {
		if err := s.Put(NamespaceQueue, k, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := s.Put(NamespaceNotify, "keep", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	n, err := s.Purge(NamespaceQueue)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d entries, want 2", n)
	}

	value, err := s.Get(NamespaceNotify, "keep")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value == nil {
		t.Error("purge crossed namespace boundary")
	}
}

func TestValuesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Put(NamespaceQueue, "snapshot", []byte("persisted")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	value, err := s2.Get(NamespaceQueue, "snapshot")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "persisted" {
		t.Errorf("value lost across reopen: %s", value)
	}
}
