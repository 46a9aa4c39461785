package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tufd/internal/domain"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "1.targets.json", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.Get(ctx, "1.targets.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"v":1}` {
		t.Fatalf("unexpected content: %s", data)
	}
}

func TestPutOverwritesAtomically(t *testing.T) {
	base := t.TempDir()
	store, err := NewFSStore(base)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "timestamp.json", []byte("old")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "timestamp.json", []byte("new")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := store.Get(ctx, "timestamp.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "new" {
		t.Fatalf("unexpected content: %s", data)
	}

	// No temp files may be left behind.
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "timestamp.json" {
			t.Fatalf("leftover file %s", entry.Name())
		}
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	base := t.TempDir()
	store, err := NewFSStore(base)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "../escape.json", []byte("x")); err == nil {
		t.Fatal("expected error for path traversal")
	}
	if err := store.Put(ctx, "", []byte("x")); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(base), "escape.json")); !os.IsNotExist(err) {
		t.Fatal("file escaped the base directory")
	}
}

func TestGetMissingFile(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	if _, err := store.Get(context.Background(), "missing.json"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
