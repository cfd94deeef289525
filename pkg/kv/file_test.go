package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "store.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Set(ctx, "cohort", []byte(`{"cohort":"canary"}`)); err != nil {
		t.Fatalf("set json: %v", err)
	}
	if err := store.Set(ctx, "plain", []byte("stable")); !errors.Is(err, ErrNotJSON) {
		t.Fatalf("expected ErrNotJSON for raw value, got %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, err := reopened.Get(ctx, "cohort")
	if err != nil {
		t.Fatalf("get cohort: %v", err)
	}
	if string(value) != `{"cohort":"canary"}` {
		t.Fatalf("unexpected cohort value %s", value)
	}

	if err := reopened.Delete(ctx, "cohort"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "cohort"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	value := []byte("abc")
	if err := store.Set(ctx, "k", value); err != nil {
		t.Fatalf("set: %v", err)
	}
	value[0] = 'z'
	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("expected stored copy to be isolated, got %s", got)
	}
}
