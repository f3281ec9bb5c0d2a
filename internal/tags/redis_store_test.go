package tags

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndAssign(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tagID, err := store.Create(ctx, "contracts (pending)")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if tagID == "" {
		t.Fatal("expected a tag id")
	}

	if err := store.Assign(ctx, "file-1", tagID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	has, err := store.Has(ctx, "file-1", tagID)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if !has {
		t.Fatal("expected file-1 to carry the tag")
	}
	has, err = store.Has(ctx, "file-2", tagID)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if has {
		t.Fatal("file-2 should not carry the tag")
	}
}

func TestCreateDuplicateName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "legal"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Create(ctx, "legal"); !errors.Is(err, ErrTagExists) {
		t.Fatalf("expected ErrTagExists, got %v", err)
	}
}

func TestUnknownTagOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Assign(ctx, "file-1", "tag_missing"); !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("Assign: expected ErrTagNotFound, got %v", err)
	}
	if err := store.Unassign(ctx, "file-1", "tag_missing"); !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("Unassign: expected ErrTagNotFound, got %v", err)
	}
	if _, err := store.Has(ctx, "file-1", "tag_missing"); !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("Has: expected ErrTagNotFound, got %v", err)
	}
	if _, err := store.FilesWithTag(ctx, "tag_missing"); !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("FilesWithTag: expected ErrTagNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "tag_missing"); !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("Delete: expected ErrTagNotFound, got %v", err)
	}
}

func TestUnassignAbsentAssignmentIsNoop(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tagID, err := store.Create(ctx, "budget (approved)")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Unassign(ctx, "file-1", tagID); err != nil {
		t.Fatalf("Unassign of absent assignment should succeed, got %v", err)
	}
}

func TestFilesWithTag(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tagID, err := store.Create(ctx, "hr (pending)")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for _, fileID := range []string{"file-1", "file-2", "file-3"} {
		if err := store.Assign(ctx, fileID, tagID); err != nil {
			t.Fatalf("Assign %s failed: %v", fileID, err)
		}
	}
	if err := store.Unassign(ctx, "file-2", tagID); err != nil {
		t.Fatalf("Unassign failed: %v", err)
	}

	fileIDs, err := store.FilesWithTag(ctx, tagID)
	if err != nil {
		t.Fatalf("FilesWithTag failed: %v", err)
	}
	if len(fileIDs) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(fileIDs), fileIDs)
	}
	seen := map[string]bool{}
	for _, fileID := range fileIDs {
		seen[fileID] = true
	}
	if !seen["file-1"] || !seen["file-3"] {
		t.Fatalf("unexpected file set: %v", fileIDs)
	}
}

func TestDeleteClearsAssignments(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tagID, err := store.Create(ctx, "ops (rejected)")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Assign(ctx, "file-1", tagID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := store.Delete(ctx, tagID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	// Name is free again after deletion.
	if _, err := store.Create(ctx, "ops (rejected)"); err != nil {
		t.Fatalf("Create after Delete failed: %v", err)
	}
}
