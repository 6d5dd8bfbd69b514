package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareCreatesCleanDirectory(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	dir, err := manager.Prepare("run-1")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	stale := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	dir2, err := manager.Prepare("run-1")
	if err != nil {
		t.Fatalf("second Prepare returned error: %v", err)
	}
	if dir2 != dir {
		t.Fatalf("expected stable path for run, got %q and %q", dir, dir2)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected Prepare to remove previous contents")
	}
}

func TestCleanupRefusesPathsOutsideRoot(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	outside := t.TempDir()
	if err := manager.Cleanup(outside); err == nil {
		t.Fatal("expected error cleaning a path outside the root")
	}
	if err := manager.Cleanup(""); err != nil {
		t.Fatalf("expected empty path cleanup to be a no-op, got %v", err)
	}
}

func TestCleanupByIDRemovesWorkspace(t *testing.T) {
	manager, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	dir, err := manager.Prepare("run-9")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if err := manager.CleanupByID("run-9"); err != nil {
		t.Fatalf("CleanupByID returned error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("expected workspace directory to be removed")
	}
}
