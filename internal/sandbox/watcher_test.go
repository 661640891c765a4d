package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStagingWatcherObservesWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := newStagingWatcher(dir)
	if err != nil {
		t.Fatalf("newStagingWatcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("2"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}

	// Give fsnotify time to deliver; stop flushes anything still debouncing.
	time.Sleep(400 * time.Millisecond)
	names := w.stop()

	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Errorf("observed = %v, want [a.txt b.txt]", names)
	}
}

func TestStagingWatcherStopWithNoWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := newStagingWatcher(dir)
	if err != nil {
		t.Fatalf("newStagingWatcher: %v", err)
	}
	if names := w.stop(); len(names) != 0 {
		t.Errorf("observed = %v, want none", names)
	}
}
