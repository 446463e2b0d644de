package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
)

func TestRunFailsWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "vmbackup.lock")

	holder := flock.New(lockPath)
	locked, err := holder.TryLock()
	if err != nil || !locked {
		t.Fatalf("failed to pre-acquire lock: locked=%v err=%v", locked, err)
	}
	defer holder.Unlock()

	err = Run(context.Background(), nil, nil, Options{BackupDir: dir, LockPath: lockPath})
	if err == nil {
		t.Fatal("expected an error when the lock is already held")
	}
	if _, ok := err.(*LockError); !ok {
		t.Errorf("error = %v (%T), want *LockError", err, err)
	}
}

func TestRunWithNoTargetsSucceeds(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "vmbackup.lock")

	err := Run(context.Background(), nil, nil, Options{BackupDir: dir, LockPath: lockPath})
	if err != nil {
		t.Fatalf("Run with no targets: %v", err)
	}
}
