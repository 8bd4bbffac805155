package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	lockPath := filepath.Join(dir, LockFileName)
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("lock file not created: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}

	// Release is idempotent.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestAcquireReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("re-acquire after release failed: %v", err)
	}
	defer again.Release()
}

func TestLockErrorMessage(t *testing.T) {
	cause := errors.New("resource temporarily unavailable")
	err := &LockError{LockPath: "/tmp/state/loanagent.lock", Holder: "PID 42 (running)", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("LockError should unwrap to its cause")
	}
	msg := err.Error()
	if !strings.Contains(msg, "PID 42") || !strings.Contains(msg, "loanagent.lock") {
		t.Errorf("unhelpful error message: %s", msg)
	}
}
