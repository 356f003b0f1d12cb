package lock

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	h, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("acquiring lock: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("releasing lock: %v", err)
	}

	// Release is idempotent.
	if err := h.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// Reacquirable after release.
	h2, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("reacquiring lock: %v", err)
	}
	defer h2.Release()
}

func TestDistinctAccountsDoNotContend(t *testing.T) {
	dir := t.TempDir()

	h1, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("acquiring work: %v", err)
	}
	defer h1.Release()

	h2, err := Acquire(dir, "personal")
	if err != nil {
		t.Fatalf("acquiring personal: %v", err)
	}
	defer h2.Release()
}

// TestContentionAcrossProcesses re-runs the test binary as a child
// process that tries to take the already-held lock. flock(2) locks do
// not contend within a single process, so the contention check has to
// cross a process boundary.
func TestContentionAcrossProcesses(t *testing.T) {
	if os.Getenv("LOCK_TEST_CHILD") == "1" {
		dir := os.Getenv("LOCK_TEST_DIR")
		_, err := Acquire(dir, "work")
		if errors.Is(err, ErrAlreadyRunning) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	dir := t.TempDir()
	h, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("acquiring lock: %v", err)
	}
	defer h.Release()

	cmd := exec.Command(os.Args[0], "-test.run", "TestContentionAcrossProcesses")
	cmd.Env = append(os.Environ(), "LOCK_TEST_CHILD=1", "LOCK_TEST_DIR="+dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("child did not observe ErrAlreadyRunning: %v\n%s", err, out)
	}
}

func TestLockNameSanitizesAccount(t *testing.T) {
	dir := t.TempDir()

	h, err := Acquire(dir, "me@example.org/work")
	if err != nil {
		t.Fatalf("acquiring lock: %v", err)
	}
	defer h.Release()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("listing lock dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 lock file, got %d", len(entries))
	}
	name := entries[0].Name()
	if filepath.Base(name) != name || name != "me_example.org_work.lock" {
		t.Fatalf("unexpected lock file name %q", name)
	}
}
