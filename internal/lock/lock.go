// Package lock provides a per-account advisory lock preventing two
// sync runs from reconciling the same account concurrently.
//
// The lock is an OS-level flock(2) on a file under the state
// directory. Ownership is tied to the process: if a run crashes, the
// kernel releases the lock, so a crashed run can never permanently
// block future runs.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Acquire when another process holds
// the lock for the same account. Acquire never blocks waiting.
var ErrAlreadyRunning = errors.New("a sync is already running for this account")

// Handle is a held account lock. Release it when the run ends, on
// every exit path.
type Handle struct {
	file *os.File
}

// Acquire takes the advisory lock for the given account, creating the
// lock file under dir if needed. It fails immediately with
// ErrAlreadyRunning when the lock is held elsewhere.
func Acquire(dir, account string) (*Handle, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, lockName(account))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("account %s: %w", account, ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	// The pid is informational only; flock ownership is what counts.
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Handle{file: f}, nil
}

// Release drops the lock. It is safe to call more than once.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	f := h.file
	h.file = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unlocking %s: %w", f.Name(), err)
	}
	return f.Close()
}

// lockName derives a filesystem-safe lock file name for an account.
func lockName(account string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, account)
	return safe + ".lock"
}
