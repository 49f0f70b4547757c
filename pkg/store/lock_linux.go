//go:build linux

package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flockLocker takes an exclusive advisory flock on a sidecar lock file next
// to the rules file. The lock file is never removed; flock releases on close.
type flockLocker struct {
	path string
	file *os.File
}

func newLocker(rulesPath string) locker {
	return &flockLocker{path: rulesPath + ".lock"}
}

func (l *flockLocker) Lock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

func (l *flockLocker) Unlock() {
	if l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
}
