//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package cacheroot

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock holds a blocking exclusive flock on the root's lock file.
type fileLock struct {
	file *os.File
}

// acquireFileLock opens (or creates) the lock file and blocks until the
// exclusive flock is granted.
func acquireFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &fileLock{file: f}, nil
}

// release unlocks and closes the descriptor. Safe to call more than once.
func (l *fileLock) release(logger *slog.Logger) {
	if l == nil || l.file == nil {
		return
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		logger.Debug("flock unlock failed", "error", err)
	}
	if err := l.file.Close(); err != nil {
		logger.Debug("lock file close failed", "error", err)
	}
	l.file = nil
}
