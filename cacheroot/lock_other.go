//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package cacheroot

import (
	"fmt"
	"log/slog"
	"os"
)

// fileLock on platforms without flock only materialises the lock file;
// mutual exclusion comes from the in-process mutex alone, so separate
// processes sharing a root are not serialized here.
type fileLock struct{}

func acquireFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	_ = f.Close()
	return &fileLock{}, nil
}

func (l *fileLock) release(*slog.Logger) {}
