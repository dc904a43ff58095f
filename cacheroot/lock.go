package cacheroot

import (
	"fmt"
	"path/filepath"
	"sync"

	packagecache "github.com/wolfeidau/package-cache"
)

// LockFileName is the zero-byte file every process locks before mutating
// the root. It is never deleted; the kernel drops the lock when the
// descriptor closes, including on crash.
const LockFileName = ".lock"

var (
	processLocksMu sync.Mutex
	processLocks   = map[string]*sync.Mutex{}
)

// processLock returns the in-process mutex for a root path. Managers in the
// same process that point at the same root share it.
func processLock(path string) *sync.Mutex {
	processLocksMu.Lock()
	defer processLocksMu.Unlock()
	mu, ok := processLocks[path]
	if !ok {
		mu = &sync.Mutex{}
		processLocks[path] = mu
	}
	return mu
}

// WithLock runs fn while holding the root's exclusive lock: first the
// process-wide mutex, then the cross-process file lock. It blocks without
// timeout and releases both on every exit path.
func (r *Root) WithLock(fn func() error) error {
	mu := processLock(r.path)
	mu.Lock()
	defer mu.Unlock()

	fl, err := acquireFileLock(filepath.Join(r.path, LockFileName))
	if err != nil {
		return fmt.Errorf("%w: acquiring root lock: %v", packagecache.ErrIO, err)
	}
	defer fl.release(r.logger)

	return fn()
}
