package cacheroot

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	packagecache "github.com/wolfeidau/package-cache"
)

// installFake creates a canonical entry directory containing one file.
func installFake(t *testing.T, root string, dirName string) {
	t.Helper()
	dir := filepath.Join(root, dirName, "package")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"x"}`), 0o644))
}

func TestOpenCreatesRootAndMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "packages")

	r, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, path, r.Path())

	version, err := readMetadata(r.MetadataPath())
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, version)

	data, err := os.ReadFile(r.MetadataPath())
	require.NoError(t, err)
	require.Contains(t, string(data), "[cache]")

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOpenVersionHandling(t *testing.T) {
	tests := []struct {
		name        string
		recorded    string
		wantSurvive bool
	}{
		{name: "matching version", recorded: "[cache]\nversion = 3\n", wantSurvive: true},
		{name: "ini style matching version", recorded: "[cache]\nversion=3\n", wantSurvive: true},
		{name: "older version", recorded: "[cache]\nversion = 2\n", wantSurvive: false},
		{name: "newer version", recorded: "[cache]\nversion = 4\n", wantSurvive: false},
		{name: "unreadable metadata", recorded: "[packages]\nhl7.fhir.r4.core#4.0.1 = x\n", wantSurvive: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := t.TempDir()
			installFake(t, path, "hl7.fhir.r4.core#4.0.1")
			require.NoError(t, os.WriteFile(filepath.Join(path, MetadataFileName), []byte(tt.recorded), 0o644))

			wiped := false
			r, err := Open(path, WithOnWipe(func() error {
				wiped = true
				return nil
			}))
			require.NoError(t, err)

			entries, err := r.Entries()
			require.NoError(t, err)

			version, err := readMetadata(r.MetadataPath())
			require.NoError(t, err)
			require.Equal(t, CurrentVersion, version)

			if tt.wantSurvive {
				require.Len(t, entries, 1)
				require.False(t, wiped)
			} else {
				require.Empty(t, entries)
				require.True(t, wiped)
				// the directory itself is kept
				_, err := os.Stat(path)
				require.NoError(t, err)
			}
		})
	}
}

func TestOpenWithExpectedVersionOverride(t *testing.T) {
	path := t.TempDir()

	r, err := Open(path)
	require.NoError(t, err)
	installFake(t, path, "a.b#1.0.0")

	// same expected version keeps the package
	r, err = Open(path)
	require.NoError(t, err)
	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// a release expecting version 7 purges it
	r, err = Open(path, WithExpectedVersion(7))
	require.NoError(t, err)
	entries, err = r.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)

	version, err := readMetadata(r.MetadataPath())
	require.NoError(t, err)
	require.Equal(t, 7, version)
}

func TestEntriesIgnoresNonCanonical(t *testing.T) {
	path := t.TempDir()
	r, err := Open(path)
	require.NoError(t, err)

	installFake(t, path, "hl7.fhir.r4.core#4.0.1")
	installFake(t, path, "hl7.terminology#5.0.0")
	require.NoError(t, os.Mkdir(filepath.Join(path, TempPrefix+"abc"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(path, "not-a-package"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "stray#1.0"), []byte("file, not dir"), 0o644))

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "hl7.fhir.r4.core", entries[0].Name)
	require.Equal(t, "4.0.1", entries[0].Version)
	require.Equal(t, int64(len(`{"name":"x"}`)), entries[0].Size)
	require.Equal(t, filepath.Join(path, "hl7.fhir.r4.core#4.0.1"), entries[0].Path)
}

func TestLookup(t *testing.T) {
	path := t.TempDir()
	r, err := Open(path)
	require.NoError(t, err)
	installFake(t, path, "a.b#1.0.0")

	entry, ok, err := r.Lookup(packagecache.Identity{Name: "a.b", Version: "1.0.0"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, filepath.Join(path, "a.b#1.0.0"), entry.Path)

	_, ok, err = r.Lookup(packagecache.Identity{Name: "a.b", Version: "2.0.0"})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = r.Lookup(packagecache.Identity{Name: "a.b", Version: packagecache.VersionLatest})
	require.NoError(t, err)
	require.False(t, ok, "markers are never cache hits")
}

func TestPurgeLocked(t *testing.T) {
	path := t.TempDir()
	r, err := Open(path)
	require.NoError(t, err)

	installFake(t, path, "a.b#1.0.0")
	freshTemp := filepath.Join(path, TempPrefix+"fresh")
	staleTemp := filepath.Join(path, TempPrefix+"stale")
	leftover := filepath.Join(path, DiscardPrefix+"old")
	for _, dir := range []string{freshTemp, staleTemp, leftover} {
		require.NoError(t, os.Mkdir(dir, 0o755))
	}
	old := time.Now().Add(-2 * staleTempAge)
	require.NoError(t, os.Chtimes(staleTemp, old, old))

	require.NoError(t, r.WithLock(r.PurgeLocked))

	_, err = os.Stat(freshTemp)
	require.NoError(t, err, "in-flight temp dirs belong to live installs")
	_, err = os.Stat(staleTemp)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(leftover)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(r.MetadataPath())
	require.NoError(t, err)

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDiscardLockedMissingIsNoop(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, r.WithLock(func() error {
		return r.DiscardLocked(filepath.Join(r.Path(), "missing#1.0"))
	}))
}

func TestWithLockSerializes(t *testing.T) {
	path := t.TempDir()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each goroutine opens its own Root, as separate managers would
			r, err := Open(path)
			require.NoError(t, err)
			require.NoError(t, r.WithLock(func() error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			}))
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxSeen.Load())
}

func TestWithLockReleasesOnError(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)

	boom := os.ErrPermission
	require.ErrorIs(t, r.WithLock(func() error { return boom }), boom)

	done := make(chan struct{})
	go func() {
		_ = r.WithLock(func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock was not released after an error")
	}
}
