// Package cacheroot owns the on-disk cache directory: its cache-format
// version, the exclusive lock that brackets every mutation, and the
// enumeration of installed "name#version" entries.
package cacheroot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	packagecache "github.com/wolfeidau/package-cache"
)

const (
	// CurrentVersion is the cache-format version written by this release.
	// Caches recording any other version are wiped on open.
	CurrentVersion = 3

	// TempPrefix prefixes directories holding an in-flight extraction.
	TempPrefix = ".tmp-"

	// DiscardPrefix prefixes entries renamed out of the way before deletion.
	DiscardPrefix = ".del-"

	// staleTempAge is how old a temp directory must be before a purge
	// treats it as abandoned by a crashed process.
	staleTempAge = time.Hour
)

// Entry is an installed package directory.
type Entry struct {
	// Path is the absolute path of the entry directory.
	Path    string
	Name    string
	Version string
	// Size is the number of bytes held by regular files in the entry.
	Size int64
}

// Identity returns the package identity of the entry.
func (e Entry) Identity() packagecache.Identity {
	return packagecache.Identity{Name: e.Name, Version: e.Version}
}

// Root is one cache directory shared by any number of processes.
type Root struct {
	path            string
	expectedVersion int
	onWipe          func() error
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Root.
type Option func(*Root)

// WithLogger sets the logger for the root.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Root) {
		r.logger = logger
	}
}

// WithExpectedVersion overrides the cache-format version the root must carry.
func WithExpectedVersion(version int) Option {
	return func(r *Root) {
		r.expectedVersion = version
	}
}

// WithOnWipe registers a function run, under the root lock, after a
// version mismatch has purged the root.
func WithOnWipe(fn func() error) Option {
	return func(r *Root) {
		r.onWipe = fn
	}
}

// Open opens the cache root at path, creating it and its metadata file as
// needed. A root recording a different cache-format version is purged and
// re-stamped; this is a recovery action and is not reported as an error.
func Open(path string, opts ...Option) (*Root, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}

	r := &Root{
		path:            absPath,
		expectedVersion: CurrentVersion,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating cache root: %v", packagecache.ErrIO, err)
	}

	// Fast path: a matching version needs no lock.
	if version, err := readMetadata(r.MetadataPath()); err == nil && version == r.expectedVersion {
		return r, nil
	}

	err = r.WithLock(func() error {
		return r.validateLocked()
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// validateLocked re-reads the metadata under the lock, since another
// process may have repaired it while this one waited.
func (r *Root) validateLocked() error {
	version, err := readMetadata(r.MetadataPath())
	switch {
	case err == nil && version == r.expectedVersion:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		r.logger.Debug("initialising cache root", "path", r.path, "version", r.expectedVersion)
		return r.writeMetadataLocked()
	case err != nil && !errors.Is(err, errCorruptMetadata):
		return fmt.Errorf("%w: reading cache metadata: %v", packagecache.ErrIO, err)
	}

	mismatch := &versionMismatchError{found: version, expected: r.expectedVersion, cause: err}
	r.logger.Warn("cache format changed, purging cache root",
		"path", r.path,
		"reason", mismatch.Error(),
	)
	if err := r.PurgeLocked(); err != nil {
		return err
	}
	if r.onWipe != nil {
		if err := r.onWipe(); err != nil {
			r.logger.Warn("post-wipe hook failed", "path", r.path, "error", err)
		}
	}
	return r.writeMetadataLocked()
}

func (r *Root) writeMetadataLocked() error {
	if err := writeMetadata(r.MetadataPath(), r.expectedVersion); err != nil {
		return fmt.Errorf("%w: writing cache metadata: %v", packagecache.ErrIO, err)
	}
	return nil
}

// Path returns the absolute path of the cache root.
func (r *Root) Path() string {
	return r.path
}

// MetadataPath returns the path of the cache metadata file.
func (r *Root) MetadataPath() string {
	return filepath.Join(r.path, MetadataFileName)
}

// EntryPath returns the canonical directory path for id.
func (r *Root) EntryPath(id packagecache.Identity) string {
	return filepath.Join(r.path, id.DirName())
}

// Lookup reports whether id is installed. Markers are never found.
func (r *Root) Lookup(id packagecache.Identity) (Entry, bool, error) {
	if id.IsMarker() {
		return Entry{}, false, nil
	}
	path := r.EntryPath(id)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("%w: stat %s: %v", packagecache.ErrIO, id, err)
	}
	if !info.IsDir() {
		return Entry{}, false, nil
	}
	return Entry{Path: path, Name: id.Name, Version: id.Version}, true, nil
}

// Entries lists installed packages. Anything under the root that is not a
// "name#version" directory is ignored, as are entries that disappear while
// being sized.
func (r *Root) Entries() ([]Entry, error) {
	dirents, err := os.ReadDir(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading cache root: %v", packagecache.ErrIO, err)
	}

	var entries []Entry
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		id, ok := packagecache.ParseDirName(d.Name())
		if !ok {
			continue
		}
		path := filepath.Join(r.path, d.Name())
		size, err := DirSize(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: sizing %s: %v", packagecache.ErrIO, d.Name(), err)
		}
		entries = append(entries, Entry{Path: path, Name: id.Name, Version: id.Version, Size: size})
	}
	return entries, nil
}

// NewTempDir creates a uniquely named staging directory inside the root,
// on the same filesystem as the entries so publishing is a rename.
func (r *Root) NewTempDir() (string, error) {
	path := filepath.Join(r.path, TempPrefix+uuid.NewString())
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating temp dir: %v", packagecache.ErrIO, err)
	}
	return path, nil
}

// DiscardLocked removes a directory under the root by first renaming it to
// a discard name, so readers observe it vanish in one step. The caller
// must hold the root lock when path is a canonical entry.
func (r *Root) DiscardLocked(path string) error {
	tomb := filepath.Join(r.path, DiscardPrefix+uuid.NewString())
	if err := os.Rename(path, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: discarding %s: %v", packagecache.ErrIO, filepath.Base(path), err)
	}
	if err := os.RemoveAll(tomb); err != nil {
		// The entry is already gone from readers' view; the leftover is
		// swept by the next purge.
		r.logger.Warn("removing discarded directory", "path", tomb, "error", err)
	}
	return nil
}

// PurgeLocked deletes every installed entry, every discard leftover and any
// temp directory old enough to have been abandoned. The metadata file, the
// lock file and other plain files survive. The caller must hold the lock.
func (r *Root) PurgeLocked() error {
	dirents, err := os.ReadDir(r.path)
	if err != nil {
		return fmt.Errorf("%w: reading cache root: %v", packagecache.ErrIO, err)
	}

	var errs []error
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		path := filepath.Join(r.path, name)
		switch {
		case strings.HasPrefix(name, DiscardPrefix):
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, err)
			}
		case strings.HasPrefix(name, TempPrefix):
			if r.isStale(d) {
				if err := os.RemoveAll(path); err != nil {
					errs = append(errs, err)
				}
			}
		default:
			if _, ok := packagecache.ParseDirName(name); ok {
				if err := r.DiscardLocked(path); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: purging cache root: %v", packagecache.ErrIO, errors.Join(errs...))
	}
	return nil
}

func (r *Root) isStale(d fs.DirEntry) bool {
	info, err := d.Info()
	if err != nil {
		return false
	}
	return r.now().Sub(info.ModTime()) > staleTempAge
}

// DirSize returns the number of bytes held by regular files under path.
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

// versionMismatchError describes why a root is being purged. It never
// leaves this package.
type versionMismatchError struct {
	found    int
	expected int
	cause    error
}

func (e *versionMismatchError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("cache metadata unreadable (expected version %d): %v", e.expected, e.cause)
	}
	return fmt.Sprintf("cache version %d, expected %d", e.found, e.expected)
}
