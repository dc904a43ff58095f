// Package pkgdir installs package archives into a cache root and removes
// them again. An install extracts into a temp directory inside the root and
// publishes it with a single rename, so a "name#version" directory is either
// absent or complete.
package pkgdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	packagecache "github.com/wolfeidau/package-cache"
	"github.com/wolfeidau/package-cache/cacheroot"
	"github.com/wolfeidau/package-cache/materialize"
)

// Result describes a completed install.
type Result struct {
	// Entry is the installed entry, which may belong to another writer.
	Entry cacheroot.Entry
	// Digest is the BLAKE3 digest of the archive bytes this call consumed.
	Digest packagecache.Hash
	// ArchiveSize is the number of archive bytes this call consumed.
	ArchiveSize int64
	// Files is the number of regular files extracted by this call.
	Files int
	// Discarded is true when an entry already existed and this call's
	// extraction was thrown away.
	Discarded bool
}

// Codec installs into and removes from one cache root.
type Codec struct {
	root   *cacheroot.Root
	limits Limits
	logger *slog.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithLogger sets the logger for the codec.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) {
		c.logger = logger
	}
}

// WithLimits overrides DefaultLimits.
func WithLimits(limits Limits) Option {
	return func(c *Codec) {
		c.limits = limits
	}
}

// New creates a codec for root.
func New(root *cacheroot.Root, opts ...Option) *Codec {
	c := &Codec{
		root:   root,
		limits: DefaultLimits,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Install extracts the archive read from r and publishes it as id. If id is
// already installed the first writer wins: the new extraction is discarded
// and the existing entry returned. An archive must carry a parsable
// manifest. No canonical directory is left behind on failure and the temp
// directory is always removed.
func (c *Codec) Install(ctx context.Context, id packagecache.Identity, r io.Reader) (Result, error) {
	if id.IsMarker() {
		return Result{}, fmt.Errorf("%w: cannot install %s under a version marker", packagecache.ErrInvalidIdentity, id)
	}

	tmp, err := c.root.NewTempDir()
	if err != nil {
		return Result{}, err
	}
	published := false
	defer func() {
		if !published {
			if err := os.RemoveAll(tmp); err != nil {
				c.logger.Warn("removing temp dir", "path", tmp, "error", err)
			}
		}
	}()

	hr := packagecache.NewHashingReader(r)
	stats, err := c.extract(ctx, hr, tmp)
	if err != nil {
		return Result{}, fmt.Errorf("installing %s: %w", id, err)
	}
	if stats.Files == 0 {
		return Result{}, fmt.Errorf("installing %s: %w: archive holds no files", id, packagecache.ErrArchive)
	}
	// A published entry without a readable manifest could never be loaded.
	if _, err := materialize.ReadManifest(tmp); err != nil {
		return Result{}, fmt.Errorf("installing %s: %w", id, err)
	}
	// Consume trailing padding so the digest covers the whole archive.
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return Result{}, fmt.Errorf("installing %s: %w: reading archive: %v", id, packagecache.ErrArchive, err)
	}

	result := Result{
		Digest:      hr.Sum(),
		ArchiveSize: hr.BytesRead(),
		Files:       stats.Files,
	}

	target := c.root.EntryPath(id)
	err = c.root.WithLock(func() error {
		if _, err := os.Lstat(target); err == nil {
			result.Discarded = true
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: stat %s: %v", packagecache.ErrIO, id, err)
		}
		if err := os.Rename(tmp, target); err != nil {
			// Without a cross-process lock another writer can still get
			// there first; renaming onto a populated directory fails.
			if _, statErr := os.Lstat(target); statErr == nil {
				result.Discarded = true
				return nil
			}
			return fmt.Errorf("%w: publishing %s: %v", packagecache.ErrIO, id, err)
		}
		published = true
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("installing %s: %w", id, err)
	}

	result.Entry = cacheroot.Entry{Path: target, Name: id.Name, Version: id.Version}
	if size, err := cacheroot.DirSize(target); err == nil {
		result.Entry.Size = size
	}

	c.logger.Debug("installed package",
		"package", id.String(),
		"files", stats.Files,
		"bytes", stats.Bytes,
		"digest", result.Digest.ShortString(),
		"discarded", result.Discarded,
	)
	return result, nil
}

// Remove deletes the entry for id. It reports whether anything was
// deleted; a missing entry is not an error.
func (c *Codec) Remove(id packagecache.Identity) (bool, error) {
	if id.IsMarker() {
		return false, nil
	}
	removed := false
	err := c.root.WithLock(func() error {
		entry, ok, err := c.root.Lookup(id)
		if err != nil || !ok {
			return err
		}
		if err := c.root.DiscardLocked(entry.Path); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("removing %s: %w", id, err)
	}
	return removed, nil
}

// Clear deletes every installed entry. The metadata file survives.
func (c *Codec) Clear() error {
	if err := c.root.WithLock(c.root.PurgeLocked); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}
