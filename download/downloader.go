// Package download provides singleflight-based deduplication for concurrent
// package loads. When several goroutines ask one manager for the same
// uncached package, only one resolve, fetch and install is performed.
package download

import (
	"context"
	"errors"
	"log/slog"

	packagecache "github.com/wolfeidau/package-cache"
	"github.com/wolfeidau/package-cache/cacheroot"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a fetch-and-install.
type Result struct {
	Entry cacheroot.Entry
	// Digest and ArchiveSize describe the archive that was fetched.
	Digest      packagecache.Hash
	ArchiveSize int64
	// Registry is the base URL of the registry that supplied the archive.
	Registry string
	// Discarded is true when another writer installed the entry first.
	Discarded bool
}

// DownloadFunc resolves, fetches and installs a package.
// The context passed to DownloadFunc is detached from any single caller so
// that one caller timing out does not cancel the work for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same package key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight download for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent downloads for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the download completes, Do returns
// the context error but the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("shared in-flight download", "key", key)
		}
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to start a fresh download instead of joining the in-flight one.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError calls Forget if err is a real download failure rather than
// the caller's own context expiring.
func ForgetOnError(d *Downloader, key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
