package pkgdir

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	packagecache "github.com/wolfeidau/package-cache"
)

// Limits bounds what a single archive may expand to.
type Limits struct {
	// MaxFiles is the maximum number of archive members.
	MaxFiles int
	// MaxFileSize is the maximum size of a single regular file.
	MaxFileSize int64
	// MaxTotalSize is the maximum sum of regular file sizes.
	MaxTotalSize int64
}

// DefaultLimits fit the largest published packages with a wide margin.
var DefaultLimits = Limits{
	MaxFiles:     200_000,
	MaxFileSize:  512 << 20,
	MaxTotalSize: 4 << 30,
}

// extractStats summarises an extraction.
type extractStats struct {
	Files int
	Bytes int64
}

var gzipMagic = []byte{0x1f, 0x8b}

// extract expands a gzip-compressed (or plain) tar stream into dir.
func (c *Codec) extract(ctx context.Context, r io.Reader, dir string) (extractStats, error) {
	var stats extractStats

	br := bufio.NewReader(r)
	head, err := br.Peek(len(gzipMagic))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return stats, fmt.Errorf("%w: empty stream", packagecache.ErrArchive)
		}
		return stats, fmt.Errorf("%w: reading archive: %v", packagecache.ErrArchive, err)
	}

	var src io.Reader = br
	if head[0] == gzipMagic[0] && head[1] == gzipMagic[1] {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return stats, fmt.Errorf("%w: gzip header: %v", packagecache.ErrArchive, err)
		}
		defer func() { _ = zr.Close() }()
		src = zr
	}

	rootAbs, err := filepath.Abs(dir)
	if err != nil {
		return stats, fmt.Errorf("%w: resolving temp dir: %v", packagecache.ErrIO, err)
	}

	tr := tar.NewReader(src)
	members := 0
	for {
		if err := isDone(ctx); err != nil {
			return stats, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("%w: reading tar entry: %v", packagecache.ErrArchive, err)
		}

		members++
		if c.limits.MaxFiles > 0 && members > c.limits.MaxFiles {
			return stats, fmt.Errorf("%w: more than %d members", packagecache.ErrArchive, c.limits.MaxFiles)
		}

		target, err := memberPath(rootAbs, hdr.Name)
		if err != nil {
			return stats, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stats, fmt.Errorf("%w: creating directory %s: %v", packagecache.ErrIO, hdr.Name, err)
			}
		case tar.TypeReg:
			if c.limits.MaxFileSize > 0 && hdr.Size > c.limits.MaxFileSize {
				return stats, fmt.Errorf("%w: %s exceeds %d bytes", packagecache.ErrArchive, hdr.Name, c.limits.MaxFileSize)
			}
			if c.limits.MaxTotalSize > 0 && stats.Bytes+hdr.Size > c.limits.MaxTotalSize {
				return stats, fmt.Errorf("%w: archive expands beyond %d bytes", packagecache.ErrArchive, c.limits.MaxTotalSize)
			}
			n, err := writeMember(tr, target)
			if err != nil {
				return stats, fmt.Errorf("%s: %w", hdr.Name, err)
			}
			stats.Files++
			stats.Bytes += n
		default:
			// Links, devices and pax/global headers carry nothing a
			// package needs.
			c.logger.Debug("skipping archive member", "name", hdr.Name, "type", string(hdr.Typeflag))
		}
	}

	// Reading the decompressor to EOF verifies the gzip CRC and length
	// trailer; tar stops at its end-of-archive blocks before reaching it.
	if _, err := io.Copy(io.Discard, src); err != nil {
		return stats, fmt.Errorf("%w: reading archive trailer: %v", packagecache.ErrArchive, err)
	}

	return stats, nil
}

// memberPath maps an archive member name to a path inside rootAbs, rejecting
// absolute names and anything that would escape the directory.
func memberPath(rootAbs, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." || clean == "/" {
		return rootAbs, nil
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: path escapes package directory: %s", packagecache.ErrArchive, name)
	}

	full := filepath.Join(rootAbs, filepath.FromSlash(clean))
	if !strings.HasPrefix(full, rootAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path escapes package directory: %s", packagecache.ErrArchive, name)
	}
	return full, nil
}

func writeMember(r io.Reader, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("%w: creating parent directory: %v", packagecache.ErrIO, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: creating file: %v", packagecache.ErrIO, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		// A short read from the tar stream means a truncated archive.
		return n, fmt.Errorf("%w: writing file content: %v", packagecache.ErrArchive, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("%w: closing file: %v", packagecache.ErrIO, err)
	}
	return n, nil
}

// isDone returns a wrapped context cancellation error if ctx is done.
func isDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("extraction canceled: %w", ctx.Err())
	default:
		return nil
	}
}
