// Package materialize turns an installed cache entry into a queryable
// package handle.
//
// A full handle reads every member into memory when it is created and never
// touches the disk again. A lazy handle keeps only the manifest and the file
// index and reads member content from the entry on each access, so the
// entry must not be removed while a lazy handle is in use.
package materialize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	packagecache "github.com/wolfeidau/package-cache"
	"github.com/wolfeidau/package-cache/cacheroot"
)

// Mode selects how content is held.
type Mode int

const (
	// ModeFull loads every member into memory.
	ModeFull Mode = iota
	// ModeLazy reads members from disk on demand.
	ModeLazy
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeLazy:
		return "lazy"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ManifestCandidates are the entry-relative manifest locations, tried in
// order.
var ManifestCandidates = []string{"package/package.json", "package.json"}

// Manifest holds the manifest fields the cache understands.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	FHIRVersions []string          `json:"fhirVersions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	// Raw is the manifest document as stored.
	Raw json.RawMessage `json:"-"`
}

// Handle is a read-only view of one installed package.
type Handle struct {
	entry    cacheroot.Entry
	mode     Mode
	manifest Manifest
	files    []string
	contents map[string][]byte
}

// Materialize builds a handle for entry. The manifest and file index are
// read eagerly in both modes.
func Materialize(entry cacheroot.Entry, mode Mode) (*Handle, error) {
	files, err := index(entry.Path)
	if err != nil {
		return nil, err
	}

	h := &Handle{entry: entry, mode: mode, files: files}

	manifest, err := ReadManifest(entry.Path)
	if err != nil {
		return nil, err
	}
	h.manifest = manifest

	if mode == ModeFull {
		h.contents = make(map[string][]byte, len(files))
		for _, name := range files {
			data, err := os.ReadFile(filepath.Join(entry.Path, filepath.FromSlash(name)))
			if err != nil {
				return nil, entryErr(entry, err)
			}
			h.contents[name] = data
		}
	}
	return h, nil
}

// Identity returns the identity of the materialized entry.
func (h *Handle) Identity() packagecache.Identity {
	return h.entry.Identity()
}

// Manifest returns the parsed manifest.
func (h *Handle) Manifest() Manifest {
	return h.manifest
}

// Mode returns the materialization mode.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Dir returns the entry directory.
func (h *Handle) Dir() string {
	return h.entry.Path
}

// Files returns the slash-separated member paths, sorted.
func (h *Handle) Files() []string {
	out := make([]string, len(h.files))
	copy(out, h.files)
	return out
}

// Has reports whether name is a member.
func (h *Handle) Has(name string) bool {
	name = path.Clean(name)
	i := sort.SearchStrings(h.files, name)
	return i < len(h.files) && h.files[i] == name
}

// ReadFile returns the content of member name.
func (h *Handle) ReadFile(name string) ([]byte, error) {
	name = path.Clean(name)
	if !h.Has(name) {
		return nil, fmt.Errorf("%s: %s: %w", h.entry.Identity(), name, fs.ErrNotExist)
	}
	if h.mode == ModeFull {
		data := h.contents[name]
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	data, err := os.ReadFile(filepath.Join(h.entry.Path, filepath.FromSlash(name)))
	if err != nil {
		return nil, entryErr(h.entry, err)
	}
	return data, nil
}

// Open returns a reader over member name. The caller closes it.
func (h *Handle) Open(name string) (io.ReadCloser, error) {
	name = path.Clean(name)
	if !h.Has(name) {
		return nil, fmt.Errorf("%s: %s: %w", h.entry.Identity(), name, fs.ErrNotExist)
	}
	if h.mode == ModeFull {
		return io.NopCloser(bytes.NewReader(h.contents[name])), nil
	}
	f, err := os.Open(filepath.Join(h.entry.Path, filepath.FromSlash(name)))
	if err != nil {
		return nil, entryErr(h.entry, err)
	}
	return f, nil
}

func index(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, entryErr(cacheroot.Entry{Path: dir}, err)
	}
	sort.Strings(files)
	return files, nil
}

// ReadManifest reads the first manifest candidate present under dir. A
// directory with no manifest, or an unparsable one, is an ErrArchive.
func ReadManifest(dir string) (Manifest, error) {
	for _, candidate := range ManifestCandidates {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(candidate)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Manifest{}, entryErr(cacheroot.Entry{Path: dir}, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("%w: parsing %s: %v", packagecache.ErrArchive, candidate, err)
		}
		m.Raw = data
		return m, nil
	}
	// Every candidate is also missing when the whole entry was removed
	// after it was indexed.
	if _, err := os.Stat(dir); err != nil {
		return Manifest{}, entryErr(cacheroot.Entry{Path: dir}, err)
	}
	return Manifest{}, fmt.Errorf("%w: no manifest (%s)", packagecache.ErrArchive, strings.Join(ManifestCandidates, ", "))
}

// entryErr maps a vanished entry to ErrNotCached; anything else is ErrIO.
func entryErr(entry cacheroot.Entry, err error) error {
	name := filepath.Base(entry.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s disappeared: %v", packagecache.ErrNotCached, name, err)
	}
	return fmt.Errorf("%w: reading %s: %v", packagecache.ErrIO, name, err)
}
