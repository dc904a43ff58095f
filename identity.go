package packagecache

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// VersionLatest asks the registries for the most recent release.
	VersionLatest = "latest"

	// VersionCurrent asks the registries for the current (CI) build,
	// falling back to the latest release.
	VersionCurrent = "current"

	// dirSeparator separates name and version in a cache directory name.
	dirSeparator = "#"
)

// Identity names a requested package.
type Identity struct {
	Name    string
	Version string
}

// NewIdentity validates name and version and returns an Identity.
// An empty version is normalised to VersionLatest.
func NewIdentity(name, version string) (Identity, error) {
	id := Identity{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
	if id.Version == "" {
		id.Version = VersionLatest
	}
	if err := validToken(id.Name); err != nil {
		return Identity{}, fmt.Errorf("%w: name %q: %v", ErrInvalidIdentity, name, err)
	}
	if err := validToken(id.Version); err != nil {
		return Identity{}, fmt.Errorf("%w: version %q: %v", ErrInvalidIdentity, version, err)
	}
	return id, nil
}

// ParseReference parses "name#version", "name@version" or a bare name.
func ParseReference(ref string) (Identity, error) {
	ref = strings.TrimSpace(ref)
	if name, version, ok := strings.Cut(ref, dirSeparator); ok {
		return NewIdentity(name, version)
	}
	if i := strings.LastIndex(ref, "@"); i > 0 {
		return NewIdentity(ref[:i], ref[i+1:])
	}
	return NewIdentity(ref, "")
}

// IsMarker reports whether the version is a marker that must be resolved
// against a registry rather than looked up in the cache.
func (id Identity) IsMarker() bool {
	return IsVersionMarker(id.Version)
}

// DirName returns the canonical cache directory name "name#version".
func (id Identity) DirName() string {
	return id.Name + dirSeparator + id.Version
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.DirName()
}

// WithVersion returns a copy of the identity pinned to version.
func (id Identity) WithVersion(version string) Identity {
	id.Version = version
	return id
}

// IsVersionMarker reports whether v is "latest", "current" or empty.
func IsVersionMarker(v string) bool {
	switch strings.ToLower(v) {
	case "", VersionLatest, VersionCurrent:
		return true
	}
	return false
}

// ParseDirName is the inverse of Identity.DirName. It returns false for
// names that do not follow the canonical form, such as temp directories.
func ParseDirName(dir string) (Identity, bool) {
	name, version, ok := strings.Cut(dir, dirSeparator)
	if !ok || strings.Contains(version, dirSeparator) {
		return Identity{}, false
	}
	if validToken(name) != nil || validToken(version) != nil {
		return Identity{}, false
	}
	return Identity{Name: name, Version: version}, true
}

func validToken(s string) error {
	if s == "" {
		return fmt.Errorf("empty")
	}
	if strings.HasPrefix(s, ".") {
		return fmt.Errorf("leading dot")
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("contains whitespace")
		}
		switch r {
		case '#', '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return fmt.Errorf("contains %q", r)
		}
	}
	return nil
}
