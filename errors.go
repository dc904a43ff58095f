package packagecache

import "errors"

var (
	// ErrIO is wrapped around filesystem failures in the cache root.
	ErrIO = errors.New("cache i/o error")

	// ErrArchive is returned when a package archive is corrupt, empty or unsafe.
	ErrArchive = errors.New("invalid package archive")

	// ErrNotCached is returned by cache-only loads when the package is not installed.
	ErrNotCached = errors.New("package not cached")

	// ErrAllRegistriesFailed matches the aggregate error returned when every
	// registry failed to resolve or fetch a package.
	ErrAllRegistriesFailed = errors.New("all registries failed")

	// ErrNoRegistries is returned when a fetch is attempted with an empty registry set.
	ErrNoRegistries = errors.New("no registries configured")

	// ErrInvalidIdentity is returned for malformed package names or versions.
	ErrInvalidIdentity = errors.New("invalid package identity")
)
