// Package packagecache holds the vocabulary shared by the package cache
// components: package identities and their "name#version" directory form,
// BLAKE3 archive digests, and the error taxonomy.
//
// The cache itself is assembled by the manager package from cacheroot
// (on-disk root, format version, locking), pkgdir (atomic installs),
// registry (ordered registry fallback) and materialize (package handles).
package packagecache
