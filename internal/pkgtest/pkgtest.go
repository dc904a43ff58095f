// Package pkgtest builds package archives for tests.
package pkgtest

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// Archive returns a gzip-compressed tar holding files, keyed by member path.
func Archive(t testing.TB, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, name := range names {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// Manifest returns a package.json body.
func Manifest(t testing.TB, name, version string, deps map[string]string) string {
	t.Helper()
	doc := map[string]any{
		"name":    name,
		"version": version,
	}
	if len(deps) > 0 {
		doc["dependencies"] = deps
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(data)
}

// Package returns an archive laid out like a published package: a
// package/package.json manifest plus the given extra members under package/.
func Package(t testing.TB, name, version string, extra map[string]string) []byte {
	t.Helper()
	files := map[string]string{
		"package/package.json": Manifest(t, name, version, nil),
	}
	for member, body := range extra {
		files["package/"+member] = body
	}
	return Archive(t, files)
}
