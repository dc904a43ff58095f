package pkgdir

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	packagecache "github.com/wolfeidau/package-cache"
	"github.com/wolfeidau/package-cache/cacheroot"
	"github.com/wolfeidau/package-cache/internal/pkgtest"
)

func newTestCodec(t *testing.T, opts ...Option) (*Codec, *cacheroot.Root) {
	t.Helper()
	root, err := cacheroot.Open(t.TempDir())
	require.NoError(t, err)
	return New(root, opts...), root
}

// tempDirs lists staging directories left in the root.
func tempDirs(t *testing.T, root *cacheroot.Root) []string {
	t.Helper()
	dirents, err := os.ReadDir(root.Path())
	require.NoError(t, err)
	var out []string
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), cacheroot.TempPrefix) || strings.HasPrefix(d.Name(), cacheroot.DiscardPrefix) {
			if d.IsDir() {
				out = append(out, d.Name())
			}
		}
	}
	return out
}

func TestInstall(t *testing.T) {
	c, root := newTestCodec(t)
	id := packagecache.Identity{Name: "hl7.fhir.r4.core", Version: "4.0.1"}
	archive := pkgtest.Package(t, id.Name, id.Version, map[string]string{
		"StructureDefinition-Patient.json": `{"resourceType":"StructureDefinition"}`,
	})

	res, err := c.Install(context.Background(), id, bytes.NewReader(archive))
	require.NoError(t, err)
	require.False(t, res.Discarded)
	require.Equal(t, 2, res.Files)
	require.Equal(t, int64(len(archive)), res.ArchiveSize)
	require.Equal(t, packagecache.HashBytes(archive), res.Digest)
	require.Equal(t, filepath.Join(root.Path(), "hl7.fhir.r4.core#4.0.1"), res.Entry.Path)
	require.Positive(t, res.Entry.Size)

	data, err := os.ReadFile(filepath.Join(res.Entry.Path, "package", "StructureDefinition-Patient.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "StructureDefinition")

	require.Empty(t, tempDirs(t, root))
}

func TestInstallFirstWriterWins(t *testing.T) {
	c, root := newTestCodec(t)
	id := packagecache.Identity{Name: "a.b", Version: "1.0.0"}

	first := pkgtest.Package(t, id.Name, id.Version, map[string]string{"which.txt": "first"})
	second := pkgtest.Package(t, id.Name, id.Version, map[string]string{"which.txt": "second"})

	res, err := c.Install(context.Background(), id, bytes.NewReader(first))
	require.NoError(t, err)
	require.False(t, res.Discarded)

	res, err = c.Install(context.Background(), id, bytes.NewReader(second))
	require.NoError(t, err)
	require.True(t, res.Discarded)

	data, err := os.ReadFile(filepath.Join(res.Entry.Path, "package", "which.txt"))
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
	require.Empty(t, tempDirs(t, root))
}

func TestInstallConcurrentSameIdentity(t *testing.T) {
	c, root := newTestCodec(t)
	id := packagecache.Identity{Name: "a.b", Version: "1.0.0"}

	// Two distinct payloads with many files each, so a mix would be visible.
	payload := func(tag string) []byte {
		extra := map[string]string{}
		for i := range 50 {
			extra[filepath.ToSlash(filepath.Join("files", string(rune('a'+i%26))+strings.Repeat("x", i)+".txt"))] = tag
		}
		return pkgtest.Package(t, id.Name, id.Version, extra)
	}
	streams := [][]byte{payload("one"), payload("two")}

	var wg sync.WaitGroup
	results := make([]Result, len(streams))
	errs := make([]error, len(streams))
	for i, s := range streams {
		wg.Add(1)
		go func(i int, s []byte) {
			defer wg.Done()
			results[i], errs[i] = c.Install(context.Background(), id, bytes.NewReader(s))
		}(i, s)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotEqual(t, results[0].Discarded, results[1].Discarded, "exactly one writer wins")

	entries, err := root.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// every member carries the same tag
	var tag string
	err = filepath.WalkDir(filepath.Join(entries[0].Path, "package", "files"), func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		if tag == "" {
			tag = string(data)
		}
		require.Equal(t, tag, string(data))
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, []string{"one", "two"}, tag)
	require.Empty(t, tempDirs(t, root))
}

func TestInstallRejectsBadArchives(t *testing.T) {
	traversal := pkgtest.Archive(t, map[string]string{"../evil.txt": "x"})
	absolute := pkgtest.Archive(t, map[string]string{"/etc/evil": "x"})

	var emptyTar bytes.Buffer
	zw := gzip.NewWriter(&emptyTar)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "package/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	truncated := pkgtest.Package(t, "a.b", "1.0.0", map[string]string{"big.txt": strings.Repeat("z", 64<<10)})
	truncated = truncated[:len(truncated)/2]

	// The gzip trailer is CRC32 then ISIZE, eight bytes in all.
	badCRC := pkgtest.Package(t, "a.b", "1.0.0", map[string]string{"content.json": "{}"})
	badCRC[len(badCRC)-8] ^= 0xff

	noManifest := pkgtest.Archive(t, map[string]string{"package/readme.md": "# a.b"})
	badManifest := pkgtest.Archive(t, map[string]string{"package/package.json": "{not json"})

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty stream", data: nil},
		{name: "garbage", data: bytes.Repeat([]byte("not an archive "), 100)},
		{name: "bad gzip", data: append([]byte{0x1f, 0x8b}, []byte("nope")...)},
		{name: "path traversal", data: traversal},
		{name: "absolute path", data: absolute},
		{name: "no files", data: emptyTar.Bytes()},
		{name: "truncated", data: truncated},
		{name: "gzip checksum mismatch", data: badCRC},
		{name: "no manifest", data: noManifest},
		{name: "unparsable manifest", data: badManifest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, root := newTestCodec(t)
			id := packagecache.Identity{Name: "a.b", Version: "1.0.0"}

			_, err := c.Install(context.Background(), id, bytes.NewReader(tt.data))
			require.ErrorIs(t, err, packagecache.ErrArchive)

			_, ok, err := root.Lookup(id)
			require.NoError(t, err)
			require.False(t, ok, "no canonical directory after a failed install")
			require.Empty(t, tempDirs(t, root))

			// the codec remains usable
			_, err = c.Install(context.Background(), id, bytes.NewReader(pkgtest.Package(t, id.Name, id.Version, nil)))
			require.NoError(t, err)
		})
	}
}

func TestInstallLimits(t *testing.T) {
	c, _ := newTestCodec(t, WithLimits(Limits{MaxFiles: 2, MaxFileSize: 10, MaxTotalSize: 15}))
	id := packagecache.Identity{Name: "a.b", Version: "1.0.0"}

	_, err := c.Install(context.Background(), id, bytes.NewReader(pkgtest.Archive(t, map[string]string{"a": strings.Repeat("x", 11)})))
	require.ErrorIs(t, err, packagecache.ErrArchive)

	_, err = c.Install(context.Background(), id, bytes.NewReader(pkgtest.Archive(t, map[string]string{"a": "1", "b": "2", "c": "3"})))
	require.ErrorIs(t, err, packagecache.ErrArchive)

	_, err = c.Install(context.Background(), id, bytes.NewReader(pkgtest.Archive(t, map[string]string{"a": strings.Repeat("x", 8), "b": strings.Repeat("y", 8)})))
	require.ErrorIs(t, err, packagecache.ErrArchive)
}

func TestInstallRejectsMarkers(t *testing.T) {
	c, _ := newTestCodec(t)
	_, err := c.Install(context.Background(), packagecache.Identity{Name: "a.b", Version: "latest"}, bytes.NewReader(nil))
	require.ErrorIs(t, err, packagecache.ErrInvalidIdentity)
}

func TestInstallCanceled(t *testing.T) {
	c, root := newTestCodec(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := packagecache.Identity{Name: "a.b", Version: "1.0.0"}
	_, err := c.Install(ctx, id, bytes.NewReader(pkgtest.Package(t, id.Name, id.Version, nil)))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, tempDirs(t, root))
}

func TestRemove(t *testing.T) {
	c, root := newTestCodec(t)
	id := packagecache.Identity{Name: "a.b", Version: "1.0.0"}

	removed, err := c.Remove(id)
	require.NoError(t, err)
	require.False(t, removed, "absence is not an error")

	_, err = c.Install(context.Background(), id, bytes.NewReader(pkgtest.Package(t, id.Name, id.Version, nil)))
	require.NoError(t, err)

	removed, err = c.Remove(id)
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err := root.Lookup(id)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, tempDirs(t, root))
}

func TestClear(t *testing.T) {
	c, root := newTestCodec(t)
	for _, v := range []string{"1.0.0", "2.0.0", "3.0.0"} {
		id := packagecache.Identity{Name: "a.b", Version: v}
		_, err := c.Install(context.Background(), id, bytes.NewReader(pkgtest.Package(t, id.Name, id.Version, nil)))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root.Path(), "notes.txt"), []byte("keep"), 0o644))

	require.NoError(t, c.Clear())

	entries, err := root.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = os.Stat(root.MetadataPath())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root.Path(), "notes.txt"))
	require.NoError(t, err)
}

func TestMemberPath(t *testing.T) {
	root := filepath.FromSlash("/cache/.tmp-1")

	got, err := memberPath(root, "./package/package.json")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "package", "package.json"), got)

	got, err = memberPath(root, "package/a/../b.json")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "package", "b.json"), got)

	for _, bad := range []string{"../x", "/abs", "package/../../x", `..\x`} {
		_, err := memberPath(root, bad)
		require.ErrorIs(t, err, packagecache.ErrArchive, bad)
	}
}
