package cacheroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// MetadataFileName is the cache metadata file at the top of the root.
// Its "[cache] version = N" body is both valid INI and valid TOML.
const MetadataFileName = "packages.ini"

var errCorruptMetadata = errors.New("corrupt cache metadata")

type metadataFile struct {
	Cache cacheSection `toml:"cache"`
}

type cacheSection struct {
	Version int `toml:"version"`
}

// readMetadata returns the recorded cache-format version. A missing file
// yields an fs.ErrNotExist error; an unparsable one yields errCorruptMetadata.
func readMetadata(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var meta metadataFile
	if err := toml.Unmarshal(data, &meta); err != nil {
		return 0, fmt.Errorf("%w: %v", errCorruptMetadata, err)
	}
	if meta.Cache.Version == 0 {
		return 0, fmt.Errorf("%w: no [cache] version", errCorruptMetadata)
	}
	return meta.Cache.Version, nil
}

// writeMetadata replaces the metadata file atomically using a temp file and
// rename, so concurrent readers see either the old or the new version.
func writeMetadata(path string, version int) error {
	data, err := toml.Marshal(metadataFile{Cache: cacheSection{Version: version}})
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-meta-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
