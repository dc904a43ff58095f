package cacheroot

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// CachePathEnv overrides the per-user cache folder.
	CachePathEnv = "PACKAGE_CACHE_PATH"

	// userFolderRel is the per-user cache folder relative to the home directory.
	userFolderRel = ".fhir/packages"

	windowsSystemFolder = `C:\ProgramData\.fhir\packages`
	unixSystemFolder    = "/var/lib/.fhir/packages"
)

// UserFolder returns the per-user cache folder: $PACKAGE_CACHE_PATH when
// set, otherwise ~/.fhir/packages.
func UserFolder() (string, error) {
	return UserFolderWith(os.Getenv, os.UserHomeDir)
}

// UserFolderWith resolves the per-user folder using the provided lookups.
// This enables testing without mutating process-global environment state.
func UserFolderWith(getenv func(string) string, homeDir func() (string, error)) (string, error) {
	if envPath := getenv(CachePathEnv); envPath != "" {
		return envPath, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, filepath.FromSlash(userFolderRel)), nil
}

// SystemFolder returns the per-system cache folder for this platform.
func SystemFolder() string {
	return systemFolderFor(runtime.GOOS)
}

func systemFolderFor(goos string) string {
	if goos == "windows" {
		return windowsSystemFolder
	}
	return unixSystemFolder
}
