// Package settings owns the persisted user settings, the static app
// configuration, and the on-disk data directory layout.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
)

// containerSentinel marks a containerized deployment when the env var is
// not set.
const containerSentinel = "/.dockerenv"

// DataDir resolves the persistent data directory: an explicit DATA_DIR env
// var wins, then /app/data inside containers, then ./data.
func DataDir() string {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		return dir
	}
	if os.Getenv("AGENT_CONTAINER") != "" {
		return "/app/data"
	}
	if _, err := os.Stat(containerSentinel); err == nil {
		return "/app/data"
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "data"
	}
	return filepath.Join(cwd, "data")
}

// Paths bundles the well-known locations under the data directory.
type Paths struct {
	DataDir      string
	CookiesFile  string
	SettingsFile string
	CacheDir     string
	LogsDir      string
}

// ResolvePaths builds the layout rooted at dir.
func ResolvePaths(dir string) Paths {
	return Paths{
		DataDir:      dir,
		CookiesFile:  filepath.Join(dir, "cookies.jar"),
		SettingsFile: filepath.Join(dir, "settings.json"),
		CacheDir:     filepath.Join(dir, "cache"),
		LogsDir:      filepath.Join(dir, "logs"),
	}
}

// Ensure creates the directory layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.DataDir, p.CacheDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
