// Package workspace defines the on-disk layout: one shared backend database
// and blob directory, plus a directory per local profile.
package workspace

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory.
const EnvHome = "SIMPLECHAT_HOME"

// Layout resolves paths below Base.
type Layout struct {
	Base string
}

// Default returns the layout rooted at $SIMPLECHAT_HOME or ~/.simplechat.
func Default() Layout {
	if dir := os.Getenv(EnvHome); dir != "" {
		return Layout{Base: dir}
	}
	home, _ := os.UserHomeDir()
	return Layout{Base: filepath.Join(home, ".simplechat")}
}

// ProfileDir returns the profile-specific directory.
func (l Layout) ProfileDir(name string) string {
	return filepath.Join(l.Base, "profiles", name)
}

// DBPath returns the embedded backend database, shared by every profile.
func (l Layout) DBPath() string {
	return filepath.Join(l.Base, "backend.db")
}

// BlobDir returns the root of the blob buckets.
func (l Layout) BlobDir() string {
	return filepath.Join(l.Base, "blobs")
}

// LockPath returns the lock file path for a profile.
func (l Layout) LockPath(name string) string {
	return filepath.Join(l.ProfileDir(name), "LOCK")
}

// LogDir returns the log directory for a profile.
func (l Layout) LogDir(name string) string {
	return filepath.Join(l.ProfileDir(name), "logs")
}

// LogPath returns the log file path for a profile.
func (l Layout) LogPath(name string) string {
	return filepath.Join(l.LogDir(name), "chatctl.log")
}

// ConfigPath returns the profile config file path.
func (l Layout) ConfigPath(name string) string {
	return filepath.Join(l.ProfileDir(name), "config.toml")
}

// GlobalConfigPath returns the global config file path.
func (l Layout) GlobalConfigPath() string {
	return filepath.Join(l.Base, "config.toml")
}

// EnvPath returns the optional .env file path.
func (l Layout) EnvPath() string {
	return filepath.Join(l.Base, ".env")
}

// EnsureDir creates the profile directory tree with proper permissions.
func (l Layout) EnsureDir(name string) error {
	dirs := []string{
		l.Base,
		l.BlobDir(),
		l.ProfileDir(name),
		l.LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
