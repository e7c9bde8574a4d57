package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// RuntimeDirs holds the runtime paths shared by every instrumented
// process on the host:
//
//	{base}/             runtime root
//	{base}/lock/        per-pid injection locks
//	{base}/db/          journal database directory
//
// RuntimeDirs is immutable after construction. Use NewRuntimeDirs to
// create one.
type RuntimeDirs struct {
	base string
	lock string
	db   string
}

// DefaultRuntimeBase is the production runtime root.
const DefaultRuntimeBase = "/run/propel"

// DefaultRuntimeDirs returns RuntimeDirs rooted at DefaultRuntimeBase.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeBase)
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs returns RuntimeDirs rooted at base, which must be an
// absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base: base,
		lock: filepath.Join(base, "lock"),
		db:   filepath.Join(base, "db"),
	}, nil
}

func (d RuntimeDirs) Base() string { return d.base }

// LockDir returns the directory holding the injection locks.
func (d RuntimeDirs) LockDir() string { return d.lock }

func (d RuntimeDirs) DB() string { return d.db }

// DBPath returns the journal database file.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "journal.db")
}

// InjectLockPath returns the lock file serialising injection into pid.
func (d RuntimeDirs) InjectLockPath(pid int) string {
	return filepath.Join(d.lock, "inject-"+strconv.Itoa(pid)+".lock")
}

// EnsureDirectories creates the runtime directories. The lock
// directory is world-writable and sticky because instrumented
// processes of every user take locks in it.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(d.lock, 0o777); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.lock, err)
	}
	if err := os.Chmod(d.lock, 0o777|os.ModeSticky); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", d.lock, err)
	}
	return nil
}
