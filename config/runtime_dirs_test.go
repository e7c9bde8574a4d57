package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-propel/config"
)

func TestNewRuntimeDirs(t *testing.T) {
	d, err := config.NewRuntimeDirs("/run/propel-test/")
	require.NoError(t, err)

	assert.Equal(t, "/run/propel-test", d.Base())
	assert.Equal(t, "/run/propel-test/lock", d.LockDir())
	assert.Equal(t, "/run/propel-test/db", d.DB())
	assert.Equal(t, "/run/propel-test/db/journal.db", d.DBPath())
	assert.Equal(t, "/run/propel-test/lock/inject-4242.lock", d.InjectLockPath(4242))
}

func TestNewRuntimeDirs_Invalid(t *testing.T) {
	_, err := config.NewRuntimeDirs("")
	assert.Error(t, err)
	_, err = config.NewRuntimeDirs("run/propel")
	assert.ErrorContains(t, err, "absolute")
}

func TestDefaultRuntimeDirs(t *testing.T) {
	assert.Equal(t, config.DefaultRuntimeBase, config.DefaultRuntimeDirs().Base())
}

func TestEnsureDirectories(t *testing.T) {
	d, err := config.NewRuntimeDirs(filepath.Join(t.TempDir(), "propel"))
	require.NoError(t, err)

	require.NoError(t, d.EnsureDirectories())
	require.NoError(t, d.EnsureDirectories(), "idempotent")

	for _, dir := range []string{d.Base(), d.DB(), d.LockDir()} {
		fi, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, fi.IsDir(), dir)
	}
	fi, err := os.Stat(d.LockDir())
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSticky)
}
