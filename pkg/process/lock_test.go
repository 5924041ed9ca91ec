package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "msu.lock")

	first, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	assert.ErrorIs(t, err, ErrLocked)

	first.Release()
	second, err := AcquireLock(path)
	require.NoError(t, err)
	second.Release()
}

func TestLockReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msu.lock")
	lock, err := AcquireLock(path)
	require.NoError(t, err)
	lock.Release()
	lock.Release()
	assert.NoFileExists(t, path)
}

func TestStopSentinelLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stop_requested")

	assert.False(t, StopRequested(path))
	require.NoError(t, RequestStop(path))
	assert.True(t, StopRequested(path))
	ClearStopRequest(path)
	assert.False(t, StopRequested(path))

	// Clearing an absent sentinel is not an error.
	ClearStopRequest(path)
}

func TestInstallAtLogoutFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install_at_logout")

	SetInstallAtLogout(path, true)
	_, err := os.Stat(path)
	assert.NoError(t, err)

	SetInstallAtLogout(path, false)
	assert.NoFileExists(t, path)

	SetInstallAtLogout(path, false)
}
