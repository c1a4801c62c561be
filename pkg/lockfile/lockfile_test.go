package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data[:len(data)-1]))

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireFailsWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	lock, err := Acquire(path)
	require.NoError(t, err)
	defer lock.Release()

	_, err = Acquire(path)
	assert.Error(t, err)
}

func TestAcquireClearsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	// A pid this large is exceedingly unlikely to be alive.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0644))

	lock, err := Acquire(path)
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data[:len(data)-1]))
}

func TestReleaseNilLockIsNoop(t *testing.T) {
	var lock *Lock
	assert.NoError(t, lock.Release())
}
