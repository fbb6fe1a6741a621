package fsatomic

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileCreatesAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, WriteFile(path, []byte(`{"v":1}`), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	require.NoError(t, WriteFile(path, []byte(`{"v":2}`), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestWriteFileLeavesNoTempBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFile(path, []byte("x"), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestAcquireLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	lock, err := AcquireLock(path, time.Second)
	require.NoError(t, err)

	_, err = AcquireLock(path, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	require.NoError(t, lock.Release())

	lock2, err := AcquireLock(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestAcquireLockBreaksStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	lockPath := path + ".lock"

	require.NoError(t, os.WriteFile(lockPath, []byte("12345\n"), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	lock, err := AcquireLock(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestReleaseRemovesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	lock, err := AcquireLock(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}
