package procutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFileHoldsCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.pid")

	pf, err := WritePIDFile(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, pf.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWritePIDFileRefusesLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.pid")

	// The current process is the live holder
	pf, err := WritePIDFile(path)
	require.NoError(t, err)
	defer pf.Remove()

	_, err = WritePIDFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held by running process")
}

func TestWritePIDFileReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.pid")

	// A pid far above the kernel's pid_max cannot be alive
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", 1<<30)), 0o644))

	pf, err := WritePIDFile(path)
	require.NoError(t, err)
	defer pf.Remove()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))
}

func TestWritePIDFileReplacesMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.pid")

	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	pf, err := WritePIDFile(path)
	require.NoError(t, err)
	defer pf.Remove()
}
