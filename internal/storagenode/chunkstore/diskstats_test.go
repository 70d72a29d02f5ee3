//go:build !windows

package chunkstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskStatsReportsPositiveCapacity(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chunks"), filepath.Join(dir, "index.json"))
	require.NoError(t, err)

	capacityBytes, usedBytes, err := store.DiskStats()
	require.NoError(t, err)
	require.Greater(t, capacityBytes, int64(0))
	require.GreaterOrEqual(t, usedBytes, int64(0))
	require.LessOrEqual(t, usedBytes, capacityBytes)
}
