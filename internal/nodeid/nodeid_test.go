package nodeid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "node_id.json")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.NotEqual(t, first.String(), "")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), first.String())

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLoadOrCreateRecoversFromCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_id.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	nodeID, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.NotEqual(t, nodeID.String(), "")
}
