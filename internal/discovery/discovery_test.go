package discovery

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheUpdateAndGet(t *testing.T) {
	cache := NewCache(filepath.Join(t.TempDir(), "peer_cache.json"))

	require.Empty(t, cache.Get("controller", 8000))

	cache.Update("controller", 8000, []string{"10.0.0.2:8000", "10.0.0.3:8000"})

	got := cache.Get("controller", 8000)
	require.ElementsMatch(t, []string{"10.0.0.2:8000", "10.0.0.3:8000"}, got)
}

func TestCachePersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer_cache.json")

	first := NewCache(path)
	first.Update("chunkserver", 50051, []string{"10.0.0.5:50051"})

	second := NewCache(path)
	require.Equal(t, []string{"10.0.0.5:50051"}, second.Get("chunkserver", 50051))
}

func TestCachePrunesStaleEntries(t *testing.T) {
	cache := NewCache(filepath.Join(t.TempDir(), "peer_cache.json"))
	cache.Update("controller", 8000, []string{"10.0.0.2:8000"})

	pruned := cache.PruneStale("controller", 8000, -time.Second)
	require.Equal(t, 1, pruned)
	require.Empty(t, cache.Get("controller", 8000))
}

func TestDiscoverFallsBackToCacheOnDNSFailure(t *testing.T) {
	cache := NewCache(filepath.Join(t.TempDir(), "peer_cache.json"))
	cache.Update("nonexistent-test-host.invalid", 8000, []string{"10.0.0.9:8000"})

	r := NewResolver(cache)
	peers, err := r.Discover(t.Context(), "nonexistent-test-host.invalid", 8000)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.9:8000"}, peers)
}
