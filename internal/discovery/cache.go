// Package discovery resolves coordinator and storage-node peers via DNS,
// with a persistent JSON cache that serves stale-but-known peers when DNS
// resolution fails (a container restart, a transient resolver outage).
//
// Grounded on original_source/common/dns_discovery.py and
// original_source/common/peer_cache.go, translated from a background
// refresh thread + RLock into a Go goroutine guarded by sync.RWMutex, with
// golang.org/x/sync/singleflight collapsing concurrent DNS lookups for the
// same hostname into one.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tagvault/filestore/internal/logging"
)

// CacheEntry records one peer address and when it was last confirmed live
// via DNS.
type CacheEntry struct {
	Address     string    `json:"address"`
	LastSeen    time.Time `json:"last_seen"`
	DNSHostname string    `json:"dns_hostname"`
}

type cacheBucket struct {
	Peers       []CacheEntry `json:"peers"`
	LastRefresh time.Time    `json:"last_refresh"`
}

// Cache is a thread-safe, disk-persisted store of the most recently seen
// peers per hostname:port, used as a DNS-failure fallback.
type Cache struct {
	path string

	mu   sync.RWMutex
	data map[string]cacheBucket

	fileMu sync.Mutex
}

// NewCache loads a cache from path, starting empty if the file is absent or
// corrupt.
func NewCache(path string) *Cache {
	c := &Cache{path: path, data: make(map[string]cacheBucket)}
	c.loadFromDisk()
	return c
}

func bucketKey(hostname string, port int) string {
	return fmt.Sprintf("%s:%d", hostname, port)
}

// Get returns the cached peer addresses for hostname:port, or nil if none.
func (c *Cache) Get(hostname string, port int) []string {
	key := bucketKey(hostname, port)

	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket, ok := c.data[key]
	if !ok || len(bucket.Peers) == 0 {
		return nil
	}

	addrs := make([]string, len(bucket.Peers))
	for i, e := range bucket.Peers {
		addrs[i] = e.Address
	}
	return addrs
}

// Update replaces the cached peers for hostname:port with a freshly
// discovered set and persists the cache to disk.
func (c *Cache) Update(hostname string, port int, peers []string) {
	key := bucketKey(hostname, port)
	now := time.Now().UTC()

	entries := make([]CacheEntry, len(peers))
	for i, addr := range peers {
		entries[i] = CacheEntry{Address: addr, LastSeen: now, DNSHostname: hostname}
	}

	c.mu.Lock()
	c.data[key] = cacheBucket{Peers: entries, LastRefresh: now}
	c.mu.Unlock()

	c.saveToDisk()
}

// PruneStale drops entries older than staleness for hostname:port and
// reports how many were removed.
func (c *Cache) PruneStale(hostname string, port int, staleness time.Duration) int {
	key := bucketKey(hostname, port)
	cutoff := time.Now().UTC().Add(-staleness)

	c.mu.Lock()
	bucket, ok := c.data[key]
	if !ok {
		c.mu.Unlock()
		return 0
	}

	kept := bucket.Peers[:0:0]
	for _, e := range bucket.Peers {
		if e.LastSeen.After(cutoff) {
			kept = append(kept, e)
		}
	}
	pruned := len(bucket.Peers) - len(kept)
	bucket.Peers = kept
	c.data[key] = bucket
	c.mu.Unlock()

	if pruned > 0 {
		c.saveToDisk()
		logging.WithComponent("discovery").Info().
			Str("hostname", hostname).Int("port", port).Int("pruned", pruned).
			Msg("pruned stale peer cache entries")
	}
	return pruned
}

func (c *Cache) loadFromDisk() {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return
	}

	var data map[string]cacheBucket
	if err := json.Unmarshal(raw, &data); err != nil {
		logging.WithComponent("discovery").Warn().Err(err).Str("path", c.path).
			Msg("failed to parse peer cache, starting empty")
		return
	}

	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
}

func (c *Cache) saveToDisk() {
	c.mu.RLock()
	snapshot := make(map[string]cacheBucket, len(c.data))
	for k, v := range c.data {
		snapshot[k] = v
	}
	c.mu.RUnlock()

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}

	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		logging.WithComponent("discovery").Warn().Err(err).Msg("failed to create peer cache directory")
		return
	}
	if err := os.WriteFile(c.path, raw, 0o644); err != nil {
		logging.WithComponent("discovery").Warn().Err(err).Str("path", c.path).
			Msg("failed to persist peer cache, continuing in-memory only")
	}
}
