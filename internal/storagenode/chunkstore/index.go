package chunkstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
)

// Entry is one chunk's metadata as held by an S-node, grounded on
// chunk_index.py's ChunkIndexEntry.
type Entry struct {
	ChunkID    id.ID  `json:"chunk_id"`
	FileID     id.ID  `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	FilePath   string `json:"filepath"`
}

// Tombstone records a chunk deletion. The chunk can never be re-fetched
// once tombstoned; only a fresh write under a new chunk_id recreates it.
type Tombstone struct {
	ChunkID   id.ID  `json:"chunk_id"`
	DeletedAt int64  `json:"deleted_at"`
	Checksum  string `json:"checksum"`
}

const recentQueueLimit = 256

// Index is the in-memory chunk_id -> metadata map for one storage node,
// plus its tombstone set and a bounded recent-chunk queue used to build
// gossip summaries. Grounded on chunk_index.py's ChunkIndex, generalized
// with the tombstone set and recent-chunk queue that §3/§4.7 add beyond
// what the distilled chunk_index.py alone tracks.
type Index struct {
	mu sync.Mutex

	entries    map[id.ID]Entry
	tombstones map[id.ID]Tombstone
	recent     []id.ID // insertion order, most recent last, capped
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		entries:    make(map[id.ID]Entry),
		tombstones: make(map[id.ID]Tombstone),
	}
}

// Add inserts or overwrites entry and records it in the recent-chunk queue.
// Adding a tombstoned chunk id is a no-op — the resurrection guard lives
// here, not just at the call sites.
func (idx *Index) Add(entry Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, tombstoned := idx.tombstones[entry.ChunkID]; tombstoned {
		return
	}
	idx.entries[entry.ChunkID] = entry
	idx.pushRecentLocked(entry.ChunkID)
}

func (idx *Index) pushRecentLocked(chunkID id.ID) {
	for i, existing := range idx.recent {
		if existing == chunkID {
			idx.recent = append(idx.recent[:i], idx.recent[i+1:]...)
			break
		}
	}
	idx.recent = append(idx.recent, chunkID)
	if len(idx.recent) > recentQueueLimit {
		idx.recent = idx.recent[len(idx.recent)-recentQueueLimit:]
	}
}

// Get returns the entry for chunkID, if present and not tombstoned.
func (idx *Index) Get(chunkID id.ID) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[chunkID]
	return e, ok
}

// Remove deletes chunkID from the live index (not the tombstone set).
func (idx *Index) Remove(chunkID id.ID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.entries[chunkID]; !ok {
		return false
	}
	delete(idx.entries, chunkID)
	return true
}

// Has reports whether chunkID is in the live index.
func (idx *Index) Has(chunkID id.ID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.entries[chunkID]
	return ok
}

// IsTombstoned reports whether chunkID has been tombstoned.
func (idx *Index) IsTombstoned(chunkID id.ID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.tombstones[chunkID]
	return ok
}

// Tombstone marks chunkID deleted, removing it from the live index if
// present. A chunk_id can only ever be tombstoned once; later calls are
// no-ops so the original deleted_at sticks.
func (idx *Index) Tombstone(t Tombstone) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.tombstones[t.ChunkID]; ok {
		return
	}
	idx.tombstones[t.ChunkID] = t
	delete(idx.entries, t.ChunkID)
}

// GetTombstone returns the tombstone record for chunkID, if any.
func (idx *Index) GetTombstone(chunkID id.ID) (Tombstone, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	t, ok := idx.tombstones[chunkID]
	return t, ok
}

// AllChunkIDs returns every live (non-tombstoned) chunk id.
func (idx *Index) AllChunkIDs() []id.ID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids := make([]id.ID, 0, len(idx.entries))
	for cid := range idx.entries {
		ids = append(ids, cid)
	}
	return ids
}

// AllTombstoneIDs returns every tombstoned chunk id.
func (idx *Index) AllTombstoneIDs() []id.ID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids := make([]id.ID, 0, len(idx.tombstones))
	for cid := range idx.tombstones {
		ids = append(ids, cid)
	}
	return ids
}

// RecentEntries returns up to limit of the most recently added live chunk
// entries, newest first, for bounding gossip-tick payloads (§4.7).
func (idx *Index) RecentEntries(limit int) []Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]Entry, 0, limit)
	for i := len(idx.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if e, ok := idx.entries[idx.recent[i]]; ok {
			out = append(out, e)
		}
	}
	return out
}

// RecentTombstones returns up to limit of the most recent tombstones,
// newest deleted_at first. Tombstones don't share the recent queue's
// LRU-style eviction since the set is typically small; this scans the
// whole map, which is acceptable given the bound (§4.7 recent_tombstones <= 50).
func (idx *Index) RecentTombstones(limit int) []Tombstone {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]Tombstone, 0, len(idx.tombstones))
	for _, t := range idx.tombstones {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt > out[j].DeletedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the number of live chunks.
func (idx *Index) Count() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// TotalSizeBytes sums Size across all live chunks, for ChunkStateSummary.
func (idx *Index) TotalSizeBytes() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var total int64
	for _, e := range idx.entries {
		total += e.Size
	}
	return total
}

type persistedIndex struct {
	Entries    []Entry     `json:"entries"`
	Tombstones []Tombstone `json:"tombstones"`
}

// SaveToDisk persists the index (entries and tombstones) to path as JSON,
// mirroring chunk_index.py's save_to_disk.
func (idx *Index) SaveToDisk(path string) error {
	idx.mu.Lock()
	p := persistedIndex{
		Entries:    make([]Entry, 0, len(idx.entries)),
		Tombstones: make([]Tombstone, 0, len(idx.tombstones)),
	}
	for _, e := range idx.entries {
		p.Entries = append(p.Entries, e)
	}
	for _, t := range idx.tombstones {
		p.Tombstones = append(p.Tombstones, t)
	}
	idx.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("chunkstore: ensure index directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("chunkstore: marshal index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("chunkstore: write index file: %w", err)
	}
	return nil
}

// LoadFromDisk replaces the in-memory index with the contents of path.
// Reports false (no error) if the file doesn't exist yet, matching
// load_from_disk's behavior on a fresh node.
func (idx *Index) LoadFromDisk(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("chunkstore: read index file: %w", err)
	}

	var p persistedIndex
	if err := json.Unmarshal(data, &p); err != nil {
		return false, fmt.Errorf("chunkstore: parse index file: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[id.ID]Entry, len(p.Entries))
	for _, e := range p.Entries {
		idx.entries[e.ChunkID] = e
	}
	idx.tombstones = make(map[id.ID]Tombstone, len(p.Tombstones))
	for _, t := range p.Tombstones {
		idx.tombstones[t.ChunkID] = t
	}
	idx.recent = idx.recent[:0]
	for cid := range idx.entries {
		idx.recent = append(idx.recent, cid)
	}
	return true, nil
}

// RebuildFromBlobs rescans blobs and rebuilds the index from what's on
// disk, losing file_id/chunk_index association the way
// rebuild_from_directory warns about — used by Open only when no persisted
// index file exists (a corrupt index file makes Open fail instead).
func RebuildFromBlobs(blobs *BlobStore, verifyChecksums bool) (*Index, error) {
	log := logging.WithComponent("chunkstore")
	ids, err := blobs.ListAll()
	if err != nil {
		return nil, err
	}

	idx := NewIndex()
	for _, cid := range ids {
		size, err := blobs.Size(cid)
		if err != nil || size < 0 {
			continue
		}
		checksum := ""
		if verifyChecksums {
			data, err := blobs.Read(cid)
			if err != nil {
				log.Error().Err(err).Str("chunk_id", cid.String()).Msg("failed to read chunk while rebuilding index")
				continue
			}
			checksum = ComputeChecksum(data)
		}
		idx.entries[cid] = Entry{
			ChunkID:    cid,
			FileID:     id.Nil,
			ChunkIndex: -1,
			Size:       size,
			Checksum:   checksum,
			FilePath:   blobs.path(cid),
		}
	}
	log.Info().Int("count", len(idx.entries)).Msg("rebuilt chunk index from disk")
	return idx, nil
}
