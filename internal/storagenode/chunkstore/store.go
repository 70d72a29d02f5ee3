package chunkstore

import (
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// Store composes the on-disk blob store with the in-memory index into the
// single object an S-node's RPC handlers, gossip engine, and anti-entropy
// engine all operate through.
type Store struct {
	Blobs *BlobStore
	Index *Index
}

// Open wires a Store over dataDir (chunk blobs) and indexPath (persisted
// index). It loads the index from disk, falling back to a directory
// rescan if no index file exists yet.
func Open(dataDir, indexPath string) (*Store, error) {
	blobs := NewBlobStore(dataDir)
	idx := NewIndex()

	loaded, err := idx.LoadFromDisk(indexPath)
	if err != nil {
		return nil, err
	}
	if !loaded {
		rebuilt, err := RebuildFromBlobs(blobs, false)
		if err != nil {
			return nil, err
		}
		idx = rebuilt
	}

	return &Store{Blobs: blobs, Index: idx}, nil
}

// Write validates data against checksum, writes the blob, and records it
// in the index. This is the checksum-on-ingest supplement: both the
// initial client write and an anti-entropy fetch route through here.
func (s *Store) Write(entry Entry, data []byte) error {
	if entry.Checksum != "" && !VerifyChecksum(data, entry.Checksum) {
		return &ErrChecksumMismatch{
			ChunkID:  entry.ChunkID.String(),
			Expected: entry.Checksum,
			Actual:   ComputeChecksum(data),
		}
	}
	if s.Index.IsTombstoned(entry.ChunkID) {
		return fmt.Errorf("chunkstore: refusing to write tombstoned chunk %s", entry.ChunkID)
	}

	path, err := s.Blobs.Write(entry.ChunkID, data)
	if err != nil {
		return err
	}
	entry.FilePath = path
	entry.Size = int64(len(data))
	if entry.Checksum == "" {
		entry.Checksum = ComputeChecksum(data)
	}
	s.Index.Add(entry)
	return nil
}

// Read returns the chunk's raw bytes, verifying them against the index's
// recorded checksum.
func (s *Store) Read(chunkID id.ID) ([]byte, error) {
	entry, ok := s.Index.Get(chunkID)
	if !ok {
		return nil, fmt.Errorf("chunkstore: chunk %s not in index", chunkID)
	}
	data, err := s.Blobs.Read(chunkID)
	if err != nil {
		return nil, err
	}
	if entry.Checksum != "" && !VerifyChecksum(data, entry.Checksum) {
		return nil, &ErrChecksumMismatch{ChunkID: chunkID.String(), Expected: entry.Checksum, Actual: ComputeChecksum(data)}
	}
	return data, nil
}

// Delete tombstones chunkID and removes its blob, matching §4.7's
// "applying a tombstone": the blob is gone and the chunk can never be
// re-fetched.
func (s *Store) Delete(chunkID id.ID, deletedAt int64) error {
	entry, _ := s.Index.Get(chunkID)
	if _, err := s.Blobs.Delete(chunkID); err != nil {
		return err
	}
	s.Index.Tombstone(Tombstone{ChunkID: chunkID, DeletedAt: deletedAt, Checksum: entry.Checksum})
	return nil
}

// Persist flushes the index to indexPath, used on graceful shutdown and
// after significant batches of writes.
func (s *Store) Persist(indexPath string) error {
	return s.Index.SaveToDisk(indexPath)
}

// ApplyTombstone records a tombstone received from a peer (gossip or
// anti-entropy) and removes the local blob if one existed. Idempotent:
// a chunk id already tombstoned keeps its original record (Index.Tombstone).
func (s *Store) ApplyTombstone(t Tombstone) {
	s.Index.Tombstone(t)
	_, _ = s.Blobs.Delete(t.ChunkID)
}
