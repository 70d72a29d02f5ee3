package chunkstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tagvault/filestore/internal/id"
)

const chunkFileExt = ".chk"

// BlobStore reads and writes chunk payloads under a single root directory,
// one file per chunk named by its id. Grounded on chunk_storage.py's
// write_chunk/read_chunk/delete_chunk/chunk_exists/get_chunk_size/list_all_chunks.
type BlobStore struct {
	root string
}

// NewBlobStore returns a BlobStore rooted at dir. dir is created lazily on
// first write, matching ensure_chunks_directory's call-on-demand behavior.
func NewBlobStore(dir string) *BlobStore {
	return &BlobStore{root: dir}
}

// Root returns the directory chunk blobs are stored under, for callers
// that need to stat the underlying filesystem (disk usage reporting).
func (b *BlobStore) Root() string {
	return b.root
}

func (b *BlobStore) path(chunkID id.ID) string {
	return filepath.Join(b.root, chunkID.String()+chunkFileExt)
}

// Write stores data for chunkID, creating the root directory if needed.
func (b *BlobStore) Write(chunkID id.ID, data []byte) (string, error) {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return "", fmt.Errorf("chunkstore: ensure chunk directory: %w", err)
	}
	p := b.path(chunkID)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("chunkstore: write chunk %s: %w", chunkID, err)
	}
	return p, nil
}

// Read loads the full contents of chunkID.
func (b *BlobStore) Read(chunkID id.ID) ([]byte, error) {
	data, err := os.ReadFile(b.path(chunkID))
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read chunk %s: %w", chunkID, err)
	}
	return data, nil
}

// OpenStream opens chunkID for piecewise reading, for the chunk-serving RPC
// path that streams large blobs instead of buffering them whole.
func (b *BlobStore) OpenStream(chunkID id.ID) (io.ReadCloser, error) {
	f, err := os.Open(b.path(chunkID))
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open chunk %s: %w", chunkID, err)
	}
	return f, nil
}

// Delete removes chunkID's blob, reporting whether a file actually existed.
func (b *BlobStore) Delete(chunkID id.ID) (bool, error) {
	err := os.Remove(b.path(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("chunkstore: delete chunk %s: %w", chunkID, err)
	}
	return true, nil
}

// Exists reports whether chunkID's blob file is present on disk.
func (b *BlobStore) Exists(chunkID id.ID) bool {
	_, err := os.Stat(b.path(chunkID))
	return err == nil
}

// Size returns the blob's size in bytes, or -1 if it doesn't exist.
func (b *BlobStore) Size(chunkID id.ID) (int64, error) {
	info, err := os.Stat(b.path(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return 0, fmt.Errorf("chunkstore: stat chunk %s: %w", chunkID, err)
	}
	return info.Size(), nil
}

// ListAll returns the ids of every chunk blob found under root, used to
// rebuild the index from disk when the persisted index file is missing.
func (b *BlobStore) ListAll() ([]id.ID, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chunkstore: list chunk directory: %w", err)
	}

	var ids []id.ID
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != chunkFileExt {
			continue
		}
		stem := entry.Name()[:len(entry.Name())-len(chunkFileExt)]
		chunkID, err := id.Parse(stem)
		if err != nil {
			continue
		}
		ids = append(ids, chunkID)
	}
	return ids, nil
}
