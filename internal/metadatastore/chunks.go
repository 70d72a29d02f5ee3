package metadatastore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// ChunkManifestEntry is a row of the chunks table (the manifest mapping a
// file's chunks to their checksums, independent of where blobs live).
type ChunkManifestEntry struct {
	ChunkID    id.ID
	FileID     id.ID
	ChunkIndex int
	Size       int64
	Checksum   string
}

// GetChunkChecksum returns the checksum already recorded for
// (file_id, chunk_index), if any.
func (s *Store) GetChunkChecksum(fileID id.ID, chunkIndex int) (string, error) {
	row := s.DB.QueryRow(`SELECT checksum FROM chunks WHERE file_id = ? AND chunk_index = ?`, fileID, chunkIndex)
	var checksum string
	if err := row.Scan(&checksum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("metadatastore: get chunk checksum: %w", err)
	}
	return checksum, nil
}

// InsertChunkManifestEntry inserts one chunk manifest row within tx.
func InsertChunkManifestEntry(tx *sql.Tx, e ChunkManifestEntry) error {
	_, err := tx.Exec(
		`INSERT INTO chunks (chunk_id, file_id, chunk_index, size, checksum) VALUES (?, ?, ?, ?, ?)`,
		e.ChunkID, e.FileID, e.ChunkIndex, e.Size, e.Checksum)
	if err != nil {
		return fmt.Errorf("metadatastore: insert chunk manifest entry: %w", err)
	}
	return nil
}

// ChunkIDsForFile returns every chunk_id belonging to fileID.
func (s *Store) ChunkIDsForFile(fileID id.ID) ([]id.ID, error) {
	rows, err := s.DB.Query(`SELECT chunk_id FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: chunk ids for file: %w", err)
	}
	defer rows.Close()

	var ids []id.ID
	for rows.Next() {
		var cid id.ID
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("metadatastore: scan chunk id: %w", err)
		}
		ids = append(ids, cid)
	}
	return ids, rows.Err()
}

// AllChunkIDs returns every chunk_id in the manifest, for the repair loop.
func (s *Store) AllChunkIDs() ([]id.ID, error) {
	rows, err := s.DB.Query(`SELECT chunk_id FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: all chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []id.ID
	for rows.Next() {
		var cid id.ID
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("metadatastore: scan chunk id: %w", err)
		}
		ids = append(ids, cid)
	}
	return ids, rows.Err()
}

// DeleteChunkManifestEntriesForFile removes every manifest row for fileID
// within tx, returning the chunk ids that were removed so the caller can
// mark them for GC consideration.
func DeleteChunkManifestEntriesForFile(tx *sql.Tx, fileID id.ID) ([]id.ID, error) {
	rows, err := tx.Query(`SELECT chunk_id FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: select chunks for delete: %w", err)
	}
	var ids []id.ID
	for rows.Next() {
		var cid id.ID
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("metadatastore: scan chunk id: %w", err)
		}
		ids = append(ids, cid)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return nil, fmt.Errorf("metadatastore: delete chunks for file: %w", err)
	}
	return ids, nil
}

// IsChunkReferenced reports whether any file row still references chunkID.
func (s *Store) IsChunkReferenced(chunkID id.ID) (bool, error) {
	row := s.DB.QueryRow(`SELECT COUNT(*) FROM chunks WHERE chunk_id = ?`, chunkID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("metadatastore: is chunk referenced: %w", err)
	}
	return count > 0, nil
}

// FileIDsReferencingChunk returns every file_id whose manifest still lists
// chunkID, for QueryChunkLiveness's referenced_by_files field.
func (s *Store) FileIDsReferencingChunk(chunkID id.ID) ([]id.ID, error) {
	rows, err := s.DB.Query(`SELECT file_id FROM chunks WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: file ids referencing chunk: %w", err)
	}
	defer rows.Close()

	var ids []id.ID
	for rows.Next() {
		var fid id.ID
		if err := rows.Scan(&fid); err != nil {
			return nil, fmt.Errorf("metadatastore: scan file id: %w", err)
		}
		ids = append(ids, fid)
	}
	return ids, rows.Err()
}
