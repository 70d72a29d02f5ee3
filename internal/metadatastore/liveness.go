package metadatastore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// ChunkLivenessHint is a row of the chunk_liveness table: a soft signal
// that a chunk may be a GC candidate, plus the file ids that referenced it
// the last time liveness was checked (SUPPLEMENTED: the original schema
// does not carry this column, but QueryChunkLiveness's response shape
// names referenced_by_files, so it is persisted rather than recomputed
// on every GC round).
type ChunkLivenessHint struct {
	ChunkID           id.ID
	MarkedForGC       bool
	LastVerifiedAt    sql.NullInt64
	ReferencedByFiles []id.ID
}

// MarkChunkForGC flags chunkID as a GC candidate, recording which files
// (if any were still found referencing it) blocked immediate collection.
func (s *Store) MarkChunkForGC(chunkID id.ID, referencedBy []id.ID) error {
	raw, err := json.Marshal(referencedBy)
	if err != nil {
		return fmt.Errorf("metadatastore: marshal referenced_by_files: %w", err)
	}
	_, err = s.DB.Exec(
		`INSERT INTO chunk_liveness (chunk_id, marked_for_gc, referenced_by_files)
		 VALUES (?, 1, ?)
		 ON CONFLICT(chunk_id) DO UPDATE SET marked_for_gc = 1, referenced_by_files = excluded.referenced_by_files`,
		chunkID, string(raw))
	if err != nil {
		return fmt.Errorf("metadatastore: mark chunk for gc: %w", err)
	}
	return nil
}

// ClearGCMark unmarks chunkID, either because it's referenced again or
// because it was just collected.
func (s *Store) ClearGCMark(chunkID id.ID) error {
	_, err := s.DB.Exec(`UPDATE chunk_liveness SET marked_for_gc = 0 WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return fmt.Errorf("metadatastore: clear gc mark: %w", err)
	}
	return nil
}

// SetLastVerifiedAt records the last time a liveness query round checked
// chunkID.
func (s *Store) SetLastVerifiedAt(chunkID id.ID, timestampMs int64) error {
	_, err := s.DB.Exec(
		`UPDATE chunk_liveness SET last_verified_at = ? WHERE chunk_id = ?`, timestampMs, chunkID)
	if err != nil {
		return fmt.Errorf("metadatastore: set last verified at: %w", err)
	}
	return nil
}

// ChunksMarkedForGC returns every chunk_id currently flagged as a GC
// candidate.
func (s *Store) ChunksMarkedForGC() ([]id.ID, error) {
	rows, err := s.DB.Query(`SELECT chunk_id FROM chunk_liveness WHERE marked_for_gc = 1`)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: chunks marked for gc: %w", err)
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

// GetLivenessHint looks up the liveness hint row for chunkID, if any.
func (s *Store) GetLivenessHint(chunkID id.ID) (*ChunkLivenessHint, error) {
	row := s.DB.QueryRow(
		`SELECT chunk_id, marked_for_gc, last_verified_at, referenced_by_files FROM chunk_liveness WHERE chunk_id = ?`,
		chunkID)

	var h ChunkLivenessHint
	var rawRefs string
	if err := row.Scan(&h.ChunkID, &h.MarkedForGC, &h.LastVerifiedAt, &rawRefs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadatastore: get liveness hint: %w", err)
	}
	_ = json.Unmarshal([]byte(rawRefs), &h.ReferencedByFiles)
	return &h, nil
}
