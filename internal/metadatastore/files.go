package metadatastore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// File is a row of the files table.
type File struct {
	FileID    id.ID
	Name      string
	Size      int64
	OwnerID   id.ID
	CreatedAt int64
}

// FileTombstone is a row of the file_tombstones table.
type FileTombstone struct {
	FileID                id.ID
	OwnerID               id.ID
	Name                  string
	DeletedAt             int64
	DeletedByControllerID string
	OperationID           id.ID
}

// GetFileByOwnerAndName looks up the live (non-deleted) file for
// (owner_id, name).
func (s *Store) GetFileByOwnerAndName(ownerID id.ID, name string) (*File, error) {
	row := s.DB.QueryRow(
		`SELECT file_id, name, size, owner_id, created_at FROM files WHERE owner_id = ? AND name = ?`,
		ownerID, name)

	var f File
	if err := row.Scan(&f.FileID, &f.Name, &f.Size, &f.OwnerID, &f.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadatastore: get file: %w", err)
	}
	return &f, nil
}

// GetFileByID looks up a file by file_id.
func (s *Store) GetFileByID(fileID id.ID) (*File, error) {
	row := s.DB.QueryRow(
		`SELECT file_id, name, size, owner_id, created_at FROM files WHERE file_id = ?`, fileID)

	var f File
	if err := row.Scan(&f.FileID, &f.Name, &f.Size, &f.OwnerID, &f.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadatastore: get file: %w", err)
	}
	return &f, nil
}

// GetFileTombstone looks up the tombstone for (owner_id, name), if any.
func (s *Store) GetFileTombstone(ownerID id.ID, name string) (*FileTombstone, error) {
	row := s.DB.QueryRow(
		`SELECT file_id, owner_id, name, deleted_at, deleted_by_controller_id, operation_id
		 FROM file_tombstones WHERE owner_id = ? AND name = ?`, ownerID, name)

	var t FileTombstone
	if err := row.Scan(&t.FileID, &t.OwnerID, &t.Name, &t.DeletedAt, &t.DeletedByControllerID, &t.OperationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadatastore: get file tombstone: %w", err)
	}
	return &t, nil
}

// DeleteFileTombstone removes the tombstone for (owner_id, name) within tx.
func DeleteFileTombstone(tx *sql.Tx, ownerID id.ID, name string) error {
	_, err := tx.Exec(`DELETE FROM file_tombstones WHERE owner_id = ? AND name = ?`, ownerID, name)
	if err != nil {
		return fmt.Errorf("metadatastore: delete file tombstone: %w", err)
	}
	return nil
}

// UpsertFileTombstone inserts or replaces a tombstone within tx.
func UpsertFileTombstone(tx *sql.Tx, t FileTombstone) error {
	_, err := tx.Exec(
		`INSERT OR REPLACE INTO file_tombstones
		 (file_id, owner_id, name, deleted_at, deleted_by_controller_id, operation_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.FileID, t.OwnerID, t.Name, t.DeletedAt, t.DeletedByControllerID, t.OperationID)
	if err != nil {
		return fmt.Errorf("metadatastore: upsert file tombstone: %w", err)
	}
	return nil
}

// InsertFile inserts a new file row within tx, along with its tag set.
func InsertFile(tx *sql.Tx, f File, tags []string) error {
	_, err := tx.Exec(
		`INSERT INTO files (file_id, name, size, owner_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.FileID, f.Name, f.Size, f.OwnerID, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("metadatastore: insert file: %w", err)
	}
	return AddTags(tx, f.FileID, tags)
}

// ReplaceFile overwrites the file row for (owner_id, name) with a
// conflict-resolution winner and rewrites its tag set.
func ReplaceFile(tx *sql.Tx, ownerID id.ID, name string, f File, tags []string) error {
	_, err := tx.Exec(
		`UPDATE files SET file_id = ?, size = ?, created_at = ? WHERE owner_id = ? AND name = ?`,
		f.FileID, f.Size, f.CreatedAt, ownerID, name)
	if err != nil {
		return fmt.Errorf("metadatastore: replace file: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tags WHERE file_id = ?`, f.FileID); err != nil {
		return fmt.Errorf("metadatastore: clear tags: %w", err)
	}
	return AddTags(tx, f.FileID, tags)
}

// DeleteFile removes a file row and its tags (chunk-manifest cleanup is
// the caller's responsibility, matching the applier's explicit delete order).
func DeleteFile(tx *sql.Tx, fileID id.ID) error {
	if _, err := tx.Exec(`DELETE FROM files WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("metadatastore: delete file: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tags WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("metadatastore: delete tags: %w", err)
	}
	return nil
}

// FindFileCreatedOperationIDsByName returns operation_ids of FILE_CREATED
// ops for owner_id whose JSON payload names this file, used to gather the
// full candidate set for a concurrent-creation conflict resolution.
func (s *Store) FindFileCreatedOperationIDsByName(ownerID id.ID, name string) ([]id.ID, error) {
	rows, err := s.DB.Query(
		`SELECT operation_id, payload FROM operations
		 WHERE operation_type = 'FILE_CREATED' AND user_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: scan file-created ops: %w", err)
	}
	defer rows.Close()

	var matches []id.ID
	for rows.Next() {
		var opID id.ID
		var rawPayload string
		if err := rows.Scan(&opID, &rawPayload); err != nil {
			return nil, fmt.Errorf("metadatastore: scan file-created op: %w", err)
		}
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
			continue
		}
		if payload.Name == name {
			matches = append(matches, opID)
		}
	}
	return matches, rows.Err()
}
