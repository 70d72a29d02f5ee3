package metadatastore

import (
	"database/sql"
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// AddTags inserts each tag for fileID within tx, ignoring duplicates.
func AddTags(tx *sql.Tx, fileID id.ID, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO tags (file_id, tag) VALUES (?, ?)`, fileID, tag); err != nil {
			return fmt.Errorf("metadatastore: add tag: %w", err)
		}
	}
	return nil
}

// RemoveTags deletes each tag for fileID within tx.
func RemoveTags(tx *sql.Tx, fileID id.ID, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.Exec(`DELETE FROM tags WHERE file_id = ? AND tag = ?`, fileID, tag); err != nil {
			return fmt.Errorf("metadatastore: remove tag: %w", err)
		}
	}
	return nil
}

// GetTags returns every tag currently set on fileID.
func (s *Store) GetTags(fileID id.ID) ([]string, error) {
	rows, err := s.DB.Query(`SELECT tag FROM tags WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: get tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("metadatastore: scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// FilesMatchingAllTags returns the file_ids of every non-deleted file
// carrying every tag in tags ("AND" query across the tag set).
func (s *Store) FilesMatchingAllTags(tags []string) ([]id.ID, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	query := `SELECT file_id FROM tags WHERE tag IN (`
	for i := range tags {
		if i > 0 {
			query += ", "
		}
		query += "?"
	}
	query += `) GROUP BY file_id HAVING COUNT(DISTINCT tag) = ?`

	args := make([]interface{}, 0, len(tags)+1)
	args = append(args, tags2iface(tags)...)
	args = append(args, len(tags))

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: query files by tags: %w", err)
	}
	defer rows.Close()

	var fileIDs []id.ID
	for rows.Next() {
		var fileID id.ID
		if err := rows.Scan(&fileID); err != nil {
			return nil, fmt.Errorf("metadatastore: scan file id: %w", err)
		}
		fileIDs = append(fileIDs, fileID)
	}
	return fileIDs, rows.Err()
}

func tags2iface(tags []string) []interface{} {
	out := make([]interface{}, len(tags))
	for i, t := range tags {
		out[i] = t
	}
	return out
}
