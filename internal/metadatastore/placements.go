package metadatastore

import (
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// PlacementsForChunk returns every storage_node_id currently holding a copy
// of chunkID.
func (s *Store) PlacementsForChunk(chunkID id.ID) ([]id.ID, error) {
	rows, err := s.DB.Query(`SELECT storage_node_id FROM chunk_placements WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: placements for chunk: %w", err)
	}
	defer rows.Close()

	var nodes []id.ID
	for rows.Next() {
		var nodeID id.ID
		if err := rows.Scan(&nodeID); err != nil {
			return nil, fmt.Errorf("metadatastore: scan placement: %w", err)
		}
		nodes = append(nodes, nodeID)
	}
	return nodes, rows.Err()
}

// InsertPlacement records that storageNodeID now holds a copy of chunkID.
func (s *Store) InsertPlacement(chunkID, storageNodeID id.ID) error {
	_, err := s.DB.Exec(
		`INSERT OR IGNORE INTO chunk_placements (chunk_id, storage_node_id) VALUES (?, ?)`,
		chunkID, storageNodeID)
	if err != nil {
		return fmt.Errorf("metadatastore: insert placement: %w", err)
	}
	return nil
}

// DeletePlacementsForChunk removes every placement row for chunkID, used
// once a chunk has been garbage collected.
func (s *Store) DeletePlacementsForChunk(chunkID id.ID) error {
	if _, err := s.DB.Exec(`DELETE FROM chunk_placements WHERE chunk_id = ?`, chunkID); err != nil {
		return fmt.Errorf("metadatastore: delete placements: %w", err)
	}
	return nil
}
