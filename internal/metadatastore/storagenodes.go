package metadatastore

import (
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// NodeStatus is the storage_nodes.status enum.
type NodeStatus string

const (
	NodeActive NodeStatus = "active"
	NodeFailed NodeStatus = "failed"
)

// StorageNode is a row of the storage_nodes table.
type StorageNode struct {
	NodeID          id.ID
	Address         string
	LastHeartbeatAt int64
	CapacityBytes   int64
	UsedBytes       int64
	Status          NodeStatus
}

// UpsertStorageNode inserts or refreshes a storage node's registry row.
func (s *Store) UpsertStorageNode(n StorageNode) error {
	_, err := s.DB.Exec(
		`INSERT INTO storage_nodes (node_id, address, last_heartbeat_at, capacity_bytes, used_bytes, status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
		   address = excluded.address,
		   last_heartbeat_at = excluded.last_heartbeat_at,
		   capacity_bytes = excluded.capacity_bytes,
		   used_bytes = excluded.used_bytes,
		   status = excluded.status`,
		n.NodeID, n.Address, n.LastHeartbeatAt, n.CapacityBytes, n.UsedBytes, n.Status)
	if err != nil {
		return fmt.Errorf("metadatastore: upsert storage node: %w", err)
	}
	return nil
}

// SetStorageNodeStatus updates only the status column for nodeID.
func (s *Store) SetStorageNodeStatus(nodeID id.ID, status NodeStatus) error {
	_, err := s.DB.Exec(`UPDATE storage_nodes SET status = ? WHERE node_id = ?`, status, nodeID)
	if err != nil {
		return fmt.Errorf("metadatastore: set storage node status: %w", err)
	}
	return nil
}

// ActiveStorageNodes returns every node currently marked active.
func (s *Store) ActiveStorageNodes() ([]StorageNode, error) {
	rows, err := s.DB.Query(
		`SELECT node_id, address, last_heartbeat_at, capacity_bytes, used_bytes, status
		 FROM storage_nodes WHERE status = ?`, NodeActive)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: active storage nodes: %w", err)
	}
	defer rows.Close()

	var nodes []StorageNode
	for rows.Next() {
		var n StorageNode
		if err := rows.Scan(&n.NodeID, &n.Address, &n.LastHeartbeatAt, &n.CapacityBytes, &n.UsedBytes, &n.Status); err != nil {
			return nil, fmt.Errorf("metadatastore: scan storage node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// AllStorageNodes returns every registered storage node regardless of status.
func (s *Store) AllStorageNodes() ([]StorageNode, error) {
	rows, err := s.DB.Query(
		`SELECT node_id, address, last_heartbeat_at, capacity_bytes, used_bytes, status FROM storage_nodes`)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: all storage nodes: %w", err)
	}
	defer rows.Close()

	var nodes []StorageNode
	for rows.Next() {
		var n StorageNode
		if err := rows.Scan(&n.NodeID, &n.Address, &n.LastHeartbeatAt, &n.CapacityBytes, &n.UsedBytes, &n.Status); err != nil {
			return nil, fmt.Errorf("metadatastore: scan storage node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
