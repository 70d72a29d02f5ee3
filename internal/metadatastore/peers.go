package metadatastore

import (
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// PeerRegistryEntry is a row of the peer_registry table (another
// coordinator, tracked for gossip/anti-entropy bookkeeping).
type PeerRegistryEntry struct {
	NodeID          id.ID
	Address         string
	LastSeenAt      int64
	LastVectorClock string // JSON-encoded vclock.Clock
	IsAlive         bool
}

// UpsertPeer records a successful gossip exchange or discovery sighting.
func (s *Store) UpsertPeer(p PeerRegistryEntry) error {
	_, err := s.DB.Exec(
		`INSERT INTO peer_registry (node_id, address, last_seen_at, last_vector_clock, is_alive)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
		   address = excluded.address,
		   last_seen_at = excluded.last_seen_at,
		   last_vector_clock = excluded.last_vector_clock,
		   is_alive = excluded.is_alive`,
		p.NodeID, p.Address, p.LastSeenAt, p.LastVectorClock, p.IsAlive)
	if err != nil {
		return fmt.Errorf("metadatastore: upsert peer: %w", err)
	}
	return nil
}

// MarkPeerSuspected flips is_alive to false for a peer address that failed
// an RPC, without requiring its node_id (which the failed peer may never
// have disclosed).
func (s *Store) MarkPeerSuspected(address string) error {
	_, err := s.DB.Exec(`UPDATE peer_registry SET is_alive = 0 WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("metadatastore: mark peer suspected: %w", err)
	}
	return nil
}

// AllPeers returns every known peer registry row.
func (s *Store) AllPeers() ([]PeerRegistryEntry, error) {
	rows, err := s.DB.Query(
		`SELECT node_id, address, last_seen_at, last_vector_clock, is_alive FROM peer_registry`)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: all peers: %w", err)
	}
	defer rows.Close()

	var peers []PeerRegistryEntry
	for rows.Next() {
		var p PeerRegistryEntry
		if err := rows.Scan(&p.NodeID, &p.Address, &p.LastSeenAt, &p.LastVectorClock, &p.IsAlive); err != nil {
			return nil, fmt.Errorf("metadatastore: scan peer: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
