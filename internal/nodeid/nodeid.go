// Package nodeid persists the stable identifier a coordinator or storage
// node presents across restarts — everything else (vector clock
// components, placement rows, gossip peer ids) is keyed off this value, so
// losing it on every restart would look like a constant stream of node
// churn to the rest of the cluster.
//
// Grounded on
// original_source/controller/replication/controller_id.py's
// get_controller_id, translated from a raw-text file into the small JSON
// file §6 specifies ("one small JSON file per controller holding the
// stable controller_id").
package nodeid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
)

type fileFormat struct {
	NodeID string `json:"node_id"`
}

// LoadOrCreate reads the node id persisted at path, generating and saving a
// fresh one if the file is absent or unreadable.
func LoadOrCreate(path string) (id.ID, error) {
	log := logging.WithComponent("nodeid")

	if data, err := os.ReadFile(path); err == nil {
		var f fileFormat
		if err := json.Unmarshal(data, &f); err == nil {
			if nodeID, err := id.Parse(f.NodeID); err == nil {
				log.Info().Str("node_id", f.NodeID).Msg("loaded existing node id")
				return nodeID, nil
			}
		}
		log.Warn().Str("path", path).Msg("node id file unreadable, generating a new one")
	}

	nodeID := id.New()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nodeID, fmt.Errorf("nodeid: create parent directory: %w", err)
	}
	data, err := json.Marshal(fileFormat{NodeID: nodeID.String()})
	if err != nil {
		return nodeID, fmt.Errorf("nodeid: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to persist new node id")
		return nodeID, nil
	}
	log.Info().Str("node_id", nodeID.String()).Msg("generated and saved new node id")
	return nodeID, nil
}
