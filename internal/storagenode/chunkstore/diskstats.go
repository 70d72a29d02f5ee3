//go:build !windows

package chunkstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DiskStats reports the total and used bytes of the filesystem backing a
// Store's blob directory, for the heartbeat capacity/usage fields.
// Grounded on heartbeat_service.py's _get_storage_stats, which statfs's
// the chunk storage path directly rather than summing file sizes.
func (s *Store) DiskStats() (capacityBytes, usedBytes int64, err error) {
	root := s.Blobs.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, 0, fmt.Errorf("chunkstore: disk stats: %w", err)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return 0, 0, fmt.Errorf("chunkstore: statfs %s: %w", root, err)
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)
	used := total - free
	return total, used, nil
}
