// Package metadatastore owns the coordinator's durable state: users,
// files, tags, chunk manifests, chunk placement, the storage-node and peer
// registries, chunk-liveness hints, file tombstones, the operation log, and
// the per-node vector-clock sequence table. Everything lives in one SQLite
// database so that an operation's domain-table effects and its log entry's
// applied mark commit atomically in a single transaction.
//
// Grounded on original_source/controller/database.go's CREATE TABLE set,
// carried over column-for-column onto database/sql + modernc.org/sqlite
// (pure-Go, no cgo, matching the teacher's avoidance of cgo dependencies).
package metadatastore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	api_key TEXT UNIQUE,
	created_at INTEGER NOT NULL,
	key_updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS files (
	file_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	owner_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_files_owner_name ON files(owner_id, name);

CREATE TABLE IF NOT EXISTS file_tombstones (
	file_id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	deleted_at INTEGER NOT NULL,
	deleted_by_controller_id TEXT NOT NULL,
	operation_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_tombstones_owner_name ON file_tombstones(owner_id, name);

CREATE TABLE IF NOT EXISTS tags (
	file_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY(file_id, tag)
);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	size INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	UNIQUE(file_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS chunk_placements (
	chunk_id TEXT NOT NULL,
	storage_node_id TEXT NOT NULL,
	PRIMARY KEY(chunk_id, storage_node_id)
);

CREATE TABLE IF NOT EXISTS chunk_liveness (
	chunk_id TEXT PRIMARY KEY,
	marked_for_gc INTEGER NOT NULL DEFAULT 0,
	last_verified_at INTEGER,
	referenced_by_files TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS storage_nodes (
	node_id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	last_heartbeat_at INTEGER,
	capacity_bytes INTEGER NOT NULL DEFAULT 0,
	used_bytes INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS peer_registry (
	node_id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	last_seen_at INTEGER,
	last_vector_clock TEXT NOT NULL DEFAULT '{}',
	is_alive INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS operations (
	operation_id TEXT PRIMARY KEY,
	operation_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	vector_clock TEXT NOT NULL,
	payload TEXT NOT NULL,
	applied INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_user_id ON operations(user_id);
CREATE INDEX IF NOT EXISTS idx_operations_timestamp ON operations(timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_operations_applied ON operations(applied);
CREATE INDEX IF NOT EXISTS idx_operations_type ON operations(operation_type);

CREATE TABLE IF NOT EXISTS vector_clock_state (
	controller_id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);
`

// Store wraps the coordinator's SQLite database and every repository that
// reads or writes it.
type Store struct {
	DB *sql.DB
}

// Open creates (if needed) and opens the database at path, applying the
// schema idempotently.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("metadatastore: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open: %w", err)
	}

	// The operation log and every domain-table write it participates in are
	// serialized by oplog's single mutex, so one connection is sufficient
	// and avoids SQLite's writer-lock contention entirely.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadatastore: apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}
