package rpc

// Empty is the body of a no-argument request (GetStateSummary, Ping,
// GetChunkStateSummary).
type Empty struct{}

// GossipMessage is a coordinator's gossip tick payload: a bounded batch
// of recent operation summaries plus the sender's current vector clock,
// advertising "here is what I have" without shipping full op bodies.
type GossipMessage struct {
	SenderID        string            `json:"sender_id"`
	SenderAddress   string            `json:"sender_address"`
	VectorClock     map[string]uint64 `json:"vector_clock"`
	RecentSummaries []OpSummary       `json:"recent_summaries"`
}

// OpSummary mirrors oplog.Summary without internal/rpc depending on
// internal/oplog — the wire shape is owned here, the domain type in
// internal/metagossip converts between the two.
type OpSummary struct {
	OperationID string `json:"operation_id"`
	OpType      string `json:"op_type"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// GossipResponse answers a Gossip call by naming, from the summaries the
// caller advertised, the operation ids the responder does not yet have —
// a gap anti-entropy closes later, not something the caller fetches here.
type GossipResponse struct {
	PeerID              string   `json:"peer_id"`
	VectorClock         map[string]uint64 `json:"vector_clock"`
	MissingOperationIDs []string `json:"missing_operation_ids"`
}

// StateSummary answers GetStateSummary with every operation id the
// responder holds, the full-sync counterpart to Gossip's bounded batch.
type StateSummary struct {
	PeerID        string   `json:"peer_id"`
	VectorClock   map[string]uint64 `json:"vector_clock"`
	OperationIDs  []string `json:"operation_ids"`
}

// FetchOperationsRequest names the operations the caller wants fetched.
type FetchOperationsRequest struct {
	OperationIDs []string `json:"operation_ids"`
}

// FetchOperationsResponse carries the full bodies of the requested
// operations, JSON-encoded as whatever internal/oplog.Operation marshals
// to (decoded by the caller, which does depend on internal/oplog).
type FetchOperationsResponse struct {
	Operations []RawOperation `json:"operations"`
}

// RawOperation is an operation's wire encoding, kept opaque here so
// internal/rpc doesn't import internal/oplog; the metadata-replication
// layer round-trips it through oplog.Operation directly since both use
// the same JSON field names.
type RawOperation = map[string]interface{}

// PushOperationsRequest carries a batch of operations being pushed to a
// peer outside of a gossip/fetch round (e.g. anti-entropy catch-up).
type PushOperationsRequest struct {
	Operations []RawOperation `json:"operations"`
}

// PushOperationsResponse reports whether every pushed operation was
// accepted.
type PushOperationsResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// QueryChunkLivenessRequest asks whether chunk_id is still referenced by
// any live file.
type QueryChunkLivenessRequest struct {
	ChunkID string `json:"chunk_id"`
}

// QueryChunkLivenessResponse answers with the liveness verdict and the
// files that reference it, if any.
type QueryChunkLivenessResponse struct {
	ChunkID          string   `json:"chunk_id"`
	IsLive           bool     `json:"is_live"`
	ReferencedByFiles []string `json:"referenced_by_files"`
}

// ChunkSummary is one chunk's gossip-tick advertisement: just enough to
// let the peer detect it's missing the chunk and validate it once fetched,
// without shipping the chunk bytes themselves.
type ChunkSummary struct {
	ChunkID  string `json:"chunk_id"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// ChunkGossipMessage is a storage node's chunk-tier gossip tick payload: a
// bounded batch of recent chunk summaries plus recent tombstones, mirroring
// GossipMessage's bounded/informational shape at the chunk tier.
type ChunkGossipMessage struct {
	SenderAddress    string       `json:"sender_address"`
	ChunkSummaries   []ChunkSummary `json:"chunk_summaries"`
	RecentTombstones []Tombstone  `json:"tombstones"`
}

// ChunkGossipResponse answers with the chunk ids the sender is missing
// among the advertised summaries, the chunk-tier analogue of
// GossipResponse.MissingOperationIDs: informational only, reconciled by
// chunk anti-entropy rather than fetched eagerly here.
type ChunkGossipResponse struct {
	PeerAddress     string   `json:"peer_address"`
	MissingChunkIDs []string `json:"missing_chunk_ids"`
}

// ChunkStateSummary answers GetChunkStateSummary with every chunk id and
// tombstone id a storage node currently holds, the full-sync counterpart
// to ChunkGossipMessage's bounded batch.
type ChunkStateSummary struct {
	NodeID         string   `json:"node_id"`
	ChunkIDs       []string `json:"chunk_ids"`
	TombstoneIDs   []string `json:"tombstone_ids"`
	ChunkCount     int      `json:"chunk_count"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
}

// FetchChunkDataRequest is the single-frame request that opens a
// FetchChunkData stream.
type FetchChunkDataRequest struct {
	ChunkID string `json:"chunk_id"`
}

// FetchChunkResponse is the first frame of a FetchChunkData stream's
// reply, reporting whether the chunk was found before any data follows.
type FetchChunkResponse struct {
	Found        bool   `json:"found"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ChunkMetadata is the second frame of a successful FetchChunkData (or
// ReadChunk) stream, preceding one or more ChunkDataPiece frames.
type ChunkMetadata struct {
	ChunkID  string `json:"chunk_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// ChunkDataPiece is one base64-encoded slice of a chunk's bytes. Final is
// set on the last piece of the stream.
type ChunkDataPiece struct {
	DataBase64 string `json:"data_base64"`
	Final      bool   `json:"final"`
}

// Tombstone is one chunk deletion record exchanged by PushTombstones and
// carried in gossip/anti-entropy tombstone batches.
type Tombstone struct {
	ChunkID   string `json:"chunk_id"`
	DeletedAt int64  `json:"deleted_at"`
	Checksum  string `json:"checksum,omitempty"`
}

// PushTombstonesRequest carries a batch of chunk tombstones a peer should
// apply locally.
type PushTombstonesRequest struct {
	Tombstones []Tombstone `json:"tombstones"`
}

// PushTombstonesResponse reports how many tombstones were applied.
type PushTombstonesResponse struct {
	Success        bool   `json:"success"`
	ProcessedCount int    `json:"processed_count"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ReadChunkRequest opens a ReadChunk stream for the named chunk.
type ReadChunkRequest struct {
	ChunkID string `json:"chunk_id"`
}

// DeleteChunkRequest asks a storage node to remove one chunk.
type DeleteChunkRequest struct {
	ChunkID string `json:"chunk_id"`
}

// DeleteChunkResponse reports whether the delete succeeded.
type DeleteChunkResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ReplicateChunkRequest asks a storage node to pull chunk_id from
// source_address, making it the replication target.
type ReplicateChunkRequest struct {
	ChunkID       string `json:"chunk_id"`
	SourceAddress string `json:"source_address"`
}

// ReplicateChunkResponse reports whether the pull succeeded.
type ReplicateChunkResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WriteChunkRequest is sent as the first frame of a WriteChunk stream,
// carrying the chunk's metadata; the data pieces follow as
// ChunkDataPiece frames.
type WriteChunkRequest struct {
	ChunkID  string `json:"chunk_id"`
	FileID   string `json:"file_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// WriteChunkResponse is the final frame of a WriteChunk stream.
type WriteChunkResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PingResponse answers Ping with node availability.
type PingResponse struct {
	Available bool `json:"available"`
}

// HeartbeatRequest is the JSON body POSTed by a storage node to
// /internal/chunkserver/heartbeat; it rides over plain HTTP, not the
// wireproto frame channel, per §6.
type HeartbeatRequest struct {
	NodeID        string `json:"node_id"`
	Address       string `json:"address"`
	CapacityBytes int64  `json:"capacity_bytes"`
	UsedBytes     int64  `json:"used_bytes"`
}
