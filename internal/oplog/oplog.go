// Package oplog implements the append-only replicated operation log and
// the per-node vector-clock tracker built on top of it: the two leaf
// components every gossip, anti-entropy, and conflict-resolution path
// reads and writes.
//
// Grounded on original_source/controller/replication/operation_log.go and
// vector_clock.go, with the operations/vector_clock_state tables owned by
// internal/metadatastore and all access here serialized by a single mutex
// per the "operation log is not a hot path" guarantee.
package oplog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/vclock"
)

// Type identifies the kind of mutation an Operation carries.
type Type string

const (
	UserCreated     Type = "USER_CREATED"
	APIKeyUpdated   Type = "API_KEY_UPDATED"
	FileCreated     Type = "FILE_CREATED"
	FileDeleted     Type = "FILE_DELETED"
	TagsAdded       Type = "TAGS_ADDED"
	TagsRemoved     Type = "TAGS_REMOVED"
	ChunksCreated   Type = "CHUNKS_CREATED"
)

// Operation is one entry in the replicated log. Field tags make this the
// wire representation exchanged by FetchOperations/PushOperations and
// carried inside a GossipMessage, not just the local persisted shape.
type Operation struct {
	OperationID id.ID           `json:"operation_id"`
	OpType      Type            `json:"op_type"`
	UserID      id.ID           `json:"user_id"`
	TimestampMs int64           `json:"timestamp_ms"`
	VectorClock vclock.Clock    `json:"vector_clock"`
	Payload     json.RawMessage `json:"payload"`
	Applied     bool            `json:"applied"`
	CreatedAt   int64           `json:"created_at"`
}

// Summary is an Operation stripped of its payload, the unit gossip
// exchanges to advertise "I have this op" without shipping its body.
type Summary struct {
	OperationID id.ID `json:"operation_id"`
	OpType      Type  `json:"op_type"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// ToSummary drops op's payload.
func (op Operation) ToSummary() Summary {
	return Summary{OperationID: op.OperationID, OpType: op.OpType, TimestampMs: op.TimestampMs}
}

// Log is the mutex-serialized view over the operations table and the
// per-node vector-clock sequence table.
type Log struct {
	db         *sql.DB
	selfNodeID string

	mu sync.Mutex
}

// New wraps db (the coordinator's metadatastore.Store.DB) as an operation
// log for selfNodeID.
func New(db *sql.DB, selfNodeID string) *Log {
	return &Log{db: db, selfNodeID: selfNodeID}
}

// CurrentVC returns the highest sequence this node has ever observed per
// component, local or remote.
func (l *Log) CurrentVC() (vclock.Clock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentVCLocked()
}

func (l *Log) currentVCLocked() (vclock.Clock, error) {
	rows, err := l.db.Query(`SELECT controller_id, sequence FROM vector_clock_state`)
	if err != nil {
		return vclock.New(), fmt.Errorf("oplog: current vc: %w", err)
	}
	defer rows.Close()

	m := make(map[string]uint64)
	for rows.Next() {
		var node string
		var seq uint64
		if err := rows.Scan(&node, &seq); err != nil {
			return vclock.New(), fmt.Errorf("oplog: scan vc row: %w", err)
		}
		m[node] = seq
	}
	return vclock.FromMap(m), rows.Err()
}

// IncrementLocal atomically bumps this node's sequence and returns the
// resulting clock, strictly greater than every clock this node has ever
// emitted.
func (l *Log) IncrementLocal() (vclock.Clock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.currentVCLocked()
	if err != nil {
		return vclock.New(), err
	}
	next := current.Increment(l.selfNodeID)

	if err := l.persistVCLocked(next); err != nil {
		return vclock.New(), err
	}
	return next, nil
}

// MergeRemote folds a remote clock into the locally tracked one
// (component-wise max) and persists the result.
func (l *Log) MergeRemote(remote vclock.Clock) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.currentVCLocked()
	if err != nil {
		return err
	}
	return l.persistVCLocked(current.Merge(remote))
}

func (l *Log) persistVCLocked(c vclock.Clock) error {
	for node, seq := range c.Map() {
		_, err := l.db.Exec(
			`INSERT INTO vector_clock_state (controller_id, sequence, last_seen_at)
			 VALUES (?, ?, strftime('%s','now') * 1000)
			 ON CONFLICT(controller_id) DO UPDATE SET
			   sequence = MAX(sequence, excluded.sequence),
			   last_seen_at = excluded.last_seen_at`,
			node, seq)
		if err != nil {
			return fmt.Errorf("oplog: persist vc: %w", err)
		}
	}
	return nil
}

// InsertOp inserts op with the given applied flag. Idempotent on
// operation_id: a duplicate insert is a no-op.
func (l *Log) InsertOp(op Operation, applied bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertOpLocked(l.db, op, applied)
}

func (l *Log) insertOpLocked(exec execer, op Operation, applied bool) error {
	vcRaw, err := json.Marshal(op.VectorClock)
	if err != nil {
		return fmt.Errorf("oplog: marshal vector clock: %w", err)
	}

	_, err = exec.Exec(
		`INSERT OR IGNORE INTO operations
		 (operation_id, operation_type, user_id, timestamp_ms, vector_clock, payload, applied, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, string(op.OpType), op.UserID, op.TimestampMs, string(vcRaw), string(op.Payload),
		boolToInt(applied), op.CreatedAt)
	if err != nil {
		return fmt.Errorf("oplog: insert op: %w", err)
	}
	return nil
}

// InsertOpTx is InsertOp run inside an already-open transaction, for the
// emit-inside-domain-transaction recipe.
func (l *Log) InsertOpTx(tx *sql.Tx, op Operation, applied bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertOpLocked(tx, op, applied)
}

// MarkApplied transitions op_id's applied flag 0 -> 1. A second call is a
// harmless no-op (applied only ever transitions forward).
func (l *Log) MarkApplied(opID id.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return markAppliedLocked(l.db, opID)
}

// MarkAppliedTx is MarkApplied run inside an already-open transaction.
func (l *Log) MarkAppliedTx(tx *sql.Tx, opID id.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return markAppliedLocked(tx, opID)
}

func markAppliedLocked(exec execer, opID id.ID) error {
	if _, err := exec.Exec(`UPDATE operations SET applied = 1 WHERE operation_id = ?`, opID); err != nil {
		return fmt.Errorf("oplog: mark applied: %w", err)
	}
	return nil
}

// GetOp returns the operation for opID, or nil if it is not present.
func (l *Log) GetOp(opID id.ID) (*Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRow(
		`SELECT operation_id, operation_type, user_id, timestamp_ms, vector_clock, payload, applied, created_at
		 FROM operations WHERE operation_id = ?`, opID)
	return scanOp(row)
}

// GetAllOpIDs returns the operation_id of every entry in the log.
func (l *Log) GetAllOpIDs() ([]id.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT operation_id FROM operations`)
	if err != nil {
		return nil, fmt.Errorf("oplog: get all op ids: %w", err)
	}
	defer rows.Close()

	var ids []id.ID
	for rows.Next() {
		var opID id.ID
		if err := rows.Scan(&opID); err != nil {
			return nil, fmt.Errorf("oplog: scan op id: %w", err)
		}
		ids = append(ids, opID)
	}
	return ids, rows.Err()
}

// GetOpsByIDs returns every operation named in ids that exists locally.
func (l *Log) GetOpsByIDs(ids []id.ID) ([]Operation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	query := `SELECT operation_id, operation_type, user_id, timestamp_ms, vector_clock, payload, applied, created_at
	          FROM operations WHERE operation_id IN (`
	args := make([]interface{}, len(ids))
	for i, opID := range ids {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args[i] = opID
	}
	query += ")"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("oplog: get ops by ids: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOpRows(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetOpsForUser returns every operation whose user_id matches userID.
func (l *Log) GetOpsForUser(userID id.ID) ([]Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		`SELECT operation_id, operation_type, user_id, timestamp_ms, vector_clock, payload, applied, created_at
		 FROM operations WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("oplog: get ops for user: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOpRows(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetRecentSummaries returns the limit most recently created op summaries,
// the bounded payload a gossip tick advertises.
func (l *Log) GetRecentSummaries(limit int) ([]Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		`SELECT operation_id, operation_type, timestamp_ms FROM operations
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("oplog: get recent summaries: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.OperationID, &s.OpType, &s.TimestampMs); err != nil {
			return nil, fmt.Errorf("oplog: scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOp(row rowScanner) (*Operation, error) {
	var op Operation
	var opType string
	var vcRaw, payloadRaw string
	var applied int
	if err := row.Scan(&op.OperationID, &opType, &op.UserID, &op.TimestampMs, &vcRaw, &payloadRaw, &applied, &op.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("oplog: scan op: %w", err)
	}
	op.OpType = Type(opType)
	op.Applied = applied != 0
	op.Payload = json.RawMessage(payloadRaw)
	if err := json.Unmarshal([]byte(vcRaw), &op.VectorClock); err != nil {
		return nil, fmt.Errorf("oplog: unmarshal vector clock: %w", err)
	}
	return &op, nil
}

func scanOpRows(rows *sql.Rows) (Operation, error) {
	op, err := scanOp(rows)
	if err != nil {
		return Operation{}, err
	}
	return *op, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
