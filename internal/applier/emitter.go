package applier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/oplog"
)

// Emitter is the §4.10 recipe exposed as an interface: given an already
// decided domain payload, build a fresh Operation around the node's own
// vector clock and route it through Apply, the same path every
// remote-origin operation goes through.
//
// The HTTP surface that would call this — request parsing, password
// hashing, API-key issuance, the chunking algorithm, chunk placement
// decisions — is external and deliberately not built here; Emitter only
// ever sees a payload that surface has already assembled.
type Emitter interface {
	Emit(userID id.ID, opType oplog.Type, payload interface{}) (oplog.Operation, error)
}

type emitter struct {
	log *oplog.Log
	a   *Applier
}

// NewEmitter builds the Emitter for a node, wired to its operation log and
// its Applier.
func NewEmitter(log *oplog.Log, a *Applier) Emitter {
	return &emitter{log: log, a: a}
}

// Emit increments the local vector clock, generates a fresh op_id, and
// hands the resulting Operation to Apply. Apply stores the op in the log
// as unapplied in its own statement, then runs the domain-table mutation
// and the applied mark together in withTxn's transaction; the log insert
// is not part of that transaction.
func (e *emitter) Emit(userID id.ID, opType oplog.Type, payload interface{}) (oplog.Operation, error) {
	vc, err := e.log.IncrementLocal()
	if err != nil {
		return oplog.Operation{}, fmt.Errorf("applier: increment vector clock: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return oplog.Operation{}, fmt.Errorf("applier: marshal %s payload: %w", opType, err)
	}
	op := oplog.Operation{
		OperationID: id.New(),
		OpType:      opType,
		UserID:      userID,
		TimestampMs: time.Now().UnixMilli(),
		VectorClock: vc,
		Payload:     raw,
	}
	if _, err := e.a.Apply(op); err != nil {
		return op, fmt.Errorf("applier: apply %s: %w", opType, err)
	}
	return op, nil
}
