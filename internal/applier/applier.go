// Package applier is the tagged-union operation dispatcher: given an
// Operation freshly received from gossip, anti-entropy, or the local
// request path, it routes on op_type, applies the type-specific conflict
// resolution, mutates the domain tables and the log in one transaction,
// and feeds dependency-blocked ops to internal/deferred.
//
// Grounded on original_source/controller/replication/operation_applier.go's
// apply_operation dispatch, expressed as a Go type switch over the
// oplog.Type enum instead of Python string comparison.
package applier

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tagvault/filestore/internal/deferred"
	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/oplog"
)

// ErrDependencyNotMet is returned (wrapped with the dependency key) when an
// operation's causal parent has not arrived yet.
var ErrDependencyNotMet = errors.New("applier: dependency not met")

// DependencyError carries the structured dependency key a caller should
// defer on.
type DependencyError struct {
	Key string
	Msg string
}

func (e *DependencyError) Error() string { return e.Msg }
func (e *DependencyError) Unwrap() error { return ErrDependencyNotMet }

func dependencyNotMet(key, msg string) error {
	return &DependencyError{Key: key, Msg: msg}
}

// Applier wires the domain store, the operation log, and the deferred
// queue together to apply remote operations.
type Applier struct {
	store       *metadatastore.Store
	log         *oplog.Log
	deferred    *deferred.Queue
	skippedFile map[id.ID]struct{} // file_ids that lost a creation conflict
}

// New builds an Applier over store and log. The caller constructs the
// deferred.Queue afterward since it needs a Retrier closing over this
// Applier; call SetDeferred once both exist.
func New(store *metadatastore.Store, log *oplog.Log) *Applier {
	return &Applier{store: store, log: log, skippedFile: make(map[id.ID]struct{})}
}

// SetDeferred wires the deferred queue used for retrying dependency-blocked
// operations.
func (a *Applier) SetDeferred(q *deferred.Queue) {
	a.deferred = q
}

// Retry adapts Apply to deferred.Retrier's signature.
func (a *Applier) Retry(op oplog.Operation) (string, error) {
	applied, err := a.Apply(op)
	if err == nil {
		return "", nil
	}
	var depErr *DependencyError
	if errors.As(err, &depErr) {
		return depErr.Key, nil
	}
	_ = applied
	return "", err
}

// Apply applies a remote operation, returning true if it materially
// changed the domain tables (false if it was a no-op: already applied, a
// conflict loser, or a dropped refinement case). A DependencyError means
// the caller should park op in the deferred queue.
func (a *Applier) Apply(op oplog.Operation) (bool, error) {
	existing, err := a.log.GetOp(op.OperationID)
	if err != nil {
		return false, fmt.Errorf("applier: look up existing op: %w", err)
	}
	if existing != nil && existing.Applied {
		return false, nil
	}
	if existing == nil {
		if err := a.log.InsertOp(op, false); err != nil {
			return false, fmt.Errorf("applier: store incoming op: %w", err)
		}
	}

	var applied bool
	switch op.OpType {
	case oplog.UserCreated:
		applied, err = a.applyUserCreated(op)
	case oplog.APIKeyUpdated:
		applied, err = a.applyAPIKeyUpdated(op)
	case oplog.FileCreated:
		applied, err = a.applyFileCreated(op)
	case oplog.FileDeleted:
		applied, err = a.applyFileDeleted(op)
	case oplog.TagsAdded:
		applied, err = a.applyTagsAdded(op)
	case oplog.TagsRemoved:
		applied, err = a.applyTagsRemoved(op)
	case oplog.ChunksCreated:
		applied, err = a.applyChunksCreated(op)
	default:
		logging.WithComponent("applier").Warn().Str("op_type", string(op.OpType)).Msg("unknown operation type")
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if applied && a.deferred != nil {
		if key := dependencyKeySatisfiedBy(op); key != "" {
			a.deferred.Satisfy(key)
		}
	}
	return applied, nil
}

// ApplyOrDefer applies op, parking it in the deferred queue itself when its
// causal parent hasn't arrived yet, so callers outside this package (gossip
// and anti-entropy pull paths) never need to touch the deferred queue
// directly.
func (a *Applier) ApplyOrDefer(op oplog.Operation) error {
	_, err := a.Apply(op)
	if err == nil {
		return nil
	}
	var depErr *DependencyError
	if errors.As(err, &depErr) {
		if a.deferred != nil {
			a.deferred.Defer(op, depErr.Key)
		}
		return nil
	}
	return err
}

// dependencyKeySatisfiedBy returns the dependency key this op's successful
// application unblocks, if any.
func dependencyKeySatisfiedBy(op oplog.Operation) string {
	switch op.OpType {
	case oplog.FileCreated:
		var p struct {
			FileID id.ID `json:"file_id"`
		}
		if json.Unmarshal(op.Payload, &p) == nil {
			return "file:" + p.FileID.String()
		}
	case oplog.UserCreated:
		var p struct {
			UserID id.ID `json:"user_id"`
		}
		if json.Unmarshal(op.Payload, &p) == nil {
			return "user:" + p.UserID.String()
		}
	}
	return ""
}

// withTxn runs fn inside a transaction and marks op applied as its final
// statement, so the domain change and the applied mark commit together;
// op's vector clock is merged after the commit. The op row itself was
// inserted by Apply before this transaction began.
func (a *Applier) withTxn(op oplog.Operation, fn func(tx *sql.Tx) error) error {
	tx, err := a.store.DB.Begin()
	if err != nil {
		return fmt.Errorf("applier: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := a.log.MarkAppliedTx(tx, op.OperationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("applier: commit: %w", err)
	}
	return a.log.MergeRemote(op.VectorClock)
}

// dropOp marks op applied without mutating any domain table — the
// "conflict loser" and "would-become-tagless" style outcomes that must
// never be re-evaluated.
func (a *Applier) dropOp(op oplog.Operation, reason string) (bool, error) {
	logging.WithComponent("applier").Debug().
		Str("op_id", op.OperationID.String()).Str("op_type", string(op.OpType)).Str("reason", reason).
		Msg("dropped operation")
	if err := a.log.MarkApplied(op.OperationID); err != nil {
		return false, err
	}
	return false, a.log.MergeRemote(op.VectorClock)
}
