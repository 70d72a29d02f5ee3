// Package deferred implements the deferred-application queue: operations
// whose causal dependency (a parent FILE_CREATED or USER_CREATED) has not
// yet arrived are parked here and retried once that dependency is
// satisfied, or on a fixed sweep interval as a backstop.
//
// Grounded on original_source/controller/replication/operation_applier.go's
// module-level _deferred_operations/_operation_dependencies maps guarded by
// an asyncio.Lock, translated into a struct guarded by sync.Mutex with a
// goroutine standing in for the periodic asyncio task.
package deferred

import (
	"context"
	"sync"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/oplog"
)

// Retrier applies an operation, returning a non-empty dependency key
// (e.g. "file:<uuid>") if the operation cannot yet be applied, or an empty
// string once it succeeds or is permanently dropped.
type Retrier func(op oplog.Operation) (dependencyKey string, err error)

// Queue holds operations parked on an unmet dependency key.
type Queue struct {
	mu sync.Mutex

	waiting map[id.ID]oplog.Operation // op_id -> operation
	byDep   map[string]map[id.ID]struct{}

	retry Retrier
}

// New builds an empty deferred queue that calls retry to re-attempt
// application.
func New(retry Retrier) *Queue {
	return &Queue{
		waiting: make(map[id.ID]oplog.Operation),
		byDep:   make(map[string]map[id.ID]struct{}),
		retry:   retry,
	}
}

// Defer parks op on dependencyKey.
func (q *Queue) Defer(op oplog.Operation, dependencyKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.waiting[op.OperationID] = op
	if q.byDep[dependencyKey] == nil {
		q.byDep[dependencyKey] = make(map[id.ID]struct{})
	}
	q.byDep[dependencyKey][op.OperationID] = struct{}{}

	logging.WithComponent("deferred").Info().
		Str("op_id", op.OperationID.String()).Str("op_type", string(op.OpType)).
		Str("dependency", dependencyKey).Msg("deferred operation")
}

// Satisfy is called once dependencyKey becomes available (e.g. the
// FILE_CREATED for file:<id> was just applied). Every operation waiting on
// it is removed from the queue and retried; if a retry still reports a
// dependency, it is deferred again.
func (q *Queue) Satisfy(dependencyKey string) {
	q.mu.Lock()
	waitingIDs, ok := q.byDep[dependencyKey]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.byDep, dependencyKey)

	var toRetry []oplog.Operation
	for opID := range waitingIDs {
		if op, ok := q.waiting[opID]; ok {
			toRetry = append(toRetry, op)
			delete(q.waiting, opID)
		}
	}
	q.mu.Unlock()

	for _, op := range toRetry {
		q.attempt(op)
	}
}

func (q *Queue) attempt(op oplog.Operation) {
	dep, err := q.retry(op)
	if err != nil {
		logging.WithComponent("deferred").Error().Err(err).
			Str("op_id", op.OperationID.String()).Msg("failed to apply deferred operation")
		return
	}
	if dep != "" {
		q.Defer(op, dep)
	}
}

// SweepOnce retries every currently deferred operation once, regardless of
// which dependency key it's parked on — the backstop for dependencies
// satisfied by a channel other than direct application (e.g. a
// conflict-resolution rewrite of the domain table).
func (q *Queue) SweepOnce() {
	q.mu.Lock()
	snapshot := make([]oplog.Operation, 0, len(q.waiting))
	for _, op := range q.waiting {
		snapshot = append(snapshot, op)
	}
	q.mu.Unlock()

	for _, op := range snapshot {
		q.mu.Lock()
		_, stillWaiting := q.waiting[op.OperationID]
		q.mu.Unlock()
		if !stillWaiting {
			continue // already satisfied and removed by a concurrent Satisfy call
		}

		dep, err := q.retry(op)
		if err != nil {
			continue
		}
		if dep == "" {
			q.remove(op.OperationID)
		}
	}
}

func (q *Queue) remove(opID id.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.waiting, opID)
	for dep, ids := range q.byDep {
		delete(ids, opID)
		if len(ids) == 0 {
			delete(q.byDep, dep)
		}
	}
}

// Len reports how many operations are currently parked.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// SweepLoop runs SweepOnce every interval until ctx is canceled.
func (q *Queue) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() > 0 {
				q.SweepOnce()
			}
		}
	}
}
