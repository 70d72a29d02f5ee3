package deferred

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/oplog"
)

func TestSatisfyRetriesWaitingOps(t *testing.T) {
	var applied int32

	q := New(func(op oplog.Operation) (string, error) {
		atomic.AddInt32(&applied, 1)
		return "", nil
	})

	op := oplog.Operation{OperationID: id.New(), OpType: oplog.TagsAdded}
	q.Defer(op, "file:abc")
	require.Equal(t, 1, q.Len())

	q.Satisfy("file:abc")

	require.Equal(t, int32(1), atomic.LoadInt32(&applied))
	require.Equal(t, 0, q.Len())
}

func TestSatisfyUnknownKeyIsNoop(t *testing.T) {
	q := New(func(op oplog.Operation) (string, error) { return "", nil })
	q.Satisfy("file:does-not-exist")
	require.Equal(t, 0, q.Len())
}

func TestRetryStillDeferredStaysQueued(t *testing.T) {
	q := New(func(op oplog.Operation) (string, error) { return "file:abc", nil })

	op := oplog.Operation{OperationID: id.New(), OpType: oplog.ChunksCreated}
	q.Defer(op, "file:abc")

	q.Satisfy("file:abc")
	require.Equal(t, 1, q.Len(), "still-unmet dependency should re-defer the operation")
}

func TestSweepOnceRetriesAllWaiting(t *testing.T) {
	var calls int32
	q := New(func(op oplog.Operation) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", nil
	})

	q.Defer(oplog.Operation{OperationID: id.New()}, "file:a")
	q.Defer(oplog.Operation{OperationID: id.New()}, "file:b")

	q.SweepOnce()

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	require.Equal(t, 0, q.Len())
}
