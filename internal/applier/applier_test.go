package applier

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/deferred"
	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/oplog"
	"github.com/tagvault/filestore/internal/vclock"
)

func newTestApplier(t *testing.T) (*Applier, *oplog.Log) {
	t.Helper()
	store, err := metadatastore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := oplog.New(store.DB, "node-a")
	a := New(store, log)
	q := deferred.New(a.Retry)
	a.SetDeferred(q)
	return a, log
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestApplyUserCreatedThenIdempotentReapply(t *testing.T) {
	a, _ := newTestApplier(t)

	userID := id.New()
	op := oplog.Operation{
		OperationID: id.New(), OpType: oplog.UserCreated, UserID: userID, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload: mustJSON(t, userCreatedPayload{
			UserID: userID, Username: "alice", PasswordHash: "hash", CreatedAt: 1000,
		}),
	}

	applied, err := a.Apply(op)
	require.NoError(t, err)
	require.True(t, applied)

	u, err := a.store.GetUserByUsername("alice")
	require.NoError(t, err)
	require.Equal(t, userID, u.UserID)

	// Re-applying the identical op must be a no-op, not an error.
	applied, err = a.Apply(op)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestApplyUserCreatedConcurrentConflictEarlierTimestampWins(t *testing.T) {
	a, _ := newTestApplier(t)

	earlier := id.New()
	later := id.New()

	opEarlier := oplog.Operation{
		OperationID: id.New(), OpType: oplog.UserCreated, UserID: earlier, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload:     mustJSON(t, userCreatedPayload{UserID: earlier, Username: "alice", PasswordHash: "h1", CreatedAt: 1000}),
	}
	opLater := oplog.Operation{
		OperationID: id.New(), OpType: oplog.UserCreated, UserID: later, TimestampMs: 2000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-b": 1}),
		Payload:     mustJSON(t, userCreatedPayload{UserID: later, Username: "alice", PasswordHash: "h2", CreatedAt: 2000}),
	}

	_, err := a.Apply(opLater)
	require.NoError(t, err)
	_, err = a.Apply(opEarlier)
	require.NoError(t, err)

	u, err := a.store.GetUserByUsername("alice")
	require.NoError(t, err)
	require.Equal(t, earlier, u.UserID, "the earlier timestamp_ms should win a concurrent username creation race, regardless of apply order")
}

func TestApplyAPIKeyUpdatedDefersWithoutUser(t *testing.T) {
	a, _ := newTestApplier(t)

	userID := id.New()
	op := oplog.Operation{
		OperationID: id.New(), OpType: oplog.APIKeyUpdated, UserID: userID, TimestampMs: 2000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload:     mustJSON(t, apiKeyUpdatedPayload{UserID: userID, NewAPIKey: "new-key", KeyUpdatedAt: 2000}),
	}

	_, err := a.Apply(op)
	require.Error(t, err)

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	require.Equal(t, "user:"+userID.String(), depErr.Key)
}

func TestApplyAPIKeyUpdatedAfterUserCreatedViaDeferredQueue(t *testing.T) {
	a, _ := newTestApplier(t)

	userID := id.New()
	userOp := oplog.Operation{
		OperationID: id.New(), OpType: oplog.UserCreated, UserID: userID, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload:     mustJSON(t, userCreatedPayload{UserID: userID, Username: "bob", PasswordHash: "h", CreatedAt: 1000}),
	}
	keyOp := oplog.Operation{
		OperationID: id.New(), OpType: oplog.APIKeyUpdated, UserID: userID, TimestampMs: 2000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 2}),
		Payload:     mustJSON(t, apiKeyUpdatedPayload{UserID: userID, NewAPIKey: "k2", KeyUpdatedAt: 2000}),
	}

	_, err := a.Apply(keyOp)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	a.deferred.Defer(keyOp, depErr.Key)

	_, err = a.Apply(userOp)
	require.NoError(t, err)

	u, err := a.store.GetUserByUsername("bob")
	require.NoError(t, err)
	require.True(t, u.APIKey.Valid)
	require.Equal(t, "k2", u.APIKey.String)
}

func TestApplyFileCreatedConcurrentConflictLowerFileIDWins(t *testing.T) {
	a, _ := newTestApplier(t)

	owner := id.New()
	idA := id.MustParse("00000000-0000-0000-0000-00000000000a")
	idB := id.MustParse("00000000-0000-0000-0000-00000000000b")

	opA := oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileCreated, UserID: owner, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload:     mustJSON(t, fileCreatedPayload{FileID: idA, Name: "doc.txt", Size: 10, OwnerID: owner, CreatedAt: 1000}),
	}
	opB := oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileCreated, UserID: owner, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-b": 1}),
		Payload:     mustJSON(t, fileCreatedPayload{FileID: idB, Name: "doc.txt", Size: 20, OwnerID: owner, CreatedAt: 1000}),
	}

	_, err := a.Apply(opA)
	require.NoError(t, err)
	_, err = a.Apply(opB)
	require.NoError(t, err)

	f, err := a.store.GetFileByOwnerAndName(owner, "doc.txt")
	require.NoError(t, err)
	require.Equal(t, idA, f.FileID, "lexicographically smaller file_id should win the tiebreak at equal timestamps")
}

func TestApplyFileCreatedConcurrentConflictEarlierTimestampWins(t *testing.T) {
	a, _ := newTestApplier(t)

	owner := id.New()
	earlier := id.New()
	later := id.New()

	opEarlier := oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileCreated, UserID: owner, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload:     mustJSON(t, fileCreatedPayload{FileID: earlier, Name: "doc.txt", Size: 10, OwnerID: owner, CreatedAt: 1000}),
	}
	opLater := oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileCreated, UserID: owner, TimestampMs: 2000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-b": 1}),
		Payload:     mustJSON(t, fileCreatedPayload{FileID: later, Name: "doc.txt", Size: 20, OwnerID: owner, CreatedAt: 2000}),
	}

	_, err := a.Apply(opLater)
	require.NoError(t, err)
	_, err = a.Apply(opEarlier)
	require.NoError(t, err)

	f, err := a.store.GetFileByOwnerAndName(owner, "doc.txt")
	require.NoError(t, err)
	require.Equal(t, earlier, f.FileID, "the earlier timestamp_ms should win a concurrent creation race, regardless of apply order")
}

func TestApplyFileCreatedLosesToTombstone(t *testing.T) {
	a, _ := newTestApplier(t)

	owner := id.New()
	fileID := id.New()

	tombOp := oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileDeleted, UserID: owner, TimestampMs: 5000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload: mustJSON(t, fileDeletedPayload{
			FileID: fileID, OwnerID: owner, Name: "report.pdf", DeletedAt: 5000, DeletedByControllerID: "node-a",
		}),
	}
	_, err := a.Apply(tombOp)
	require.NoError(t, err)

	createOp := oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileCreated, UserID: owner, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-b": 1}),
		Payload: mustJSON(t, fileCreatedPayload{
			FileID: id.New(), Name: "report.pdf", Size: 1, OwnerID: owner, CreatedAt: 1000,
		}),
	}
	applied, err := a.Apply(createOp)
	require.NoError(t, err)
	require.False(t, applied)

	_, err = a.store.GetFileByOwnerAndName(owner, "report.pdf")
	require.ErrorIs(t, err, metadatastore.ErrNotFound)
}

func TestApplyTagsRemovedWouldLeaveFileTaglessIsDropped(t *testing.T) {
	a, _ := newTestApplier(t)

	owner := id.New()
	fileID := id.New()

	createOp := oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileCreated, UserID: owner, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload: mustJSON(t, fileCreatedPayload{
			FileID: fileID, Name: "only-tag.txt", Size: 1, OwnerID: owner, CreatedAt: 1000, Tags: []string{"solo"},
		}),
	}
	_, err := a.Apply(createOp)
	require.NoError(t, err)

	removeOp := oplog.Operation{
		OperationID: id.New(), OpType: oplog.TagsRemoved, UserID: owner, TimestampMs: 2000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 2}),
		Payload:     mustJSON(t, tagsPayload{FileID: fileID, Tags: []string{"solo"}}),
	}
	applied, err := a.Apply(removeOp)
	require.NoError(t, err)
	require.False(t, applied)

	tags, err := a.store.GetTags(fileID)
	require.NoError(t, err)
	require.Equal(t, []string{"solo"}, tags)
}

func TestApplyChunksCreatedDependsOnFile(t *testing.T) {
	a, _ := newTestApplier(t)

	fileID := id.New()
	chunksOp := oplog.Operation{
		OperationID: id.New(), OpType: oplog.ChunksCreated, UserID: id.New(), TimestampMs: 3000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload: mustJSON(t, chunksCreatedPayload{
			FileID: fileID,
			Chunks: []chunkPayload{{ChunkID: id.New(), ChunkIndex: 0, Size: 100, Checksum: "abc"}},
		}),
	}

	_, err := a.Apply(chunksOp)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	require.Equal(t, "file:"+fileID.String(), depErr.Key)
}

func TestApplyChunksCreatedChecksumMismatchIsDropped(t *testing.T) {
	a, _ := newTestApplier(t)

	owner := id.New()
	fileID := id.New()
	createOp := oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileCreated, UserID: owner, TimestampMs: 1000,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 1}),
		Payload:     mustJSON(t, fileCreatedPayload{FileID: fileID, Name: "blob.bin", Size: 100, OwnerID: owner, CreatedAt: 1000}),
	}
	_, err := a.Apply(createOp)
	require.NoError(t, err)

	first := oplog.Operation{
		OperationID: id.New(), OpType: oplog.ChunksCreated, UserID: owner, TimestampMs: 1100,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 2}),
		Payload: mustJSON(t, chunksCreatedPayload{
			FileID: fileID, Chunks: []chunkPayload{{ChunkID: id.New(), ChunkIndex: 0, Size: 50, Checksum: "checksum-a"}},
		}),
	}
	applied, err := a.Apply(first)
	require.NoError(t, err)
	require.True(t, applied)

	second := oplog.Operation{
		OperationID: id.New(), OpType: oplog.ChunksCreated, UserID: owner, TimestampMs: 1200,
		VectorClock: vclock.FromMap(map[string]uint64{"node-a": 3}),
		Payload: mustJSON(t, chunksCreatedPayload{
			FileID: fileID, Chunks: []chunkPayload{{ChunkID: id.New(), ChunkIndex: 0, Size: 50, Checksum: "checksum-b"}},
		}),
	}
	applied, err = a.Apply(second)
	require.NoError(t, err)
	require.False(t, applied)

	checksum, err := a.store.GetChunkChecksum(fileID, 0)
	require.NoError(t, err)
	require.Equal(t, "checksum-a", checksum)
}
