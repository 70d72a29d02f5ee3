package applier

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tagvault/filestore/internal/conflict"
	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/oplog"
)

type userCreatedPayload struct {
	UserID       id.ID  `json:"user_id"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	APIKey       string `json:"api_key"`
	CreatedAt    int64  `json:"created_at"`
}

func (a *Applier) applyUserCreated(op oplog.Operation) (bool, error) {
	var p userCreatedPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return false, fmt.Errorf("applier: decode USER_CREATED payload: %w", err)
	}

	existing, err := a.store.GetUserByUsername(p.Username)
	if err != nil && err != metadatastore.ErrNotFound {
		return false, err
	}

	if existing == nil {
		return true, a.withTxn(op, func(tx *sql.Tx) error {
			return metadatastore.InsertUser(tx, metadatastore.User{
				UserID: p.UserID, Username: p.Username, PasswordHash: p.PasswordHash,
				APIKey: sql.NullString{String: p.APIKey, Valid: p.APIKey != ""}, CreatedAt: p.CreatedAt,
			})
		})
	}

	// A user with this username already exists: gather every USER_CREATED
	// op for both the existing and incoming user id and resolve the
	// concurrent-creation conflict deterministically.
	existingOps, err := a.log.GetOpsForUser(existing.UserID)
	if err != nil {
		return false, err
	}
	incomingOps, err := a.log.GetOpsForUser(op.UserID)
	if err != nil {
		return false, err
	}

	candidates := collectCandidates(existingOps, incomingOps, oplog.UserCreated)
	if len(candidates) <= 1 {
		return a.dropOp(op, "user already exists, no competing creation found")
	}

	winnerIdx := conflict.WinnerCreation(toConflictCandidates(candidates))
	if candidates[winnerIdx].op.OperationID != op.OperationID {
		return a.dropOp(op, "lost concurrent user creation conflict")
	}

	logging.WithComponent("applier").Warn().
		Str("username", p.Username).Str("op_id", op.OperationID.String()).
		Msg("concurrent user creation conflict won, rewriting user row")

	return true, a.withTxn(op, func(tx *sql.Tx) error {
		return metadatastore.ReplaceUserByUsername(tx, p.Username, metadatastore.User{
			UserID: p.UserID, PasswordHash: p.PasswordHash,
			APIKey: sql.NullString{String: p.APIKey, Valid: p.APIKey != ""}, CreatedAt: p.CreatedAt,
		})
	})
}

type apiKeyUpdatedPayload struct {
	UserID       id.ID  `json:"user_id"`
	NewAPIKey    string `json:"new_api_key"`
	KeyUpdatedAt int64  `json:"key_updated_at"`
}

func (a *Applier) applyAPIKeyUpdated(op oplog.Operation) (bool, error) {
	var p apiKeyUpdatedPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return false, fmt.Errorf("applier: decode API_KEY_UPDATED payload: %w", err)
	}

	user, err := a.store.GetUserByID(p.UserID)
	if err == metadatastore.ErrNotFound {
		return false, dependencyNotMet("user:"+p.UserID.String(),
			fmt.Sprintf("user %s must exist before its API key can be updated", p.UserID))
	}
	if err != nil {
		return false, err
	}
	_ = user

	priorOps, err := a.log.GetOpsForUser(p.UserID)
	if err != nil {
		return false, err
	}

	var latest *oplog.Operation
	for i := range priorOps {
		o := priorOps[i]
		if o.OpType == oplog.APIKeyUpdated && o.Applied && o.OperationID != op.OperationID {
			if latest == nil || o.TimestampMs > latest.TimestampMs {
				latest = &o
			}
		}
	}

	if latest != nil {
		d := conflict.Resolve(
			conflict.Candidate{VC: latest.VectorClock, TimestampMs: latest.TimestampMs, Key: latest.OperationID.String()},
			conflict.Candidate{VC: op.VectorClock, TimestampMs: op.TimestampMs, Key: op.OperationID.String()},
		)
		if d.Action == conflict.KeepLocal {
			return a.dropOp(op, "stale API_KEY_UPDATED: "+d.Reason)
		}
	}

	return true, a.withTxn(op, func(tx *sql.Tx) error {
		return metadatastore.UpdateAPIKey(tx, p.UserID, p.NewAPIKey, p.KeyUpdatedAt)
	})
}

type fileCreatedPayload struct {
	FileID    id.ID    `json:"file_id"`
	Name      string   `json:"name"`
	Size      int64    `json:"size"`
	OwnerID   id.ID    `json:"owner_id"`
	CreatedAt int64    `json:"created_at"`
	Tags      []string `json:"tags"`
}

func (a *Applier) applyFileCreated(op oplog.Operation) (bool, error) {
	var p fileCreatedPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return false, fmt.Errorf("applier: decode FILE_CREATED payload: %w", err)
	}

	if tomb, err := a.store.GetFileTombstone(p.OwnerID, p.Name); err == nil {
		if tomb.DeletedAt > p.CreatedAt {
			return a.dropOp(op, "loses to file tombstone")
		}
		if err := func() error {
			tx, err := a.store.DB.Begin()
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := metadatastore.DeleteFileTombstone(tx, p.OwnerID, p.Name); err != nil {
				return err
			}
			return tx.Commit()
		}(); err != nil {
			return false, err
		}
	} else if err != metadatastore.ErrNotFound {
		return false, err
	}

	existing, err := a.store.GetFileByOwnerAndName(p.OwnerID, p.Name)
	if err != nil && err != metadatastore.ErrNotFound {
		return false, err
	}

	if existing == nil {
		return true, a.withTxn(op, func(tx *sql.Tx) error {
			return metadatastore.InsertFile(tx, metadatastore.File{
				FileID: p.FileID, Name: p.Name, Size: p.Size, OwnerID: p.OwnerID, CreatedAt: p.CreatedAt,
			}, p.Tags)
		})
	}

	competingIDs, err := a.store.FindFileCreatedOperationIDsByName(p.OwnerID, p.Name)
	if err != nil {
		return false, err
	}
	if len(competingIDs) == 0 {
		return a.dropOp(op, "file already exists for owner, no competing creation found")
	}

	competingOps, err := a.log.GetOpsByIDs(competingIDs)
	if err != nil {
		return false, err
	}
	// op itself is already persisted in the operations table by this point
	// (Apply inserts it before dispatch), so competingOps already includes
	// it; no need to append it again.
	candidates := make([]applierCandidate, 0, len(competingOps))
	for _, o := range competingOps {
		var cp fileCreatedPayload
		if json.Unmarshal(o.Payload, &cp) == nil && cp.Name == p.Name {
			candidates = append(candidates, applierCandidate{op: o, key: cp.FileID.String()})
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, applierCandidate{op: op, key: p.FileID.String()})
	}

	winnerIdx := conflict.WinnerCreation(toConflictCandidates(candidates))
	if candidates[winnerIdx].op.OperationID != op.OperationID {
		a.skippedFile[p.FileID] = struct{}{}
		return a.dropOp(op, "lost concurrent file creation conflict")
	}

	logging.WithComponent("applier").Warn().
		Str("owner_id", p.OwnerID.String()).Str("name", p.Name).Str("op_id", op.OperationID.String()).
		Msg("concurrent file creation conflict won, rewriting file row")

	return true, a.withTxn(op, func(tx *sql.Tx) error {
		return metadatastore.ReplaceFile(tx, p.OwnerID, p.Name, metadatastore.File{
			FileID: p.FileID, Name: p.Name, Size: p.Size, OwnerID: p.OwnerID, CreatedAt: p.CreatedAt,
		}, p.Tags)
	})
}

type fileDeletedPayload struct {
	FileID                id.ID  `json:"file_id"`
	OwnerID               id.ID  `json:"owner_id"`
	Name                  string `json:"name"`
	DeletedAt             int64  `json:"deleted_at"`
	DeletedByControllerID string `json:"deleted_by_controller_id"`
}

func (a *Applier) applyFileDeleted(op oplog.Operation) (bool, error) {
	var p fileDeletedPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return false, fmt.Errorf("applier: decode FILE_DELETED payload: %w", err)
	}

	existing, err := a.store.GetFileByOwnerAndName(p.OwnerID, p.Name)
	if err != nil && err != metadatastore.ErrNotFound {
		return false, err
	}

	if existing != nil && p.DeletedAt < existing.CreatedAt {
		return a.dropOp(op, "delete loses to newer file replacement")
	}

	var orphanedChunks []id.ID
	if err := a.withTxn(op, func(tx *sql.Tx) error {
		if existing != nil {
			ids, err := metadatastore.DeleteChunkManifestEntriesForFile(tx, existing.FileID)
			if err != nil {
				return err
			}
			orphanedChunks = ids
			if err := metadatastore.DeleteFile(tx, existing.FileID); err != nil {
				return err
			}
		}
		return metadatastore.UpsertFileTombstone(tx, metadatastore.FileTombstone{
			FileID: p.FileID, OwnerID: p.OwnerID, Name: p.Name, DeletedAt: p.DeletedAt,
			DeletedByControllerID: p.DeletedByControllerID, OperationID: op.OperationID,
		})
	}); err != nil {
		return false, err
	}

	// A deleted file's chunks become GC candidates only once their
	// manifest rows are actually gone; IsChunkReferenced re-checks this at
	// GC time in case another file still shares the same chunk id.
	for _, chunkID := range orphanedChunks {
		if err := a.store.MarkChunkForGC(chunkID, nil); err != nil {
			logging.WithComponent("applier").Error().Err(err).Str("chunk_id", chunkID.String()).Msg("failed to mark orphaned chunk for gc")
		}
	}
	return true, nil
}

type tagsPayload struct {
	FileID id.ID    `json:"file_id"`
	Tags   []string `json:"tags"`
}

func (a *Applier) applyTagsAdded(op oplog.Operation) (bool, error) {
	var p tagsPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return false, fmt.Errorf("applier: decode TAGS_ADDED payload: %w", err)
	}

	if _, err := a.store.GetFileByID(p.FileID); err == metadatastore.ErrNotFound {
		return false, dependencyNotMet("file:"+p.FileID.String(), "file must exist before tags can be added")
	} else if err != nil {
		return false, err
	}

	return true, a.withTxn(op, func(tx *sql.Tx) error {
		return metadatastore.AddTags(tx, p.FileID, p.Tags)
	})
}

func (a *Applier) applyTagsRemoved(op oplog.Operation) (bool, error) {
	var p tagsPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return false, fmt.Errorf("applier: decode TAGS_REMOVED payload: %w", err)
	}

	if _, err := a.store.GetFileByID(p.FileID); err == metadatastore.ErrNotFound {
		return false, dependencyNotMet("file:"+p.FileID.String(), "file must exist before tags can be removed")
	} else if err != nil {
		return false, err
	}

	current, err := a.store.GetTags(p.FileID)
	if err != nil {
		return false, err
	}
	removing := make(map[string]struct{}, len(p.Tags))
	for _, t := range p.Tags {
		removing[t] = struct{}{}
	}
	remaining := 0
	for _, t := range current {
		if _, gone := removing[t]; !gone {
			remaining++
		}
	}
	if remaining == 0 {
		return a.dropOp(op, "would leave file tagless")
	}

	return true, a.withTxn(op, func(tx *sql.Tx) error {
		return metadatastore.RemoveTags(tx, p.FileID, p.Tags)
	})
}

type chunkPayload struct {
	ChunkID    id.ID  `json:"chunk_id"`
	ChunkIndex int    `json:"chunk_index"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
}

type chunksCreatedPayload struct {
	FileID id.ID          `json:"file_id"`
	Chunks []chunkPayload `json:"chunks"`
}

func (a *Applier) applyChunksCreated(op oplog.Operation) (bool, error) {
	var p chunksCreatedPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return false, fmt.Errorf("applier: decode CHUNKS_CREATED payload: %w", err)
	}

	if _, err := a.store.GetFileByID(p.FileID); err == metadatastore.ErrNotFound {
		if _, skipped := a.skippedFile[p.FileID]; skipped {
			return a.dropOp(op, "parent file was skipped by conflict resolution")
		}
		return false, dependencyNotMet("file:"+p.FileID.String(), "file must exist before chunks can be created")
	} else if err != nil {
		return false, err
	}

	// Resolved against the store's shared connection before opening a
	// transaction: with SetMaxOpenConns(1), a query issued against a.store
	// while a tx already holds the only connection would deadlock.
	var toInsert []chunkPayload
	for _, c := range p.Chunks {
		existingChecksum, err := a.store.GetChunkChecksum(p.FileID, c.ChunkIndex)
		if err != nil && err != metadatastore.ErrNotFound {
			return false, err
		}
		if err == metadatastore.ErrNotFound {
			toInsert = append(toInsert, c)
			continue
		}
		if existingChecksum != c.Checksum {
			return a.dropOp(op, fmt.Sprintf("checksum mismatch for chunk_index=%d", c.ChunkIndex))
		}
	}

	return true, a.withTxn(op, func(tx *sql.Tx) error {
		for _, c := range toInsert {
			if err := metadatastore.InsertChunkManifestEntry(tx, metadatastore.ChunkManifestEntry{
				ChunkID: c.ChunkID, FileID: p.FileID, ChunkIndex: c.ChunkIndex, Size: c.Size, Checksum: c.Checksum,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

type applierCandidate struct {
	op  oplog.Operation
	key string
}

func collectCandidates(a, b []oplog.Operation, t oplog.Type) []applierCandidate {
	var out []applierCandidate
	for _, o := range a {
		if o.OpType == t {
			out = append(out, applierCandidate{op: o, key: o.UserID.String()})
		}
	}
	for _, o := range b {
		if o.OpType == t {
			out = append(out, applierCandidate{op: o, key: o.UserID.String()})
		}
	}
	return out
}

func toConflictCandidates(in []applierCandidate) []conflict.Candidate {
	out := make([]conflict.Candidate, len(in))
	for i, c := range in {
		out[i] = conflict.Candidate{VC: c.op.VectorClock, TimestampMs: c.op.TimestampMs, Key: c.key}
	}
	return out
}
