package chunkstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/id"
)

func TestComputeAndVerifyChecksum(t *testing.T) {
	data := []byte("hello chunk")
	sum := ComputeChecksum(data)
	require.Len(t, sum, 64)
	require.True(t, VerifyChecksum(data, sum))
	require.False(t, VerifyChecksum(data, "deadbeef"))
}

func TestIncrementalChecksumMatchesOneShot(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	calc := NewIncrementalChecksum()
	require.NoError(t, calc.Update(data[:10]))
	require.NoError(t, calc.Update(data[10:]))
	require.Equal(t, ComputeChecksum(data), calc.Finalize())
}

func TestIncrementalChecksumRejectsUpdateAfterFinalize(t *testing.T) {
	calc := NewIncrementalChecksum()
	calc.Finalize()
	require.Error(t, calc.Update([]byte("x")))
}

func TestBlobStoreWriteReadDelete(t *testing.T) {
	dir := t.TempDir()
	blobs := NewBlobStore(filepath.Join(dir, "chunks"))

	cid := id.New()
	require.False(t, blobs.Exists(cid))

	_, err := blobs.Write(cid, []byte("payload"))
	require.NoError(t, err)
	require.True(t, blobs.Exists(cid))

	got, err := blobs.Read(cid)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	size, err := blobs.Size(cid)
	require.NoError(t, err)
	require.EqualValues(t, len("payload"), size)

	deleted, err := blobs.Delete(cid)
	require.NoError(t, err)
	require.True(t, deleted)
	require.False(t, blobs.Exists(cid))
}

func TestBlobStoreListAll(t *testing.T) {
	dir := t.TempDir()
	blobs := NewBlobStore(filepath.Join(dir, "chunks"))

	a, b := id.New(), id.New()
	_, err := blobs.Write(a, []byte("a"))
	require.NoError(t, err)
	_, err = blobs.Write(b, []byte("b"))
	require.NoError(t, err)

	ids, err := blobs.ListAll()
	require.NoError(t, err)
	require.ElementsMatch(t, []id.ID{a, b}, ids)
}

func TestIndexAddGetRemove(t *testing.T) {
	idx := NewIndex()
	cid := id.New()
	entry := Entry{ChunkID: cid, FileID: id.New(), ChunkIndex: 0, Size: 10, Checksum: "abc"}

	idx.Add(entry)
	require.True(t, idx.Has(cid))
	got, ok := idx.Get(cid)
	require.True(t, ok)
	require.Equal(t, entry, got)

	require.True(t, idx.Remove(cid))
	require.False(t, idx.Has(cid))
}

func TestIndexTombstoneBlocksReAdd(t *testing.T) {
	idx := NewIndex()
	cid := id.New()
	idx.Tombstone(Tombstone{ChunkID: cid, DeletedAt: 1000, Checksum: "abc"})
	require.True(t, idx.IsTombstoned(cid))

	idx.Add(Entry{ChunkID: cid, Size: 5})
	require.False(t, idx.Has(cid), "tombstoned chunk must never re-enter the live index")
}

func TestIndexTombstoneRemovesFromLive(t *testing.T) {
	idx := NewIndex()
	cid := id.New()
	idx.Add(Entry{ChunkID: cid, Size: 5})
	require.True(t, idx.Has(cid))

	idx.Tombstone(Tombstone{ChunkID: cid, DeletedAt: 2000})
	require.False(t, idx.Has(cid))
	require.True(t, idx.IsTombstoned(cid))
}

func TestIndexRecentEntriesOrderedNewestFirstAndCapped(t *testing.T) {
	idx := NewIndex()
	var ids []id.ID
	for i := 0; i < 5; i++ {
		cid := id.New()
		ids = append(ids, cid)
		idx.Add(Entry{ChunkID: cid, Size: int64(i)})
	}

	recent := idx.RecentEntries(3)
	require.Len(t, recent, 3)
	require.Equal(t, ids[4], recent[0].ChunkID)
	require.Equal(t, ids[3], recent[1].ChunkID)
	require.Equal(t, ids[2], recent[2].ChunkID)
}

func TestIndexSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk_index.json")

	idx := NewIndex()
	live := id.New()
	dead := id.New()
	idx.Add(Entry{ChunkID: live, FileID: id.New(), ChunkIndex: 0, Size: 42, Checksum: "abc"})
	idx.Tombstone(Tombstone{ChunkID: dead, DeletedAt: 5000, Checksum: "def"})

	require.NoError(t, idx.SaveToDisk(path))

	loaded := NewIndex()
	ok, err := loaded.LoadFromDisk(path)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, loaded.Has(live))
	require.True(t, loaded.IsTombstoned(dead))
}

func TestIndexLoadFromDiskMissingFileReturnsFalse(t *testing.T) {
	idx := NewIndex()
	ok, err := idx.LoadFromDisk(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreOpenRebuildsFromBlobsWhenIndexMissing(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "chunks")
	indexPath := filepath.Join(dir, "chunk_index.json")

	blobs := NewBlobStore(dataDir)
	cid := id.New()
	_, err := blobs.Write(cid, []byte("orphaned blob"))
	require.NoError(t, err)

	store, err := Open(dataDir, indexPath)
	require.NoError(t, err)
	require.True(t, store.Index.Has(cid))
}

func TestStoreWriteRejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chunks"), filepath.Join(dir, "chunk_index.json"))
	require.NoError(t, err)

	cid := id.New()
	err = store.Write(Entry{ChunkID: cid, Checksum: "0000000000000000000000000000000000000000000000000000000000000000"}, []byte("data"))
	require.Error(t, err)
	require.False(t, store.Index.Has(cid))
}

func TestStoreWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chunks"), filepath.Join(dir, "chunk_index.json"))
	require.NoError(t, err)

	cid := id.New()
	data := []byte("round trip payload")
	err = store.Write(Entry{ChunkID: cid, FileID: id.New(), ChunkIndex: 0, Checksum: ComputeChecksum(data)}, data)
	require.NoError(t, err)

	got, err := store.Read(cid)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStoreDeleteTombstonesAndRemovesBlob(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chunks"), filepath.Join(dir, "chunk_index.json"))
	require.NoError(t, err)

	cid := id.New()
	data := []byte("gone soon")
	require.NoError(t, store.Write(Entry{ChunkID: cid, Checksum: ComputeChecksum(data)}, data))

	require.NoError(t, store.Delete(cid, 9000))
	require.False(t, store.Blobs.Exists(cid))
	require.True(t, store.Index.IsTombstoned(cid))

	err = store.Write(Entry{ChunkID: cid, Checksum: ComputeChecksum(data)}, data)
	require.Error(t, err, "a tombstoned chunk id must refuse re-creation")
}
