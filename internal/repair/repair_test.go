package repair

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/chunkae"
	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/storagenode/chunkstore"
	"github.com/tagvault/filestore/internal/transport/tcp"
)

func generateTestTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"filestore test"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:         []string{"filestore/1"},
		InsecureSkipVerify: true,
	}
}

type storageNode struct {
	nodeID id.ID
	addr   string
	store  *chunkstore.Store
}

func newStorageNode(t *testing.T) *storageNode {
	t.Helper()
	dir := t.TempDir()
	store, err := chunkstore.Open(filepath.Join(dir, "chunks"), filepath.Join(dir, "index.json"))
	require.NoError(t, err)

	tr := tcp.New()
	ln, err := tr.Listen(context.Background(), "127.0.0.1:0", generateTestTLSConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := rpc.NewServer(ln)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Both the anti-entropy FetchChunkData handler and the repair
	// ReplicateChunk handler run on every storage node in production; the
	// test wires both so a repair target can pull from a repair source
	// exactly the way it would pull from an anti-entropy peer.
	aeEngine := chunkae.New("", store, rpc.NewClient(tcp.New()), generateTestTLSConfig(), nil)
	aeEngine.RegisterHandlers(srv)
	target := NewTargetHandler(store, rpc.NewClient(tcp.New()), generateTestTLSConfig())
	target.RegisterHandlers(srv)

	go srv.Serve(ctx)

	return &storageNode{nodeID: id.New(), addr: ln.Addr().String(), store: store}
}

func openTestStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	s, err := metadatastore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRepairRoundReplicatesChunkToMissingNode(t *testing.T) {
	source := newStorageNode(t)
	target := newStorageNode(t)
	meta := openTestStore(t)

	require.NoError(t, meta.UpsertStorageNode(metadatastore.StorageNode{NodeID: source.nodeID, Address: source.addr, Status: metadatastore.NodeActive}))
	require.NoError(t, meta.UpsertStorageNode(metadatastore.StorageNode{NodeID: target.nodeID, Address: target.addr, Status: metadatastore.NodeActive}))

	data := []byte("under-replicated chunk")
	cid := id.New()
	require.NoError(t, source.store.Write(chunkstore.Entry{ChunkID: cid, Checksum: chunkstore.ComputeChecksum(data)}, data))

	tx, err := meta.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, metadatastore.InsertChunkManifestEntry(tx, metadatastore.ChunkManifestEntry{
		ChunkID: cid, FileID: id.New(), ChunkIndex: 0, Size: int64(len(data)), Checksum: chunkstore.ComputeChecksum(data),
	}))
	require.NoError(t, tx.Commit())
	require.NoError(t, meta.InsertPlacement(cid, source.nodeID))

	eng := New(meta, rpc.NewClient(tcp.New()), generateTestTLSConfig())
	eng.Round(context.Background())

	require.True(t, target.store.Index.Has(cid))
	got, err := target.store.Read(cid)
	require.NoError(t, err)
	require.Equal(t, data, got)

	locations, err := meta.PlacementsForChunk(cid)
	require.NoError(t, err)
	require.Contains(t, locations, target.nodeID)
}

func TestRepairRoundSkipsFullyReplicatedChunk(t *testing.T) {
	source := newStorageNode(t)
	meta := openTestStore(t)

	require.NoError(t, meta.UpsertStorageNode(metadatastore.StorageNode{NodeID: source.nodeID, Address: source.addr, Status: metadatastore.NodeActive}))

	data := []byte("already everywhere")
	cid := id.New()
	require.NoError(t, source.store.Write(chunkstore.Entry{ChunkID: cid, Checksum: chunkstore.ComputeChecksum(data)}, data))

	tx, err := meta.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, metadatastore.InsertChunkManifestEntry(tx, metadatastore.ChunkManifestEntry{
		ChunkID: cid, FileID: id.New(), ChunkIndex: 0, Size: int64(len(data)), Checksum: chunkstore.ComputeChecksum(data),
	}))
	require.NoError(t, tx.Commit())
	require.NoError(t, meta.InsertPlacement(cid, source.nodeID))

	eng := New(meta, rpc.NewClient(tcp.New()), generateTestTLSConfig())
	eng.Round(context.Background()) // no panic, no-op since the only active node already has it
}
