package gc

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

func openTestStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	s, err := metadatastore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func startCoordinatorPeer(t *testing.T, store *metadatastore.Store) string {
	t.Helper()
	tr := tcp.New()
	ln, err := tr.Listen(context.Background(), "127.0.0.1:0", generateTestTLSConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := rpc.NewServer(ln)
	RegisterHandlers(srv, store)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return ln.Addr().String()
}

func startStorageNode(t *testing.T) (string, *chunkstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := chunkstore.Open(filepath.Join(dir, "chunks"), filepath.Join(dir, "index.json"))
	require.NoError(t, err)

	tr := tcp.New()
	ln, err := tr.Listen(context.Background(), "127.0.0.1:0", generateTestTLSConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := rpc.NewServer(ln)
	NewStorageHandler(store).RegisterHandlers(srv)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return ln.Addr().String(), store
}

func TestGCRoundDeletesUnreferencedChunkOnUnanimousQuorum(t *testing.T) {
	local := openTestStore(t)
	peerStore := openTestStore(t)
	peerAddr := startCoordinatorPeer(t, peerStore)

	nodeAddr, nodeStore := startStorageNode(t)
	nodeID := id.New()
	require.NoError(t, local.UpsertStorageNode(metadatastore.StorageNode{NodeID: nodeID, Address: nodeAddr, Status: metadatastore.NodeActive}))

	data := []byte("orphaned")
	cid := id.New()
	require.NoError(t, nodeStore.Write(chunkstore.Entry{ChunkID: cid, Checksum: chunkstore.ComputeChecksum(data)}, data))
	require.NoError(t, local.InsertPlacement(cid, nodeID))
	require.NoError(t, local.MarkChunkForGC(cid, nil))

	eng := New(local, rpc.NewClient(tcp.New()), generateTestTLSConfig(), 10, func() ([]string, error) {
		return []string{peerAddr}, nil
	})
	eng.Round(context.Background())

	require.False(t, nodeStore.Index.Has(cid))
	require.True(t, nodeStore.Index.IsTombstoned(cid))

	marked, err := local.ChunksMarkedForGC()
	require.NoError(t, err)
	require.NotContains(t, marked, cid)

	locations, err := local.PlacementsForChunk(cid)
	require.NoError(t, err)
	require.Empty(t, locations)
}

func TestGCRoundAbortsWhenPeerReportsLive(t *testing.T) {
	local := openTestStore(t)
	peerStore := openTestStore(t)
	peerAddr := startCoordinatorPeer(t, peerStore)

	nodeAddr, nodeStore := startStorageNode(t)
	nodeID := id.New()
	require.NoError(t, local.UpsertStorageNode(metadatastore.StorageNode{NodeID: nodeID, Address: nodeAddr, Status: metadatastore.NodeActive}))

	data := []byte("still referenced elsewhere")
	cid := id.New()
	require.NoError(t, nodeStore.Write(chunkstore.Entry{ChunkID: cid, Checksum: chunkstore.ComputeChecksum(data)}, data))
	require.NoError(t, local.InsertPlacement(cid, nodeID))
	require.NoError(t, local.MarkChunkForGC(cid, nil))

	tx, err := peerStore.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, metadatastore.InsertChunkManifestEntry(tx, metadatastore.ChunkManifestEntry{
		ChunkID: cid, FileID: id.New(), ChunkIndex: 0, Size: int64(len(data)), Checksum: chunkstore.ComputeChecksum(data),
	}))
	require.NoError(t, tx.Commit())

	eng := New(local, rpc.NewClient(tcp.New()), generateTestTLSConfig(), 10, func() ([]string, error) {
		return []string{peerAddr}, nil
	})
	eng.Round(context.Background())

	require.True(t, nodeStore.Index.Has(cid), "chunk must survive when a peer reports it live")

	marked, err := local.ChunksMarkedForGC()
	require.NoError(t, err)
	require.Contains(t, marked, cid, "gc mark stays set so a later round retries the chunk")
}

func TestGCRoundSkipsChunkLiveLocally(t *testing.T) {
	local := openTestStore(t)
	peerStore := openTestStore(t)
	peerAddr := startCoordinatorPeer(t, peerStore)

	cid := id.New()
	tx, err := local.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, metadatastore.InsertChunkManifestEntry(tx, metadatastore.ChunkManifestEntry{
		ChunkID: cid, FileID: id.New(), ChunkIndex: 0, Size: 4, Checksum: "x",
	}))
	require.NoError(t, tx.Commit())
	require.NoError(t, local.MarkChunkForGC(cid, nil))

	eng := New(local, rpc.NewClient(tcp.New()), generateTestTLSConfig(), 10, func() ([]string, error) {
		return []string{peerAddr}, nil
	})
	eng.Round(context.Background())

	marked, err := local.ChunksMarkedForGC()
	require.NoError(t, err)
	require.NotContains(t, marked, cid)
}
