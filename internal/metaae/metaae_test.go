package metaae

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/applier"
	"github.com/tagvault/filestore/internal/deferred"
	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/oplog"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/transport/tcp"
	"github.com/tagvault/filestore/internal/vclock"
	"github.com/tagvault/filestore/internal/wireproto"
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

type testNode struct {
	id    id.ID
	addr  string
	store *metadatastore.Store
	log   *oplog.Log
	apply *applier.Applier
	eng   *Engine
}

func newTestNode(t *testing.T, nodeID id.ID) *testNode {
	t.Helper()
	store, err := metadatastore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := oplog.New(store.DB, nodeID.String())
	a := applier.New(store, log)
	a.SetDeferred(deferred.New(a.Retry))

	tr := tcp.New()
	ln, err := tr.Listen(context.Background(), "127.0.0.1:0", generateTestTLSConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := rpc.NewServer(ln)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	n := &testNode{id: nodeID, addr: ln.Addr().String(), store: store, log: log, apply: a}
	n.eng = New(nodeID, log, store, a, rpc.NewClient(tcp.New()), generateTestTLSConfig(), nil)
	n.eng.RegisterHandlers(srv)
	go srv.Serve(ctx)

	return n
}

func fileCreatedOp(nodeTag string, seq uint64, fileID, ownerID id.ID, name string, ts int64) oplog.Operation {
	payload := []byte(`{"file_id":"` + fileID.String() + `","name":"` + name +
		`","size":1,"owner_id":"` + ownerID.String() + `","created_at":` + strconv.FormatInt(ts, 10) + `}`)
	return oplog.Operation{
		OperationID: id.New(), OpType: oplog.FileCreated, UserID: ownerID, TimestampMs: ts,
		VectorClock: vclock.FromMap(map[string]uint64{nodeTag: seq}),
		Payload:     payload, CreatedAt: ts,
	}
}

func TestSyncPullsOperationOnlyPeerHas(t *testing.T) {
	a := newTestNode(t, id.New())
	b := newTestNode(t, id.New())

	owner := id.New()
	op := fileCreatedOp(b.id.String(), 1, id.New(), owner, "only-on-b.txt", 1000)
	require.NoError(t, b.log.InsertOp(op, true))

	err := a.eng.syncWith(context.Background(), b.addr)
	require.NoError(t, err)

	got, err := a.log.GetOp(op.OperationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Applied)

	f, err := a.store.GetFileByOwnerAndName(owner, "only-on-b.txt")
	require.NoError(t, err)
	require.Equal(t, "only-on-b.txt", f.Name)
}

func TestSyncPushesOperationOnlyLocalHas(t *testing.T) {
	a := newTestNode(t, id.New())
	b := newTestNode(t, id.New())

	owner := id.New()
	op := fileCreatedOp(a.id.String(), 1, id.New(), owner, "only-on-a.txt", 2000)
	require.NoError(t, a.log.InsertOp(op, true))

	err := a.eng.syncWith(context.Background(), b.addr)
	require.NoError(t, err)

	got, err := b.log.GetOp(op.OperationID)
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = b.store.GetFileByOwnerAndName(owner, "only-on-a.txt")
	require.NoError(t, err)
}

func TestHandleGetStateSummaryListsAllOperationIDs(t *testing.T) {
	a := newTestNode(t, id.New())

	owner := id.New()
	op := fileCreatedOp(a.id.String(), 1, id.New(), owner, "f.txt", 1000)
	require.NoError(t, a.log.InsertOp(op, true))

	client := rpc.NewClient(tcp.New())
	var resp rpc.StateSummary
	err := client.Call(context.Background(), a.addr, generateTestTLSConfig(), wireproto.KindGetStateSummary, rpc.Empty{}, &resp)
	require.NoError(t, err)
	require.Contains(t, resp.OperationIDs, op.OperationID.String())
}
