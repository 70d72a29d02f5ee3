// Package coordinator boots a C-node: it wires together the operation log,
// domain store, applier, and every replication/repair/GC engine a
// coordinator runs, and answers storage-node heartbeats over HTTP while
// speaking gossip/anti-entropy/repair/GC to its peers over the RPC
// transport. Lifecycle shape (State enum, mutex-guarded transitions,
// context-cancel-driven shutdown) is grounded on
// WebFirstLanguage-beenet/pkg/agent/agent.go's Agent; what gets started and
// in what order is grounded on original_source/controller/main.go.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tagvault/filestore/internal/applier"
	"github.com/tagvault/filestore/internal/config"
	"github.com/tagvault/filestore/internal/deferred"
	"github.com/tagvault/filestore/internal/discovery"
	"github.com/tagvault/filestore/internal/gc"
	"github.com/tagvault/filestore/internal/health"
	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/metaae"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/metagossip"
	"github.com/tagvault/filestore/internal/nodeid"
	"github.com/tagvault/filestore/internal/oplog"
	"github.com/tagvault/filestore/internal/repair"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/tlsutil"
	"github.com/tagvault/filestore/internal/transport"
	"github.com/tagvault/filestore/internal/transport/tcp"
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Node is a running coordinator. Construct with New, then Start/Stop.
type Node struct {
	mu    sync.RWMutex
	state State
	cfg   config.Coordinator

	nodeID id.ID
	store  *metadatastore.Store
	log    *oplog.Log
	app    *applier.Applier
	queue  *deferred.Queue
	em     applier.Emitter

	cache    *discovery.Cache
	resolver *discovery.Resolver

	rpcClient   *rpc.Client
	rpcListener transport.Listener
	rpcServer   *rpc.Server

	metaGossip *metagossip.Engine
	metaAE     *metaae.Engine
	repairEng  *repair.Engine
	gcEng      *gc.Engine

	heartbeatMonitor *health.Monitor
	httpServer       *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Node. All wiring happens in Start so construction
// itself can never fail.
func New(cfg config.Coordinator) *Node {
	return &Node{cfg: cfg, state: StateStopped, done: make(chan struct{})}
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Emitter exposes the §4.10 operation emitter for an (unbuilt) HTTP
// surface to call once the node is running.
func (n *Node) Emitter() applier.Emitter {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.em
}

// Start wires and launches every coordinator subsystem.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateRunning || n.state == StateStarting {
		return fmt.Errorf("coordinator: already %s", n.state)
	}
	n.state = StateStarting
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})

	log := logging.WithComponent("coordinator")

	nodeID, err := nodeid.LoadOrCreate(n.cfg.NodeIDFilePath)
	if err != nil {
		n.cancel()
		return fmt.Errorf("coordinator: load node id: %w", err)
	}
	n.nodeID = nodeID

	store, err := metadatastore.Open(n.cfg.DatabasePath)
	if err != nil {
		n.cancel()
		return fmt.Errorf("coordinator: open metadata store: %w", err)
	}
	n.store = store

	n.log = oplog.New(store.DB, nodeID.String())
	n.app = applier.New(store, n.log)
	n.queue = deferred.New(n.app.Retry)
	n.app.SetDeferred(n.queue)
	n.em = applier.NewEmitter(n.log, n.app)

	n.cache = discovery.NewCache(n.cfg.PeerCachePath)
	n.resolver = discovery.NewResolver(n.cache)

	tlsConf, err := tlsutil.GenerateSelfSigned(n.cfg.ReplicationAdvertiseAddr)
	if err != nil {
		n.cancel()
		return fmt.Errorf("coordinator: generate tls config: %w", err)
	}

	tr := tcp.New()
	ln, err := tr.Listen(n.ctx, n.cfg.ReplicationListenAddr, tlsConf)
	if err != nil {
		n.cancel()
		return fmt.Errorf("coordinator: listen on replication address: %w", err)
	}
	n.rpcListener = ln
	n.rpcClient = rpc.NewClient(tr)
	n.rpcServer = rpc.NewServer(ln)

	coordinatorPeers := func() ([]string, error) {
		return n.resolver.Discover(n.ctx, n.cfg.ControllerServiceName, n.cfg.ReplicationPort)
	}
	storagePeers := func() ([]string, error) {
		return n.resolver.Discover(n.ctx, n.cfg.StorageServiceName, n.cfg.StoragePort)
	}

	n.metaGossip = metagossip.New(nodeID, n.cfg.ReplicationAdvertiseAddr, n.log, store, n.app, n.rpcClient, tlsConf, n.cfg.GossipFanOut, coordinatorPeers)
	n.metaAE = metaae.New(nodeID, n.log, store, n.app, n.rpcClient, tlsConf, coordinatorPeers)
	n.repairEng = repair.New(store, n.rpcClient, tlsConf)
	n.gcEng = gc.New(store, n.rpcClient, tlsConf, n.cfg.GCBatchSize, coordinatorPeers)

	n.metaGossip.RegisterHandlers(n.rpcServer)
	n.metaAE.RegisterHandlers(n.rpcServer)
	gc.RegisterHandlers(n.rpcServer, store)

	n.heartbeatMonitor = health.NewMonitor(store, n.cfg.HeartbeatTimeout)

	heartbeatHandler := health.NewHandler(store)
	n.httpServer = &http.Server{Addr: n.cfg.ListenAddr, Handler: heartbeatHandler.Mux()}

	_ = storagePeers // unused: the coordinator runs no Ping sweep of storage nodes

	go func() {
		if err := n.rpcServer.Serve(n.ctx); err != nil && n.ctx.Err() == nil {
			log.Error().Err(err).Msg("rpc server stopped")
		}
	}()
	go func() {
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("heartbeat http server stopped")
		}
	}()
	go n.metaGossip.Run(n.ctx, n.cfg.GossipInterval)
	go n.metaAE.Run(n.ctx, n.cfg.AntiEntropyInterval)
	go n.repairEng.Run(n.ctx, n.cfg.RepairInterval)
	go n.gcEng.Run(n.ctx, n.cfg.GCInterval)
	go n.heartbeatMonitor.Run(n.ctx, n.cfg.HeartbeatTimeout)
	go n.queue.SweepLoop(n.ctx, n.cfg.AntiEntropyInterval)
	go n.run()

	n.state = StateRunning
	log.Info().Str("node_id", nodeID.String()).Str("http_addr", n.cfg.ListenAddr).
		Str("replication_addr", n.cfg.ReplicationListenAddr).Msg("coordinator started")
	return nil
}

// run is the node's background supervisor goroutine; it currently only
// waits for shutdown, mirroring the teacher's agent.run shape so future
// periodic coordinator-level bookkeeping has somewhere to live.
func (n *Node) run() {
	defer close(n.done)
	<-n.ctx.Done()
}

// Stop shuts every subsystem down, bounded by ctx's deadline.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateStopped || n.state == StateStopping {
		n.mu.Unlock()
		return fmt.Errorf("coordinator: already %s", n.state)
	}
	n.state = StateStopping
	log := logging.WithComponent("coordinator")

	if n.httpServer != nil {
		if err := n.httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("error shutting down heartbeat http server")
		}
	}
	if n.rpcListener != nil {
		if err := n.rpcListener.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing replication listener")
		}
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()

	select {
	case <-n.done:
	case <-ctx.Done():
		return fmt.Errorf("coordinator: timeout waiting for shutdown")
	case <-time.After(5 * time.Second):
	}

	if n.store != nil {
		if err := n.store.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing metadata store")
		}
	}

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
	log.Info().Msg("coordinator stopped")
	return nil
}
