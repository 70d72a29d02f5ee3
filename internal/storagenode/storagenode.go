// Package storagenode boots an S-node: it wires the local chunk store and
// blob backing store to the chunk gossip/anti-entropy engines, the repair
// target handler, the GC deletion handler, and heartbeat emission toward
// every discovered coordinator. Lifecycle shape follows
// WebFirstLanguage-beenet/pkg/agent/agent.go; what gets started and in what
// order is grounded on original_source/chunkserver/main.go.
package storagenode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tagvault/filestore/internal/chunkae"
	"github.com/tagvault/filestore/internal/chunkgossip"
	"github.com/tagvault/filestore/internal/config"
	"github.com/tagvault/filestore/internal/discovery"
	"github.com/tagvault/filestore/internal/gc"
	"github.com/tagvault/filestore/internal/health"
	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/nodeid"
	"github.com/tagvault/filestore/internal/repair"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/storagenode/chunkstore"
	"github.com/tagvault/filestore/internal/tlsutil"
	"github.com/tagvault/filestore/internal/transport"
	"github.com/tagvault/filestore/internal/transport/tcp"
)

// State is the storage node's lifecycle state.
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

// Node is a running storage node. Construct with New, then Start/Stop.
type Node struct {
	mu    sync.RWMutex
	state State
	cfg   config.Storage

	nodeID id.ID
	store  *chunkstore.Store

	cache    *discovery.Cache
	resolver *discovery.Resolver

	rpcClient   *rpc.Client
	rpcListener transport.Listener
	rpcServer   *rpc.Server

	chunkGossip  *chunkgossip.Engine
	chunkAE      *chunkae.Engine
	repairTarget *repair.TargetHandler
	gcHandler    *gc.StorageHandler
	heartbeat    *health.Sender

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Node. Wiring happens in Start so construction
// itself can never fail.
func New(cfg config.Storage) *Node {
	return &Node{cfg: cfg, state: StateStopped, done: make(chan struct{})}
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Start wires and launches every storage-node subsystem.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateRunning || n.state == StateStarting {
		return fmt.Errorf("storagenode: already %s", n.state)
	}
	n.state = StateStarting
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})

	log := logging.WithComponent("storagenode")

	nodeID, err := nodeid.LoadOrCreate(n.cfg.NodeIDFilePath)
	if err != nil {
		n.cancel()
		return fmt.Errorf("storagenode: load node id: %w", err)
	}
	n.nodeID = nodeID

	store, err := chunkstore.Open(n.cfg.ChunkStorePath, n.cfg.ChunkIndexPath)
	if err != nil {
		n.cancel()
		return fmt.Errorf("storagenode: open chunk store: %w", err)
	}
	n.store = store

	n.cache = discovery.NewCache(n.cfg.PeerCachePath)
	n.resolver = discovery.NewResolver(n.cache)

	tlsConf, err := tlsutil.GenerateSelfSigned(n.cfg.AdvertiseAddr)
	if err != nil {
		n.cancel()
		return fmt.Errorf("storagenode: generate tls config: %w", err)
	}

	tr := tcp.New()
	ln, err := tr.Listen(n.ctx, n.cfg.ListenAddr, tlsConf)
	if err != nil {
		n.cancel()
		return fmt.Errorf("storagenode: listen on storage address: %w", err)
	}
	n.rpcListener = ln
	n.rpcClient = rpc.NewClient(tr)
	n.rpcServer = rpc.NewServer(ln)

	storagePeers := func() ([]string, error) {
		return n.resolver.Discover(n.ctx, n.cfg.StorageServiceName, n.cfg.StoragePort)
	}
	coordinatorPeers := func() ([]string, error) {
		return n.resolver.Discover(n.ctx, n.cfg.ControllerServiceName, n.cfg.ControllerPort)
	}

	n.chunkGossip = chunkgossip.New(n.cfg.AdvertiseAddr, store, n.rpcClient, tlsConf, n.cfg.GossipFanOut, storagePeers)
	n.chunkAE = chunkae.New(n.cfg.AdvertiseAddr, store, n.rpcClient, tlsConf, storagePeers)
	n.repairTarget = repair.NewTargetHandler(store, n.rpcClient, tlsConf)
	n.gcHandler = gc.NewStorageHandler(store)

	n.chunkGossip.RegisterHandlers(n.rpcServer)
	n.chunkAE.RegisterHandlers(n.rpcServer)
	n.repairTarget.RegisterHandlers(n.rpcServer)
	n.gcHandler.RegisterHandlers(n.rpcServer)

	n.heartbeat = health.NewSender(nodeID, n.cfg.AdvertiseAddr, store.DiskStats, coordinatorPeers)

	go func() {
		if err := n.rpcServer.Serve(n.ctx); err != nil && n.ctx.Err() == nil {
			log.Error().Err(err).Msg("rpc server stopped")
		}
	}()
	go n.chunkGossip.Run(n.ctx, n.cfg.GossipInterval)
	go n.chunkAE.Run(n.ctx, n.cfg.AntiEntropyInterval)
	go n.heartbeat.Run(n.ctx, n.cfg.HeartbeatInterval)
	go n.run()

	n.state = StateRunning
	log.Info().Str("node_id", nodeID.String()).Str("listen_addr", n.cfg.ListenAddr).Msg("storage node started")
	return nil
}

// run is the node's background supervisor goroutine; it currently only
// waits for shutdown, mirroring the teacher's agent.run shape.
func (n *Node) run() {
	defer close(n.done)
	<-n.ctx.Done()
}

// Stop shuts every subsystem down, bounded by ctx's deadline, flushing the
// chunk index to disk before returning since chunkstore.Store has no Close
// method of its own.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateStopped || n.state == StateStopping {
		n.mu.Unlock()
		return fmt.Errorf("storagenode: already %s", n.state)
	}
	n.state = StateStopping
	log := logging.WithComponent("storagenode")

	if n.rpcListener != nil {
		if err := n.rpcListener.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing storage listener")
		}
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()

	select {
	case <-n.done:
	case <-ctx.Done():
		return fmt.Errorf("storagenode: timeout waiting for shutdown")
	case <-time.After(5 * time.Second):
	}

	if n.store != nil {
		if err := n.store.Persist(n.cfg.ChunkIndexPath); err != nil {
			log.Warn().Err(err).Msg("error persisting chunk index")
		}
	}

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
	log.Info().Msg("storage node stopped")
	return nil
}
