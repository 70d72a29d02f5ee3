// Package health carries the storage-to-coordinator heartbeat: a storage
// node periodically tells every coordinator it knows about how much
// capacity it has and how much it's using, and a coordinator tracks when
// each storage node was last heard from to decide whether it's still
// active.
//
// Grounded on original_source/chunkserver/heartbeat_service.py's
// HeartbeatService (storage-node side, _heartbeat_loop /
// _broadcast_to_all_controllers / _send_to_controller) and
// original_source/controller/chunkserver_health.py's
// ChunkserverHealthMonitor (coordinator side, _check_chunkserver_health).
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
)

const heartbeatPath = "/internal/chunkserver/heartbeat"

// maxConsecutiveFailures is how many failed sends to one coordinator a
// storage node tolerates before it stops sending heartbeats to it, per
// _send_to_controller's failure-count tracking.
const maxConsecutiveFailures = 3

// HeartbeatPayload is the body POSTed to heartbeatPath.
type HeartbeatPayload struct {
	NodeID        string `json:"node_id"`
	Address       string `json:"address"`
	CapacityBytes int64  `json:"capacity_bytes"`
	UsedBytes     int64  `json:"used_bytes"`
}

// StatsFunc reports a storage node's current capacity and usage at send
// time, so the sender never has to know how disk usage is computed.
type StatsFunc func() (capacityBytes, usedBytes int64, err error)

// Sender periodically broadcasts this storage node's heartbeat to every
// coordinator its peers func reports, mirroring
// _broadcast_to_all_controllers's fan-out to every discovered controller.
type Sender struct {
	nodeID  id.ID
	address string
	stats   StatsFunc
	peers   func() ([]string, error)
	client  *http.Client

	mu       sync.Mutex
	failures map[string]int
}

// NewSender builds a heartbeat Sender. address is this node's own
// advertised RPC address, sent in the payload so a coordinator can
// register it without a reverse DNS lookup.
func NewSender(nodeID id.ID, address string, stats StatsFunc, peers func() ([]string, error)) *Sender {
	return &Sender{
		nodeID:   nodeID,
		address:  address,
		stats:    stats,
		peers:    peers,
		client:   &http.Client{Timeout: 3 * time.Second},
		failures: make(map[string]int),
	}
}

// Run sends a heartbeat every interval until ctx is canceled.
func (s *Sender) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.SendAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SendAll(ctx)
		}
	}
}

// SendAll broadcasts one heartbeat to every coordinator currently known,
// skipping any coordinator this sender has already given up on.
func (s *Sender) SendAll(ctx context.Context) {
	log := logging.WithComponent("health")

	addrs, err := s.peers()
	if err != nil {
		log.Warn().Err(err).Msg("coordinator discovery failed, skipping heartbeat round")
		return
	}

	capacityBytes, usedBytes, err := s.stats()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read local storage stats, skipping heartbeat round")
		return
	}
	payload := HeartbeatPayload{
		NodeID:        s.nodeID.String(),
		Address:       s.address,
		CapacityBytes: capacityBytes,
		UsedBytes:     usedBytes,
	}

	var wg sync.WaitGroup
	for _, addr := range addrs {
		if s.isExcluded(addr) {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			s.sendOne(ctx, addr, payload)
		}(addr)
	}
	wg.Wait()
}

func (s *Sender) sendOne(ctx context.Context, addr string, payload HeartbeatPayload) {
	log := logging.WithComponent("health")

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal heartbeat payload")
		return
	}

	url := fmt.Sprintf("http://%s%s", addr, heartbeatPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.recordFailure(addr)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("coordinator", addr).Msg("heartbeat send failed")
		s.recordFailure(addr)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("coordinator", addr).Msg("heartbeat rejected")
		s.recordFailure(addr)
		return
	}
	s.recordSuccess(addr)
}

func (s *Sender) recordFailure(addr string) {
	log := logging.WithComponent("health")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[addr]++
	if s.failures[addr] == maxConsecutiveFailures {
		log.Warn().Str("coordinator", addr).Int("failures", s.failures[addr]).Msg("dropping coordinator after consecutive heartbeat failures")
	}
}

func (s *Sender) recordSuccess(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, addr)
}

// isExcluded reports whether addr has failed maxConsecutiveFailures times
// in a row and should be skipped. Only a successful send resets the count,
// and an excluded address is never sent to again, so the exclusion lasts
// for the Sender's lifetime even while discovery keeps listing the address.
func (s *Sender) isExcluded(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[addr] >= maxConsecutiveFailures
}
